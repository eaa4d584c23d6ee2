package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ajitpratap0/legacysync/internal/queue"
	"github.com/ajitpratap0/legacysync/pkg/models"
)

// DeadLetter is a job that exhausted its attempts
type DeadLetter struct {
	Queue       string    `json:"queue"`
	JobID       string    `json:"jobId"`
	SyncLogID   int64     `json:"syncLogId"`
	BatchNumber *int      `json:"batchNumber,omitempty"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"lastError"`
	CreatedAt   time.Time `json:"createdAt"`
}

// QueueInspector reports the depth and dead letters of one job queue
type QueueInspector interface {
	Name() string
	Counts() queue.Counts
	DeadLetters() []DeadLetter
}

type inspector[T any] struct {
	q        *queue.Queue[T]
	describe func(*DeadLetter, T)
}

func (i inspector[T]) Name() string         { return i.q.Name() }
func (i inspector[T]) Counts() queue.Counts { return i.q.Counts() }

func (i inspector[T]) DeadLetters() []DeadLetter {
	jobs := i.q.DeadLetters()
	out := make([]DeadLetter, 0, len(jobs))
	for _, job := range jobs {
		d := DeadLetter{
			Queue:     i.q.Name(),
			JobID:     job.ID,
			Attempts:  job.AttemptsMade,
			LastError: job.LastError,
			CreatedAt: job.CreatedAt,
		}
		i.describe(&d, job.Data)
		out = append(out, d)
	}
	return out
}

// InspectBatches exposes a batch queue
func InspectBatches(q *queue.Queue[models.BatchJob]) QueueInspector {
	return inspector[models.BatchJob]{q: q, describe: func(d *DeadLetter, job models.BatchJob) {
		d.SyncLogID = job.SyncLogID
		d.BatchNumber = models.Ptr(job.BatchNumber)
	}}
}

// InspectSyncs exposes a sync queue
func InspectSyncs(q *queue.Queue[models.SyncJob]) QueueInspector {
	return inspector[models.SyncJob]{q: q, describe: func(d *DeadLetter, job models.SyncJob) {
		d.SyncLogID = job.SyncLogID
	}}
}

// GET /sync/dead-letters
func (h *handlers) deadLetters(c *gin.Context) {
	out := []DeadLetter{}
	for _, q := range h.queues {
		out = append(out, q.DeadLetters()...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	c.JSON(http.StatusOK, out)
}

// queueHealth reports the counts of every queue
func queueHealth(queues []QueueInspector) ComponentHealth {
	details := make(map[string]any, len(queues))
	for _, q := range queues {
		details[q.Name()] = q.Counts()
	}
	return ComponentHealth{Status: StatusHealthy, Details: details}
}

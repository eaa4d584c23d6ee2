// Package api is the REST surface of legacysync: sync control, user CRUD,
// CSV export, health and metrics.
package api

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/internal/pipeline"
	"github.com/ajitpratap0/legacysync/pkg/clients"
	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

// SyncService is the sync control surface used by the handlers
type SyncService interface {
	Trigger(ctx context.Context) (pipeline.TriggerResult, error)
	LatestStatus(ctx context.Context) (*pipeline.Status, error)
	History(ctx context.Context, limit int) ([]models.SyncLog, error)
	Reset(ctx context.Context) (*pipeline.ResetResult, error)
}

// Dependencies are the collaborators of the router
type Dependencies struct {
	Sync  SyncService
	Users store.UserStore
	// Breaker, when set, is reported by the health check
	Breaker *clients.CircuitBreaker
	// Queues are reported by the health check and GET /sync/dead-letters
	Queues []QueueInspector
	Logger *zap.Logger
	// Driver names the database in health details
	Driver string
	// HealthTimeout bounds the database ping (default 3s)
	HealthTimeout time.Duration
}

type handlers struct {
	sync          SyncService
	users         store.UserStore
	breaker       *clients.CircuitBreaker
	queues        []QueueInspector
	logger        *zap.Logger
	driver        string
	healthTimeout time.Duration
}

var registerValidators sync.Once

// NewRouter builds the gin engine with every route registered
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.HealthTimeout <= 0 {
		deps.HealthTimeout = 3 * time.Second
	}
	registerValidators.Do(setupValidator)

	h := &handlers{
		sync:          deps.Sync,
		users:         deps.Users,
		breaker:       deps.Breaker,
		queues:        deps.Queues,
		logger:        deps.Logger.With(zap.String("component", "api")),
		driver:        deps.Driver,
		healthTimeout: deps.HealthTimeout,
	}

	router := gin.New()
	router.Use(requestID(), h.recovery(), tracing(), accessLog(h.logger))

	router.GET("/health", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	syncGroup := router.Group("/sync")
	{
		syncGroup.POST("", h.triggerSync)
		syncGroup.GET("/status", h.syncStatus)
		syncGroup.GET("/history", h.syncHistory)
		syncGroup.POST("/reset", h.resetSync)
		syncGroup.GET("/dead-letters", h.deadLetters)
	}

	users := router.Group("/users")
	{
		users.GET("", h.listUsers)
		users.GET("/export/csv", h.exportUsersCSV)
		users.GET("/:user_name", h.getUser)
		users.POST("", h.createUser)
		users.PUT("/:id", h.updateUser)
		users.DELETE("/:id", h.deleteUser)
	}

	router.NoRoute(func(c *gin.Context) {
		h.abort(c, notFound("Cannot "+c.Request.Method+" "+c.Request.URL.Path))
	})

	return router
}

// setupValidator names fields by their json or form tag and registers notblank
func setupValidator() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	_ = v.RegisterValidation("notblank", validators.NotBlank)
}

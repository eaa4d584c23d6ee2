package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/ajitpratap0/legacysync/pkg/models"
	"github.com/ajitpratap0/legacysync/pkg/store"
)

// UserResponse is the public shape of a user
type UserResponse struct {
	ID              int64      `json:"id"`
	UserName        string     `json:"userName"`
	Email           string     `json:"email"`
	LegacyCreatedAt *time.Time `json:"legacyCreatedAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func toResponse(u *models.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		UserName:        u.UserName,
		Email:           u.Email,
		LegacyCreatedAt: u.LegacyCreatedAt,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

type listUsersQuery struct {
	Page  int `form:"page" binding:"omitempty,min=1"`
	Limit int `form:"limit" binding:"omitempty,min=1,max=100"`
}

type exportQuery struct {
	CreatedFrom string `form:"created_from"`
	CreatedTo   string `form:"created_to"`
}

// CreateUserRequest is the body of POST /users
type CreateUserRequest struct {
	UserName string `json:"userName" binding:"required,notblank,max=50"`
	Email    string `json:"email" binding:"required,email,max=255"`
}

// UpdateUserRequest is the body of PUT /users/:id
type UpdateUserRequest struct {
	UserName *string `json:"userName" binding:"omitempty,notblank,max=50"`
	Email    *string `json:"email" binding:"omitempty,email,max=255"`
}

// csvTimeLayout matches the millisecond UTC timestamps of the JSON API
const csvTimeLayout = "2006-01-02T15:04:05.000Z"

// csvFlushEvery bounds how many rows are buffered before a flush
const csvFlushEvery = 500

// GET /users
func (h *handlers) listUsers(c *gin.Context) {
	q := listUsersQuery{Page: 1, Limit: 10}
	if err := c.ShouldBindQuery(&q); err != nil {
		h.abort(c, bindError(err))
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = 10
	}

	page, err := h.users.FindAll(c.Request.Context(), q.Page, q.Limit)
	if err != nil {
		h.abort(c, err)
		return
	}

	items := make([]UserResponse, 0, len(page.Items))
	for i := range page.Items {
		items = append(items, toResponse(&page.Items[i]))
	}
	c.JSON(http.StatusOK, models.NewPage(items, page.Total, page.Page, page.Limit))
}

// GET /users/:user_name
func (h *handlers) getUser(c *gin.Context) {
	name := c.Param("user_name")
	u, err := h.users.FindByUsername(c.Request.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		h.abort(c, err, fmt.Sprintf("User '%s' not found", name))
		return
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(u))
}

// POST /users
func (h *handlers) createUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, bindError(err))
		return
	}

	u, err := h.users.Create(c.Request.Context(), req.UserName, req.Email)
	if errors.Is(err, store.ErrConflict) {
		h.abort(c, err, fmt.Sprintf("userName '%s' is already in use", req.UserName))
		return
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	requestLogger(c, h.logger).Info("user created", zap.Int64("user_id", u.ID))
	c.JSON(http.StatusCreated, toResponse(u))
}

// PUT /users/:id
func (h *handlers) updateUser(c *gin.Context) {
	id, ok := h.userID(c)
	if !ok {
		return
	}
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.abort(c, bindError(err))
		return
	}

	u, err := h.users.Update(c.Request.Context(), id, models.UserPatch{UserName: req.UserName, Email: req.Email})
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.abort(c, err, fmt.Sprintf("User with id %d not found", id))
		return
	case errors.Is(err, store.ErrConflict) && req.UserName != nil:
		h.abort(c, err, fmt.Sprintf("userName '%s' is already in use", *req.UserName))
		return
	case err != nil:
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(u))
}

// DELETE /users/:id
func (h *handlers) deleteUser(c *gin.Context) {
	id, ok := h.userID(c)
	if !ok {
		return
	}
	err := h.users.SoftDelete(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.abort(c, err, fmt.Sprintf("User with id %d not found", id))
		return
	}
	if err != nil {
		h.abort(c, err)
		return
	}
	requestLogger(c, h.logger).Info("user soft-deleted", zap.Int64("user_id", id))
	c.Status(http.StatusNoContent)
}

// GET /users/export/csv streams every matching user. The response is gzip
// encoded when the client accepts it.
func (h *handlers) exportUsersCSV(c *gin.Context) {
	var q exportQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.abort(c, bindError(err))
		return
	}
	var filter models.ExportFilter
	var err error
	if filter.CreatedFrom, err = parseDateParam("created_from", q.CreatedFrom); err != nil {
		h.abort(c, err)
		return
	}
	if filter.CreatedTo, err = parseDateParam("created_to", q.CreatedTo); err != nil {
		h.abort(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="users-%d.csv"`, time.Now().UnixMilli()))

	out := c.Writer
	var gz *gzip.Writer
	if strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		gz = gzip.NewWriter(c.Writer)
	}
	c.Status(http.StatusOK)

	var w *csv.Writer
	if gz != nil {
		w = csv.NewWriter(gz)
	} else {
		w = csv.NewWriter(out)
	}

	flush := func() error {
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}
		if gz != nil {
			if err := gz.Flush(); err != nil {
				return err
			}
		}
		out.Flush()
		return nil
	}

	rows := 0
	_ = w.Write([]string{"id", "userName", "email", "createdAt"})
	err = h.users.ExportAll(c.Request.Context(), filter, func(u models.User) error {
		if err := w.Write([]string{
			strconv.FormatInt(u.ID, 10),
			u.UserName,
			u.Email,
			u.CreatedAt.UTC().Format(csvTimeLayout),
		}); err != nil {
			return err
		}
		rows++
		if rows%csvFlushEvery == 0 {
			return flush()
		}
		return nil
	})
	if ferr := flush(); err == nil {
		err = ferr
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}

	log := requestLogger(c, h.logger)
	if err != nil {
		// headers are gone; the truncated body is all the client sees
		log.Error("csv export aborted", zap.Int("rows", rows), zap.Error(err))
		_ = c.Error(err)
		return
	}
	log.Info("csv export completed", zap.Int("rows", rows), zap.Bool("gzip", gz != nil))
}

func (h *handlers) userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		h.abort(c, badRequest("Validation failed (numeric string is expected)"))
		return 0, false
	}
	return id, true
}

// parseDateParam accepts a date (2024-01-31) or an RFC 3339 timestamp
func parseDateParam(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, badRequest(name + " must be a valid date")
	}
	t = t.UTC()
	return &t, nil
}

// bindError keeps validation errors and turns decode errors into 400s
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return err
	}
	return badRequest(err.Error())
}

package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/use-agent/scrape/models"
	"github.com/use-agent/scrape/scheduler"
)

const (
	defaultResultsLimit = 100
	maxResultsLimit     = 1000
)

// PostJob returns a handler for POST /api/v1/jobs.
func PostJob(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.JobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}

		id, err := m.SubmitJob(req.Seeds, req.Config)
		if err != nil {
			respondError(c, err)
			return
		}
		st, err := m.JobStatus(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, models.JobResponse{ID: id, State: st.State})
	}
}

// GetJob returns a handler for GET /api/v1/jobs/:id.
func GetJob(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := m.JobStatus(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// DeleteJob returns a handler for DELETE /api/v1/jobs/:id.
func DeleteJob(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := m.CancelJob(id); err != nil {
			respondError(c, err)
			return
		}
		st, err := m.JobStatus(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, st)
	}
}

// PostSeeds returns a handler for POST /api/v1/jobs/:id/seeds.
func PostSeeds(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.SeedsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidInput(c, err)
			return
		}
		n, err := m.AddSeeds(c.Param("id"), req.Seeds)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": n})
	}
}

// PostClose returns a handler for POST /api/v1/jobs/:id/close.
func PostClose(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := m.CloseSubmissions(id); err != nil {
			respondError(c, err)
			return
		}
		st, err := m.JobStatus(id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// GetResults returns a handler for GET /api/v1/jobs/:id/results.
func GetResults(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		cursor, err := queryInt(c, "cursor", 0)
		if err != nil {
			invalidInput(c, err)
			return
		}
		limit, err := queryInt(c, "limit", defaultResultsLimit)
		if err != nil {
			invalidInput(c, err)
			return
		}
		if limit < 1 || limit > maxResultsLimit {
			limit = defaultResultsLimit
		}

		id := c.Param("id")
		page, err := m.Results(id, cursor, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.ResultsResponse{
			ID:         id,
			Records:    page.Records,
			NextCursor: page.NextCursor,
			Done:       page.Done,
			Dropped:    page.Dropped,
		})
	}
}

// StreamResults returns a handler for GET /api/v1/jobs/:id/stream.
//
// Records are sent as server-sent "record" events whose id is the cursor of
// the next record, so a client can resume with Last-Event-ID. A final
// "done" event carries the job status.
func StreamResults(m *scheduler.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		cursor, err := queryInt(c, "cursor", 0)
		if err != nil {
			invalidInput(c, err)
			return
		}
		if last := c.GetHeader("Last-Event-ID"); last != "" {
			if n, err := strconv.Atoi(last); err == nil && n >= 0 {
				cursor = n
			}
		}
		if _, err := m.JobStatus(id); err != nil {
			respondError(c, err)
			return
		}

		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		ctx := c.Request.Context()
		c.Stream(func(w io.Writer) bool {
			rec, next, err := m.Next(ctx, id, cursor)
			switch {
			case errors.Is(err, io.EOF):
				st, _ := m.JobStatus(id)
				c.Render(-1, sse.Event{Event: "done", Data: st})
				return false
			case err != nil:
				return false
			}
			cursor = next
			c.Render(-1, sse.Event{Id: strconv.Itoa(next), Event: "record", Data: rec})
			return true
		})
	}
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

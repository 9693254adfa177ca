package controlapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/scheduler"
)

// listWorkflows handles GET /workflows: the run index, most recently
// started first. It never touches the store (C5) — the index is a
// secondary view, maintained best-effort by C12's observer.
func (s *Service) listWorkflows(c *gin.Context) {
	rows, err := s.RunIndex.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// getWorkflow handles GET /workflows/{id}: the live document if a scheduler
// loop currently has it in flight, otherwise the last persisted copy. A
// live document is locked for the duration of the read (the scheduler
// goroutine may be concurrently mutating it, §5 "Mutation discipline"), so
// the response is marshalled into bytes before the lock is released.
func (s *Service) getWorkflow(c *gin.Context) {
	id := c.Param("id")
	wf, live, err := s.liveOrStored(id)
	if err != nil {
		writeNotFoundOrError(c, err)
		return
	}
	if live {
		wf.Lock()
		defer wf.Unlock()
	}
	c.JSON(http.StatusOK, wf)
}

// pauseWorkflow handles POST /workflows/{id}/pause: sets every agent's
// Paused flag. If the workflow is currently mid-loop, this mutates the same
// in-memory document the scheduler is iterating, so the mutation (and the
// subsequent read back for the response) is done under the document's own
// lock, the same one the scheduler's Run loop holds around its own reads
// and mutations (§4.10 "Pause/resume", §5 "Mutation discipline").
func (s *Service) pauseWorkflow(c *gin.Context) {
	id := c.Param("id")
	wf, live, err := s.liveOrStored(id)
	if err != nil {
		writeNotFoundOrError(c, err)
		return
	}
	if live {
		wf.Lock()
		defer wf.Unlock()
	}
	for _, a := range wf.Agents {
		a.Paused = true
	}
	if !live {
		if err := s.Store.Write(wf); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
			return
		}
	}
	c.JSON(http.StatusOK, wf)
}

// resumeWorkflow handles POST /workflows/{id}/resume. A workflow already
// mid-loop (its paused agents not yet all caught by the loop's top-of-cycle
// check) is resumed in place, under its own lock; a workflow whose loop has
// already exited (every agent paused) is re-entered via a fresh
// Scheduler.Run goroutine.
func (s *Service) resumeWorkflow(c *gin.Context) {
	id := c.Param("id")
	wf, live, err := s.liveOrStored(id)
	if err != nil {
		writeNotFoundOrError(c, err)
		return
	}

	if live {
		wf.Lock()
		defer wf.Unlock()
		scheduler.Resume(wf)
		c.JSON(http.StatusOK, wf)
		return
	}

	scheduler.Resume(wf)
	if err := s.Store.Write(wf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	go s.RunAndTrack(s.baseCtx, wf, false)
	c.JSON(http.StatusAccepted, wf)
}

// tailEvents handles GET /workflows/{id}/events?n=100: the most recent N
// bus events retained by the ring buffer for this workflow.
func (s *Service) tailEvents(c *gin.Context) {
	id := c.Param("id")
	n := 100
	if q := c.Query("n"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil && parsed > 0 {
			n = parsed
		}
	}
	c.JSON(http.StatusOK, s.Events.Tail(id, n))
}

func writeNotFoundOrError(c *gin.Context, err error) {
	if asErr, ok := err.(*model.Error); ok && asErr.Kind == model.ErrStateFileError {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"message": err.Error()}})
}

// Package controlapi implements the control API (C13): a small Gin surface
// for listing, inspecting, pausing, resuming, and tailing the events of
// workflows hosted in one process.
//
// Grounded on the teacher's internal/orchestrator/api package for the
// handler/middleware/router shape, and on internal/orchestrator.Service's
// active-task bookkeeping for tracking which workflows currently have a
// live Scheduler.Run goroutine.
package controlapi

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/raymondcli/raymond/internal/workflow/bus"
	"github.com/raymondcli/raymond/internal/workflow/model"
	"github.com/raymondcli/raymond/internal/workflow/observers"
	"github.com/raymondcli/raymond/internal/workflow/runindex"
	"github.com/raymondcli/raymond/internal/workflow/scheduler"
	"github.com/raymondcli/raymond/internal/workflow/store"
)

// Service bundles the collaborators the control API reads from and acts on.
// It is deliberately thin: spec.md's non-goals exclude auth and
// multi-tenancy, and the store (C5) remains the sole source of truth.
type Service struct {
	Store     *store.Store
	RunIndex  *runindex.Index
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Events    *observers.RingBuffer
	Log       *zap.Logger

	mu      sync.Mutex
	running map[string]*model.Workflow // workflowID -> live in-memory document

	baseCtx context.Context // outlives individual HTTP requests; cancelled on shutdown
}

// NewService constructs a Service. log may be nil; baseCtx may be nil (it
// defaults to context.Background()) and governs goroutines the API spawns
// for resumed workflows, so the caller can cancel them on shutdown.
func NewService(st *store.Store, idx *runindex.Index, sched *scheduler.Scheduler, b *bus.Bus, events *observers.RingBuffer, log *zap.Logger, baseCtx context.Context) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Service{Store: st, RunIndex: idx, Scheduler: sched, Bus: b, Events: events, Log: log, running: map[string]*model.Workflow{}, baseCtx: baseCtx}
}

// RunAndTrack runs wf to completion or pause via the scheduler, registering
// it as "live" for the duration so pause/resume handlers mutate the actual
// in-flight document rather than a stale copy read back from the store.
// Intended to be called in its own goroutine by the caller that first
// creates or recovers wf (cmd/raymond's wiring, §4.13).
func (s *Service) RunAndTrack(ctx context.Context, wf *model.Workflow, startNew bool) {
	s.mu.Lock()
	s.running[wf.WorkflowID] = wf
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, wf.WorkflowID)
		s.mu.Unlock()
	}()

	var err error
	if startNew {
		_, err = s.Scheduler.StartNew(ctx, wf)
	} else {
		_, err = s.Scheduler.Run(ctx, wf)
	}
	if err != nil {
		s.Log.Error("workflow run exited with error", zap.String("workflowId", wf.WorkflowID), zap.Error(err))
	}
}

// liveOrStored returns the in-memory document if a scheduler loop currently
// has it in flight, otherwise reads the persisted copy from the store.
func (s *Service) liveOrStored(id string) (*model.Workflow, bool, error) {
	s.mu.Lock()
	wf, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		return wf, true, nil
	}
	wf, err := s.Store.Read(id)
	return wf, false, err
}

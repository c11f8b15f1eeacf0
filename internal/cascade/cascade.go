// Package cascade discovers background generation tasks whose input
// dependencies just became satisfied, claims them exactly once, and runs
// them concurrently. Completion re-enqueues the session so newly-unblocked
// dependents are discovered; the dependency graph is validated acyclic, so
// the chain terminates.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"plotline/internal/domain"
	"plotline/internal/graph"
	"plotline/internal/store"
)

// GraphResolver loads the compiled graph for a project.
type GraphResolver func(ctx context.Context, projectID string) (*graph.Graph, error)

// EventSink records engine events; may be nil.
type EventSink func(ctx context.Context, evtType, projectID, entityID string, payload map[string]any)

type Engine struct {
	Store  store.Store
	Graphs GraphResolver
	Runner Runner
	Logger *slog.Logger
	Events EventSink

	queue   chan string
	workers int
	wg      sync.WaitGroup
	tasks   sync.WaitGroup
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// New builds an engine with a buffered work queue. Call Start before use.
func New(st store.Store, graphs GraphResolver, runner Runner, workers, queueSize int) *Engine {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Engine{
		Store:   st,
		Graphs:  graphs,
		Runner:  runner,
		Logger:  slog.Default(),
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
		workers: workers,
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// canceled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(e.ctx, i)
	}
}

// Stop cancels the workers and waits for in-flight task executions.
func (e *Engine) Stop() {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		close(e.done)
		e.wg.Wait()
		e.tasks.Wait()
	})
}

// Enqueue schedules a cascade pass for the session. It never blocks the
// caller; with a full queue the hand-off moves to a goroutine. Safe to
// call before Start: the queue buffers until the workers come up.
func (e *Engine) Enqueue(sessionID string) {
	select {
	case e.queue <- sessionID:
	default:
		go func() {
			select {
			case e.queue <- sessionID:
			case <-e.done:
			}
		}()
	}
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	logger := e.Logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-e.queue:
			if err := e.runPass(ctx, sessionID); err != nil {
				logger.Warn("cascade pass failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

// runPass claims and dispatches every eligible pending task of the
// session. Safe to invoke repeatedly; a lost claim race is silently
// absorbed and an expired session simply ends the pass.
func (e *Engine) runPass(ctx context.Context, sessionID string) error {
	s, err := e.Store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	g, err := e.Graphs(ctx, s.ProjectID)
	if err != nil {
		return err
	}
	for _, t := range g.Tasks() {
		if s.Tasks[t.ID] != domain.StatusPending {
			continue
		}
		if !depsSatisfied(s, t) {
			continue
		}
		claimed, err := e.Store.ClaimTask(ctx, sessionID, t.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			e.Logger.Warn("task claim failed", "session_id", sessionID, "task_id", t.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		inputs := snapshotInputs(s, t)
		task := t
		if _, err := e.Store.Update(ctx, sessionID, func(s *domain.Session) error {
			s.Tasks[task.ID] = domain.StatusRunning
			v := s.Variable(task.OutputVariable, task.Kind)
			v.Status = domain.StatusRunning
			return nil
		}); err != nil {
			e.Logger.Warn("task start not persisted", "session_id", sessionID, "task_id", t.ID, "error", err)
			if !errors.Is(err, store.ErrNotFound) {
				// Give the claim back so a later pass can retry; otherwise the
				// task would stay pending behind a permanent claim marker.
				if relErr := e.Store.ReleaseClaim(ctx, sessionID, t.ID); relErr != nil {
					e.Logger.Warn("claim not released", "session_id", sessionID, "task_id", t.ID, "error", relErr)
				}
			}
			continue
		}
		e.event(ctx, "task.claimed", s.ProjectID, sessionID, map[string]any{"task_id": t.ID})
		e.tasks.Add(1)
		go e.execute(ctx, sessionID, s.ProjectID, task, inputs)
	}
	return nil
}

// execute runs one claimed task to completion and persists the outcome.
// Task failures never fail the session; the variable is marked failed and
// the decision engine's fallback policy takes over.
func (e *Engine) execute(ctx context.Context, sessionID, projectID string, t domain.Task, inputs map[string]domain.RuntimeVariable) {
	defer e.tasks.Done()
	res, runErr := e.Runner.Run(ctx, RunRequest{
		SessionID: sessionID,
		Task:      t,
		Inputs:    inputs,
	})
	if err := e.Complete(ctx, sessionID, projectID, t, res, runErr); err != nil {
		e.Logger.Error("task result not persisted", "session_id", sessionID, "task_id", t.ID, "error", err)
	}
}

// Complete persists a task outcome and re-enqueues the session. It is
// also the entry point for asynchronous backends reporting through the
// HTTP callback.
func (e *Engine) Complete(ctx context.Context, sessionID, projectID string, t domain.Task, res RunResult, runErr error) error {
	_, err := e.Store.Update(ctx, sessionID, func(s *domain.Session) error {
		v := s.Variable(t.OutputVariable, t.Kind)
		if runErr != nil {
			s.Tasks[t.ID] = domain.StatusFailed
			v.Status = domain.StatusFailed
			return nil
		}
		s.Tasks[t.ID] = domain.StatusCompleted
		v.Status = domain.StatusCompleted
		if res.ClipID != "" {
			clipID := res.ClipID
			v.ClipID = &clipID
		}
		if res.Value != nil {
			v.Value = res.Value
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if runErr != nil {
		e.Logger.Warn("task failed", "session_id", sessionID, "task_id", t.ID, "error", runErr)
		e.event(ctx, "task.failed", projectID, sessionID, map[string]any{"task_id": t.ID, "error": runErr.Error()})
	} else {
		e.event(ctx, "task.completed", projectID, sessionID, map[string]any{"task_id": t.ID, "clip_id": res.ClipID})
	}
	e.Enqueue(sessionID)
	return nil
}

func (e *Engine) event(ctx context.Context, evtType, projectID, sessionID string, payload map[string]any) {
	if e.Events == nil {
		return
	}
	e.Events(ctx, evtType, projectID, sessionID, payload)
}

// depsSatisfied reports whether every declared input variable of the task
// is completed. A task without dependencies is immediately eligible.
func depsSatisfied(s *domain.Session, t domain.Task) bool {
	for _, dep := range t.DependsOn {
		v, ok := s.Variables[dep]
		if !ok || v.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

func snapshotInputs(s *domain.Session, t domain.Task) map[string]domain.RuntimeVariable {
	inputs := make(map[string]domain.RuntimeVariable, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if v, ok := s.Variables[dep]; ok {
			inputs[dep] = *v
		}
	}
	return inputs
}

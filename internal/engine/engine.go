// Package engine ties the pieces together: project import, session
// lifecycle, the poll loop that grows the manifest, and interaction
// handling. Session state lives in the store; projects and the event log
// live in SQLite.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"plotline/internal/cascade"
	"plotline/internal/config"
	"plotline/internal/decision"
	"plotline/internal/domain"
	"plotline/internal/events"
	"plotline/internal/graph"
	"plotline/internal/playlist"
	"plotline/internal/repo"
	"plotline/internal/store"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Sessions store.Store
	Cascade  *cascade.Engine
	Config   *config.Config
	Now      func() time.Time

	mu     sync.Mutex
	graphs map[string]*graph.Graph
}

// New wires an engine over an open database and session store. The
// cascade engine is attached afterwards because it needs the engine's
// graph resolver.
func New(db *sql.DB, sessions store.Store, cfg *config.Config) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Sessions: sessions,
		Config:   cfg,
		Now:      time.Now,
		graphs:   map[string]*graph.Graph{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// GraphFor compiles and caches the graph of a project. The cache is
// invalidated when the project is re-imported.
func (e *Engine) GraphFor(ctx context.Context, projectID string) (*graph.Graph, error) {
	e.mu.Lock()
	g, ok := e.graphs[projectID]
	e.mu.Unlock()
	if ok {
		return g, nil
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	g, err = graph.FromYAML([]byte(p.GraphYAML), e.graphOptions())
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	e.mu.Lock()
	e.graphs[projectID] = g
	e.mu.Unlock()
	return g, nil
}

func (e *Engine) graphOptions() graph.Options {
	return graph.Options{AllowMissingFallback: e.Config.Graph.AllowMissingFallback}
}

// ImportProject validates a graph document and upserts the project. A
// rejected document never reaches storage.
func (e *Engine) ImportProject(ctx context.Context, graphYAML []byte, actorID string) (domain.Project, error) {
	g, err := graph.FromYAML(graphYAML, e.graphOptions())
	if err != nil {
		return domain.Project{}, err
	}
	doc, err := graph.ParseDocument(graphYAML)
	if err != nil {
		return domain.Project{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:          g.ProjectID,
		Name:        doc.Project.Name,
		Description: doc.Project.Description,
		GraphYAML:   string(graphYAML),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	existing, err := e.Repo.GetProject(ctx, p.ID)
	evtType := "project.imported"
	switch {
	case err == nil:
		p.CreatedAt = existing.CreatedAt
		evtType = "project.updated"
		if err := e.Repo.UpdateProject(ctx, p); err != nil {
			return domain.Project{}, err
		}
	case errors.Is(err, repo.ErrNotFound):
		if err := e.Repo.InsertProject(ctx, p); err != nil {
			return domain.Project{}, fmt.Errorf("insert project: %w", err)
		}
	default:
		return domain.Project{}, err
	}
	e.mu.Lock()
	delete(e.graphs, p.ID)
	e.mu.Unlock()
	_ = e.Events.AppendDirect(ctx, evtType, p.ID, "project", p.ID, actorID, events.EventPayload{"name": p.Name})
	return p, nil
}

// CreateSession starts playback of a project at its start node and kicks
// the first cascade pass so no-dependency tasks start generating
// immediately.
func (e *Engine) CreateSession(ctx context.Context, projectID, actorID string) (*domain.Session, error) {
	g, err := e.GraphFor(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s := &domain.Session{
		ID:            uuid.New().String(),
		ProjectID:     projectID,
		CurrentNodeID: g.StartNode,
		Variables:     map[string]*domain.RuntimeVariable{},
		Tasks:         map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, t := range g.Tasks() {
		s.Tasks[t.ID] = domain.StatusPending
	}
	if err := e.Sessions.Create(ctx, s); err != nil {
		return nil, err
	}
	_ = e.Events.AppendDirect(ctx, "session.created", projectID, "session", s.ID, actorID, events.EventPayload{"start_node": g.StartNode})
	if e.Cascade != nil {
		e.Cascade.Enqueue(s.ID)
	}
	return s, nil
}

// Poll reports the player's position and returns the current manifest.
// The decision engine runs only when the player is close to the end of
// the built manifest; a poll that triggers nothing is a pure read and
// returns a byte-identical manifest. Loop clips append on every
// triggering poll while content is pending, which is what drives the
// loop-count timeout heuristic.
func (e *Engine) Poll(ctx context.Context, sessionID string, playIndex int) (string, error) {
	s, err := e.Sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	g, err := e.GraphFor(ctx, s.ProjectID)
	if err != nil {
		return "", err
	}
	if playIndex == 0 && !s.IsEnd && e.Cascade != nil {
		// Start-of-playback: get zero-dependency generation moving before
		// the player runs out of content.
		e.Cascade.Enqueue(sessionID)
	}
	if s.IsEnd || !playlist.NeedsMore(s.VideoList, playIndex, e.Config) {
		return playlist.Render(s, e.Config.Media.BaseURL), nil
	}
	decider := &decision.Engine{Graph: g, Config: e.Config}
	prevNode := s.CurrentNodeID
	prevEnded := s.IsEnd
	updated, err := e.Sessions.Update(ctx, sessionID, func(s *domain.Session) error {
		prevNode = s.CurrentNodeID
		prevEnded = s.IsEnd
		if !s.IsEnd && playlist.NeedsMore(s.VideoList, playIndex, e.Config) {
			seg, err := decider.Decide(s)
			if err != nil {
				return err
			}
			if seg != nil {
				s.VideoList = append(s.VideoList, *seg)
			}
		}
		s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		return "", err
	}
	e.recordPollEvents(ctx, s, updated, prevNode, prevEnded)
	return playlist.Render(updated, e.Config.Media.BaseURL), nil
}

func (e *Engine) recordPollEvents(ctx context.Context, before, after *domain.Session, prevNode string, prevEnded bool) {
	if len(after.VideoList) > len(before.VideoList) {
		seg := after.VideoList[len(after.VideoList)-1]
		_ = e.Events.AppendDirect(ctx, "segment.appended", after.ProjectID, "session", after.ID, "", events.EventPayload{"clip_id": seg.ClipID})
	}
	if after.CurrentNodeID != prevNode {
		_ = e.Events.AppendDirect(ctx, "node.advanced", after.ProjectID, "session", after.ID, "", events.EventPayload{"from": prevNode, "to": after.CurrentNodeID})
	}
	for key, v := range after.Variables {
		if v.FallbackApplied {
			if prev, ok := before.Variables[key]; !ok || !prev.FallbackApplied {
				_ = e.Events.AppendDirect(ctx, "fallback.applied", after.ProjectID, "session", after.ID, "", events.EventPayload{"variable": key})
			}
		}
	}
	if after.IsEnd && !prevEnded {
		_ = e.Events.AppendDirect(ctx, "session.ended", after.ProjectID, "session", after.ID, "", events.EventPayload{})
	}
}

// Interact records user input for an interaction node and wakes the
// cascade, since the input may unblock dependent generation tasks.
func (e *Engine) Interact(ctx context.Context, sessionID, nodeID string, message any, actorID string) (*domain.Session, error) {
	s, err := e.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	g, err := e.GraphFor(ctx, s.ProjectID)
	if err != nil {
		return nil, err
	}
	node, err := g.Node(nodeID)
	if err != nil {
		return nil, err
	}
	if node.Type != domain.NodeInteraction && node.Type != domain.NodeBranching {
		return nil, graph.ConfigError{Msg: fmt.Sprintf("node %s does not accept interactions", nodeID)}
	}
	key := nodeID
	if node.Type == domain.NodeBranching {
		key = graph.SelectorKey(node)
	}
	updated, err := e.Sessions.Update(ctx, sessionID, func(s *domain.Session) error {
		v := s.Variable(key, domain.VarUserInput)
		v.Status = domain.StatusCompleted
		v.Value = message
		v.Played = true
		s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = e.Events.AppendDirect(ctx, "interaction.received", s.ProjectID, "session", sessionID, actorID, events.EventPayload{"node_id": nodeID})
	if e.Cascade != nil {
		e.Cascade.Enqueue(sessionID)
	}
	return updated, nil
}

// State returns a read-only snapshot of the session.
func (e *Engine) State(ctx context.Context, sessionID string) (*domain.Session, error) {
	return e.Sessions.Get(ctx, sessionID)
}

// CompleteTask applies an asynchronous generation result reported through
// the HTTP callback. The task must exist in the session's project graph.
func (e *Engine) CompleteTask(ctx context.Context, sessionID, taskID string, res cascade.RunResult, failure string) error {
	s, err := e.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	g, err := e.GraphFor(ctx, s.ProjectID)
	if err != nil {
		return err
	}
	t, ok := g.Task(taskID)
	if !ok {
		return graph.ConfigError{Msg: fmt.Sprintf("task %s not in graph", taskID)}
	}
	if e.Cascade == nil {
		return errors.New("cascade not running")
	}
	var runErr error
	if failure != "" {
		runErr = errors.New(failure)
	}
	return e.Cascade.Complete(ctx, sessionID, s.ProjectID, *t, res, runErr)
}

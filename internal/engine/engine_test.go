package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"plotline/internal/cascade"
	"plotline/internal/config"
	"plotline/internal/db"
	"plotline/internal/domain"
	"plotline/internal/engine"
	"plotline/internal/events"
	"plotline/internal/migrate"
	"plotline/internal/store"
)

const playGraph = `
project:
  id: demo
  name: Demo story
  start_node: intro
clips:
  - id: intro-clip
    uri: intro.mp4
    duration: 5
  - id: wait-clip
    uri: wait.mp4
    duration: 2
  - id: fb-clip
    uri: fb.mp4
    duration: 4
  - id: gen-clip
    uri: gen.mp4
    duration: 6
  - id: end-clip
    uri: end.mp4
    duration: 3
nodes:
  - id: intro
    type: prebuilt_video
    clip_id: intro-clip
    next: [story]
  - id: story
    type: prebuilt_video
    attach_variables:
      - variable_id: story_video
        kind: video
        loop_clip_id: wait-clip
        fallback_clip_id: fb-clip
    next: [finale]
  - id: finale
    type: prebuilt_video
    clip_id: end-clip
    is_end: true
tasks:
  - id: gen-story
    kind: video
    output_variable: story_video
`

const askGraph = `
project:
  id: ask-demo
  start_node: ask
clips:
  - id: ask-clip
    uri: ask.mp4
    duration: 2
  - id: end-clip
    uri: end.mp4
    duration: 3
nodes:
  - id: ask
    type: interaction
    clip_id: ask-clip
    max_wait_seconds: 5
    next: [finale]
  - id: finale
    type: prebuilt_video
    clip_id: end-clip
    is_end: true
`

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, runner cascade.Runner) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(dir)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sessions := store.NewMemory(time.Hour)
	eng := engine.New(conn, sessions, config.Default())
	if runner == nil {
		runner = &cascade.StaticRunner{Clips: map[string]string{"story_video": "gen-clip"}}
	}
	c := cascade.New(sessions, eng.GraphFor, runner, 2, 16)
	writer := eng.Events
	c.Events = func(ctx context.Context, evtType, projectID, entityID string, payload map[string]any) {
		_ = writer.AppendDirect(ctx, evtType, projectID, "session", entityID, "", events.EventPayload(payload))
	}
	ctx := context.Background()
	c.Start(ctx)
	t.Cleanup(c.Stop)
	eng.Cascade = c
	return testEnv{Engine: eng, Ctx: ctx}
}

func importGraph(t *testing.T, env testEnv, yaml string) domain.Project {
	t.Helper()
	p, err := env.Engine.ImportProject(env.Ctx, []byte(yaml), "tester")
	if err != nil {
		t.Fatalf("import project: %v", err)
	}
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestImportProjectUpsert(t *testing.T) {
	env := newTestEnv(t, nil)
	p := importGraph(t, env, playGraph)
	if p.ID != "demo" || p.Name != "Demo story" {
		t.Fatalf("unexpected project: %+v", p)
	}

	// Re-import keeps the creation timestamp and bumps nothing else.
	updated := importGraph(t, env, strings.Replace(playGraph, "Demo story", "Demo story v2", 1))
	if updated.CreatedAt != p.CreatedAt {
		t.Fatalf("re-import must keep created_at")
	}
	if updated.Name != "Demo story v2" {
		t.Fatalf("name not updated: %s", updated.Name)
	}

	// A rejected document never reaches storage.
	if _, err := env.Engine.ImportProject(env.Ctx, []byte("project:\n  id: broken\n"), "tester"); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := env.Engine.Repo.GetProject(env.Ctx, "broken"); err == nil {
		t.Fatalf("invalid project must not be stored")
	}
}

func TestCreateSessionInitializesState(t *testing.T) {
	env := newTestEnv(t, nil)
	importGraph(t, env, playGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "demo", "tester")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.CurrentNodeID != "intro" || s.IsEnd {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.Tasks["gen-story"] != domain.StatusPending {
		t.Fatalf("tasks not initialized: %v", s.Tasks)
	}
}

func TestPollPlaysThroughGeneratedStory(t *testing.T) {
	env := newTestEnv(t, nil)
	importGraph(t, env, playGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "demo", "tester")
	if err != nil {
		t.Fatal(err)
	}

	m, err := env.Engine.Poll(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !strings.Contains(m, "intro.mp4") {
		t.Fatalf("first manifest missing intro:\n%s", m)
	}

	// Session creation kicked the cascade; the static runner completes the
	// story task in the background.
	waitFor(t, func() bool {
		st, err := env.Engine.State(env.Ctx, s.ID)
		return err == nil && st.Tasks["gen-story"] == domain.StatusCompleted
	})

	// Same position, but background state moved: the poll re-evaluates and
	// the generated clip lands on the manifest.
	m, err = env.Engine.Poll(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m, "gen.mp4") {
		t.Fatalf("expected generated clip:\n%s", m)
	}

	// Player advances: the finale plays, then the session ends.
	m, err = env.Engine.Poll(env.Ctx, s.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m, "end.mp4") {
		t.Fatalf("expected finale:\n%s", m)
	}
	m, err = env.Engine.Poll(env.Ctx, s.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m, "#EXT-X-ENDLIST") {
		t.Fatalf("expected closed manifest:\n%s", m)
	}
	st, _ := env.Engine.State(env.Ctx, s.ID)
	if !st.IsEnd {
		t.Fatalf("session should have ended")
	}
}

func TestPollAfterEndIsPureRead(t *testing.T) {
	env := newTestEnv(t, nil)
	importGraph(t, env, playGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "demo", "tester")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, err := env.Engine.State(env.Ctx, s.ID)
		return err == nil && st.Tasks["gen-story"] == domain.StatusCompleted
	})
	// Play the session through: intro, generated story, finale, end.
	for _, idx := range []int{0, 0, 1, 2} {
		if _, err := env.Engine.Poll(env.Ctx, s.ID, idx); err != nil {
			t.Fatalf("poll %d: %v", idx, err)
		}
	}
	st, _ := env.Engine.State(env.Ctx, s.ID)
	if !st.IsEnd {
		t.Fatalf("session should have ended, at %s", st.CurrentNodeID)
	}

	first, err := env.Engine.Poll(env.Ctx, s.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Poll(env.Ctx, s.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("repeated poll diverged:\n%s\nvs\n%s", first, second)
	}
	after, _ := env.Engine.State(env.Ctx, s.ID)
	if after.Version != st.Version {
		t.Fatalf("pure-read poll must not write")
	}
}

func TestPendingGenerationAppendsLoopClips(t *testing.T) {
	// A runner with no mapping fails the task; importantly the polls
	// while the attach is unsatisfied keep appending the loop clip,
	// which is what drives the loop-count budget.
	env := newTestEnv(t, &cascade.StaticRunner{Delay: time.Hour})
	importGraph(t, env, playGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "demo", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Poll(env.Ctx, s.ID, 0); err != nil { // intro
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.Poll(env.Ctx, s.ID, 0); err != nil {
			t.Fatal(err)
		}
	}
	st, _ := env.Engine.State(env.Ctx, s.ID)
	loops := 0
	for _, seg := range st.VideoList {
		if seg.ClipID == "wait-clip" {
			loops++
		}
	}
	if loops != 3 {
		t.Fatalf("expected 3 loop segments, got %d in %v", loops, st.VideoList)
	}

	// The fourth triggering poll exhausts the budget and substitutes the
	// fallback clip.
	if _, err := env.Engine.Poll(env.Ctx, s.ID, 0); err != nil {
		t.Fatal(err)
	}
	st, _ = env.Engine.State(env.Ctx, s.ID)
	last := st.VideoList[len(st.VideoList)-1]
	if last.ClipID != "fb-clip" {
		t.Fatalf("expected fallback, got %s", last.ClipID)
	}
}

func TestInteractUnblocksSession(t *testing.T) {
	env := newTestEnv(t, nil)
	importGraph(t, env, askGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "ask-demo", "tester")
	if err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.Poll(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m, "ask.mp4") {
		t.Fatalf("expected interaction clip:\n%s", m)
	}

	if _, err := env.Engine.Interact(env.Ctx, s.ID, "finale", "nope", "tester"); err == nil {
		t.Fatalf("non-interaction node must reject input")
	}

	updated, err := env.Engine.Interact(env.Ctx, s.ID, "ask", "blue door", "tester")
	if err != nil {
		t.Fatalf("interact: %v", err)
	}
	v := updated.Variables["ask"]
	if v == nil || v.Status != domain.StatusCompleted || v.Value != "blue door" {
		t.Fatalf("input variable = %+v", v)
	}

	m, err = env.Engine.Poll(env.Ctx, s.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m, "end.mp4") {
		t.Fatalf("expected to advance after input:\n%s", m)
	}
}

func TestCompleteTaskCallback(t *testing.T) {
	// A runner with no mapping fails every execution, leaving the result
	// to arrive through the callback path.
	env := newTestEnv(t, &cascade.StaticRunner{})
	importGraph(t, env, playGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "demo", "tester")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, err := env.Engine.State(env.Ctx, s.ID)
		return err == nil && st.Tasks["gen-story"] == domain.StatusFailed
	})

	if err := env.Engine.CompleteTask(env.Ctx, s.ID, "no-such-task", cascade.RunResult{}, ""); err == nil {
		t.Fatalf("unknown task must be rejected")
	}
	if err := env.Engine.CompleteTask(env.Ctx, s.ID, "gen-story", cascade.RunResult{ClipID: "gen-clip"}, ""); err != nil {
		t.Fatalf("callback: %v", err)
	}
	st, _ := env.Engine.State(env.Ctx, s.ID)
	if st.Tasks["gen-story"] != domain.StatusCompleted {
		t.Fatalf("callback result not applied: %v", st.Tasks)
	}
	v := st.Variables["story_video"]
	if v == nil || v.ClipID == nil || *v.ClipID != "gen-clip" {
		t.Fatalf("variable = %+v", v)
	}
}

func TestEventsRecorded(t *testing.T) {
	env := newTestEnv(t, nil)
	importGraph(t, env, playGraph)
	s, err := env.Engine.CreateSession(env.Ctx, "demo", "tester")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		st, err := env.Engine.State(env.Ctx, s.ID)
		return err == nil && st.Tasks["gen-story"] == domain.StatusCompleted
	})
	if _, err := env.Engine.Poll(env.Ctx, s.ID, 0); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "demo", "", "", "")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range items {
		seen[evt.Type] = true
	}
	for _, want := range []string{"project.imported", "session.created", "task.completed", "segment.appended"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}

package decision_test

import (
	"testing"

	"plotline/internal/config"
	"plotline/internal/decision"
	"plotline/internal/domain"
	"plotline/internal/graph"
)

const storyGraph = `
project:
  id: demo
  name: Demo
  start_node: intro
clips:
  - id: intro-clip
    uri: intro.mp4
    duration: 5
  - id: wait-clip
    uri: wait.mp4
    duration: 2
  - id: fallback-clip
    uri: fallback.mp4
    duration: 4
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
        fallback_clip_id: fallback-clip
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

func compileGraph(t *testing.T, yaml string, opts graph.Options) *graph.Graph {
	t.Helper()
	g, err := graph.FromYAML([]byte(yaml), opts)
	if err != nil {
		t.Fatalf("compile graph: %v", err)
	}
	return g
}

func newEngine(t *testing.T, yaml string) (*decision.Engine, *domain.Session) {
	t.Helper()
	return newEngineOpts(t, yaml, graph.Options{})
}

func newEngineOpts(t *testing.T, yaml string, opts graph.Options) (*decision.Engine, *domain.Session) {
	t.Helper()
	g := compileGraph(t, yaml, opts)
	s := &domain.Session{
		ID:            "s1",
		ProjectID:     g.ProjectID,
		CurrentNodeID: g.StartNode,
		Variables:     map[string]*domain.RuntimeVariable{},
		Tasks:         map[string]string{},
	}
	return &decision.Engine{Graph: g, Config: config.Default()}, s
}

func decideSegment(t *testing.T, e *decision.Engine, s *domain.Session) *domain.Segment {
	t.Helper()
	seg, err := e.Decide(s)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	return seg
}

func TestStartNodeClipPlaysFirst(t *testing.T) {
	e, s := newEngine(t, storyGraph)
	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "intro-clip" {
		t.Fatalf("expected intro-clip first, got %+v", seg)
	}
	if s.CurrentNodeID != "intro" {
		t.Fatalf("start node should not advance on entry, at %s", s.CurrentNodeID)
	}
}

func TestAttachLoopsUntilContentArrives(t *testing.T) {
	e, s := newEngine(t, storyGraph)
	decideSegment(t, e, s) // intro

	// No generated content yet: the attach loops.
	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "wait-clip" {
		t.Fatalf("expected wait-clip, got %+v", seg)
	}
	if s.CurrentNodeID != "story" {
		t.Fatalf("expected to be at story, at %s", s.CurrentNodeID)
	}
	if s.Variables["story_video"].LoopPlayCount != 1 {
		t.Fatalf("loop count = %d, want 1", s.Variables["story_video"].LoopPlayCount)
	}

	// Content arrives.
	clip := "intro-clip"
	v := s.Variables["story_video"]
	v.Status = domain.StatusCompleted
	v.ClipID = &clip

	seg = decideSegment(t, e, s)
	if seg == nil || seg.ClipID != clip {
		t.Fatalf("expected generated clip, got %+v", seg)
	}
	if !v.Played {
		t.Fatalf("generated content should be marked played")
	}

	// Attach satisfied: advance to the finale.
	seg = decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "end-clip" {
		t.Fatalf("expected end-clip, got %+v", seg)
	}

	// End signal comes one poll after the final clip.
	seg = decideSegment(t, e, s)
	if seg != nil {
		t.Fatalf("expected no segment at end, got %+v", seg)
	}
	if !s.IsEnd {
		t.Fatalf("session should have ended")
	}
}

func TestLoopCeilingSelectsFallback(t *testing.T) {
	e, s := newEngine(t, storyGraph)
	decideSegment(t, e, s) // intro

	// Three loop plays fill the budget.
	for i := 0; i < 3; i++ {
		seg := decideSegment(t, e, s)
		if seg == nil || seg.ClipID != "wait-clip" {
			t.Fatalf("poll %d: expected wait-clip, got %+v", i, seg)
		}
	}
	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "fallback-clip" {
		t.Fatalf("expected fallback-clip after loop budget, got %+v", seg)
	}
	v := s.Variables["story_video"]
	if !v.FallbackApplied || !v.Played {
		t.Fatalf("fallback bookkeeping not set: %+v", v)
	}

	// Fallback is terminal: the next poll leaves the node.
	seg = decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "end-clip" {
		t.Fatalf("expected to advance past fallback, got %+v", seg)
	}
}

func TestFailedTaskFallsBackImmediately(t *testing.T) {
	e, s := newEngine(t, storyGraph)
	decideSegment(t, e, s) // intro
	s.Variable("story_video", string(domain.AttachVideo)).Status = domain.StatusFailed

	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "fallback-clip" {
		t.Fatalf("expected immediate fallback on failure, got %+v", seg)
	}
	v := s.Variables["story_video"]
	if v.Status != domain.StatusFailed {
		t.Fatalf("status should stay failed, got %s", v.Status)
	}
	if !v.FallbackApplied {
		t.Fatalf("fallback_applied should be set")
	}
}

func TestFailureWithoutFallbackKeepsLooping(t *testing.T) {
	yaml := `
project:
  id: demo
  start_node: story
clips:
  - id: wait-clip
    uri: wait.mp4
    duration: 2
  - id: end-clip
    uri: end.mp4
    duration: 3
nodes:
  - id: story
    type: prebuilt_video
    attach_variables:
      - variable_id: story_video
        kind: video
        loop_clip_id: wait-clip
    next: [finale]
  - id: finale
    type: prebuilt_video
    clip_id: end-clip
    is_end: true
`
	e, s := newEngineOpts(t, yaml, graph.Options{AllowMissingFallback: true})
	s.Variable("story_video", string(domain.AttachVideo)).Status = domain.StatusFailed
	s.VideoNodeList = []string{"story"} // past the entry emit

	// The documented stuck-loop symptom: no fallback, keeps looping.
	for i := 0; i < 6; i++ {
		seg := decideSegment(t, e, s)
		if seg == nil || seg.ClipID != "wait-clip" {
			t.Fatalf("poll %d: expected wait-clip, got %+v", i, seg)
		}
	}
	if s.IsEnd {
		t.Fatalf("session must not end while stuck")
	}
}

const branchGraph = `
project:
  id: demo
  start_node: intro
clips:
  - id: intro-clip
    uri: intro.mp4
    duration: 5
  - id: choose-clip
    uri: choose.mp4
    duration: 2
  - id: left-clip
    uri: left.mp4
    duration: 3
  - id: right-clip
    uri: right.mp4
    duration: 3
nodes:
  - id: intro
    type: prebuilt_video
    clip_id: intro-clip
    next: [choice]
  - id: choice
    type: branching
    loop_clip_id: choose-clip
    selector_variable: pick
    next: [left, right]
  - id: left
    type: prebuilt_video
    clip_id: left-clip
    is_end: true
  - id: right
    type: prebuilt_video
    clip_id: right-clip
    is_end: true
`

func TestUnresolvedBranchingEmitsLoop(t *testing.T) {
	e, s := newEngine(t, branchGraph)
	decideSegment(t, e, s) // intro

	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "choose-clip" {
		t.Fatalf("expected choose-clip, got %+v", seg)
	}
	if s.CurrentNodeID != "choice" {
		t.Fatalf("expected to stop at choice, at %s", s.CurrentNodeID)
	}
}

func TestResolvedBranchingIsTransparent(t *testing.T) {
	e, s := newEngine(t, branchGraph)
	decideSegment(t, e, s) // intro

	v := s.Variable("pick", domain.VarUserInput)
	v.Status = domain.StatusCompleted
	v.Value = 1

	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "right-clip" {
		t.Fatalf("expected right-clip via transparent skip, got %+v", seg)
	}
	if s.CurrentNodeID != "right" {
		t.Fatalf("expected to land on right, at %s", s.CurrentNodeID)
	}
	for _, id := range s.VideoNodeList {
		if id == "choice" {
			t.Fatalf("resolved branching node must not appear in video_node_list")
		}
	}
}

func TestBranchValueOutOfRangeIsFatal(t *testing.T) {
	e, s := newEngine(t, branchGraph)
	decideSegment(t, e, s) // intro

	v := s.Variable("pick", domain.VarUserInput)
	v.Status = domain.StatusCompleted
	v.Value = 7

	_, err := e.Decide(s)
	if err == nil {
		t.Fatalf("expected config error for missing edge")
	}
	if _, ok := err.(graph.ConfigError); !ok {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

const interactionGraph = `
project:
  id: demo
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

func TestInteractionLoopsWithinWaitBudget(t *testing.T) {
	e, s := newEngine(t, interactionGraph)

	// Entry play counts as the first loop; ceil(5/2) = 3 plays total.
	for i := 0; i < 3; i++ {
		seg := decideSegment(t, e, s)
		if seg == nil || seg.ClipID != "ask-clip" {
			t.Fatalf("poll %d: expected ask-clip, got %+v", i, seg)
		}
	}
	if got := s.Variables["ask"].LoopPlayCount; got != 3 {
		t.Fatalf("loop count = %d, want 3", got)
	}

	// Default policy keeps waiting past the budget.
	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "ask-clip" {
		t.Fatalf("wait policy should keep replaying, got %+v", seg)
	}
}

func TestInteractionAdvancePolicyLeavesOnExhaustion(t *testing.T) {
	e, s := newEngine(t, interactionGraph)
	e.Config.Interaction.OnWaitExhausted = config.WaitPolicyAdvance

	for i := 0; i < 3; i++ {
		decideSegment(t, e, s)
	}
	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "end-clip" {
		t.Fatalf("advance policy should leave the node, got %+v", seg)
	}
}

func TestInteractionInputUnblocks(t *testing.T) {
	e, s := newEngine(t, interactionGraph)
	decideSegment(t, e, s) // entry play

	v := s.Variable("ask", domain.VarUserInput)
	v.Status = domain.StatusCompleted
	v.Value = "go"

	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "end-clip" {
		t.Fatalf("expected to advance after input, got %+v", seg)
	}
}

func TestValueOnlyAttachDoesNotOccupyManifest(t *testing.T) {
	yaml := `
project:
  id: demo
  start_node: narrate
clips:
  - id: base-clip
    uri: base.mp4
    duration: 5
  - id: end-clip
    uri: end.mp4
    duration: 3
nodes:
  - id: narrate
    type: prebuilt_video
    clip_id: base-clip
    attach_variables:
      - variable_id: narrate
        kind: string
    next: [finale]
  - id: finale
    type: prebuilt_video
    clip_id: end-clip
    is_end: true
`
	e, s := newEngine(t, yaml)
	s.VideoNodeList = []string{"narrate"} // past the entry emit

	v := s.Variable("narrate", string(domain.AttachString))
	v.Status = domain.StatusCompleted
	v.Value = "a story line"

	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "end-clip" {
		t.Fatalf("value-only attach should not emit, got %+v", seg)
	}
	if !v.Played {
		t.Fatalf("value-only result should be marked played once consumed")
	}
}

func TestEndDeferredUntilAttachPlayed(t *testing.T) {
	yaml := `
project:
  id: demo
  start_node: outro
clips:
  - id: wait-clip
    uri: wait.mp4
    duration: 2
  - id: gen-clip
    uri: gen.mp4
    duration: 6
nodes:
  - id: outro
    type: prebuilt_video
    attach_variables:
      - variable_id: outro_video
        kind: video
        loop_clip_id: wait-clip
        fallback_clip_id: wait-clip
    is_end: true
`
	e, s := newEngine(t, yaml)
	s.VideoNodeList = []string{"outro"} // past the entry emit

	clip := "gen-clip"
	v := s.Variable("outro_video", string(domain.AttachVideo))
	v.Status = domain.StatusCompleted
	v.ClipID = &clip

	// The generated clip plays before the end signal.
	seg := decideSegment(t, e, s)
	if seg == nil || seg.ClipID != "gen-clip" {
		t.Fatalf("expected gen-clip before end, got %+v", seg)
	}
	if s.IsEnd {
		t.Fatalf("end signal must be deferred while content is pending playback")
	}

	seg = decideSegment(t, e, s)
	if seg != nil {
		t.Fatalf("expected no segment on the end poll, got %+v", seg)
	}
	if !s.IsEnd {
		t.Fatalf("session should end once all attaches are played")
	}
}

// Package decision implements the next-video state machine. Given the
// session state and the project graph it either emits a segment for the
// current node (stay) or advances the node pointer, possibly across
// several pre-resolved branching nodes, and emits for the new node.
package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"plotline/internal/config"
	"plotline/internal/domain"
	"plotline/internal/graph"
)

// maxBranchHops bounds transparent branching traversal; a longer chain of
// pre-resolved branch nodes means the graph routes in a circle.
const maxBranchHops = 64

type Engine struct {
	Graph  *graph.Graph
	Config *config.Config
}

// Decide evaluates the state machine against s, mutating variables, play
// lists and the node pointer in place. It returns the segment to append to
// the manifest, or nil when the session has ended or nothing playable is
// configured for the stay state.
func (e *Engine) Decide(s *domain.Session) (*domain.Segment, error) {
	if len(s.VideoNodeList) == 0 && !s.IsEnd {
		// Fresh session: the start node is entered, not left.
		node, err := e.Graph.Node(s.CurrentNodeID)
		if err != nil {
			return nil, err
		}
		return e.enter(s, node, 0)
	}
	return e.decide(s, 0)
}

func (e *Engine) decide(s *domain.Session, depth int) (*domain.Segment, error) {
	if s.IsEnd {
		return nil, nil
	}
	node, err := e.Graph.Node(s.CurrentNodeID)
	if err != nil {
		return nil, err
	}

	// Step 1: can we leave the current node?
	seg, canLeave, err := e.stay(s, node)
	if err != nil {
		return nil, err
	}
	if seg != nil {
		return seg, nil
	}
	if !canLeave {
		// Default stay outcome: the node's own placeholder, if any.
		return e.placeholder(s, node)
	}

	// Step 2: end-of-graph check. stay() already emitted any generated
	// content still pending playback, so reaching this point means every
	// attach variable is satisfied and played.
	if node.IsEnd {
		s.IsEnd = true
		return nil, nil
	}

	// Steps 3 and 4: advance and emit for the new node.
	return e.advance(s, node, depth)
}

// stay runs the per-node-type leave check. A non-nil segment means the
// session stays at the current node and plays that segment. canLeave is
// only meaningful when the segment is nil.
func (e *Engine) stay(s *domain.Session, node *domain.Node) (*domain.Segment, bool, error) {
	switch node.Type {
	case domain.NodePrebuiltVideo:
		return e.stayPrebuilt(s, node)
	case domain.NodeBranching:
		sel, ok := s.Variables[graph.SelectorKey(node)]
		if ok && sel.Status == domain.StatusCompleted {
			return nil, true, nil
		}
		seg, err := e.emit(s, node, node.LoopClipID)
		return seg, false, err
	case domain.NodeInteraction:
		return e.stayInteraction(s, node)
	}
	return nil, false, graph.ConfigError{Msg: fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type)}
}

func (e *Engine) stayPrebuilt(s *domain.Session, node *domain.Node) (*domain.Segment, bool, error) {
	for _, av := range node.AttachVariables {
		key := domain.VariableKey(node.ID, av)
		v := s.Variable(key, string(av.Kind))
		if attachSatisfied(v) {
			continue
		}
		if v.Status == domain.StatusCompleted {
			// Generated content ready and not yet consumed.
			if v.ClipID == nil || *v.ClipID == "" {
				// Value-only result (string/audio payload without a clip);
				// nothing to put on the manifest.
				v.Played = true
				continue
			}
			v.Played = true
			seg, err := e.emit(s, node, *v.ClipID)
			return seg, false, err
		}
		if av.Kind == domain.AttachVideo {
			exhausted := v.LoopPlayCount >= e.loopCeiling() || v.Status == domain.StatusFailed
			if exhausted && av.FallbackClipID != "" {
				// Fallback is terminal content for this attachment.
				v.FallbackApplied = true
				v.Played = true
				seg, err := e.emit(s, node, av.FallbackClipID)
				return seg, false, err
			}
			// Not ready (or failed without a fallback): keep looping.
			v.LoopPlayCount++
			seg, err := e.emit(s, node, av.LoopClipID)
			return seg, false, err
		}
		// Pending audio/string attach: nothing playable for it, stay.
		return nil, false, nil
	}
	return nil, true, nil
}

func (e *Engine) stayInteraction(s *domain.Session, node *domain.Node) (*domain.Segment, bool, error) {
	v, ok := s.Variables[node.ID]
	if ok && v.Status == domain.StatusCompleted {
		return nil, true, nil
	}
	iv := s.Variable(node.ID, domain.VarUserInput)
	maxLoops, err := e.maxLoops(node)
	if err != nil {
		return nil, false, err
	}
	if iv.LoopPlayCount < maxLoops {
		iv.LoopPlayCount++
		seg, err := e.emit(s, node, node.ClipID)
		return seg, false, err
	}
	// Loop budget exhausted without input.
	if e.Config.Interaction.OnWaitExhausted == config.WaitPolicyAdvance {
		return nil, true, nil
	}
	seg, err := e.emit(s, node, node.ClipID)
	return seg, false, err
}

// advance follows the graph to the next stop. Branching nodes whose
// decision is already resolved are transparent routing points: they are
// skipped without emitting a video or entering the play lists.
func (e *Engine) advance(s *domain.Session, node *domain.Node, depth int) (*domain.Segment, error) {
	branch := 0
	if node.Type == domain.NodeBranching {
		b, err := e.branchValue(s, node)
		if err != nil {
			return nil, err
		}
		branch = b
	}
	next, err := e.Graph.Successor(node, branch)
	if err != nil {
		return nil, err
	}
	for hops := 0; next.Type == domain.NodeBranching; hops++ {
		if hops > maxBranchHops {
			return nil, graph.ConfigError{Msg: fmt.Sprintf("branching chain starting at %s does not terminate", node.ID)}
		}
		sel, ok := s.Variables[graph.SelectorKey(next)]
		if !ok || sel.Status != domain.StatusCompleted {
			break
		}
		b, err := e.branchValue(s, next)
		if err != nil {
			return nil, err
		}
		next, err = e.Graph.Successor(next, b)
		if err != nil {
			return nil, err
		}
	}
	s.CurrentNodeID = next.ID
	return e.enter(s, next, depth)
}

// enter emits the entry content of a node the session just arrived at
// (or starts on).
func (e *Engine) enter(s *domain.Session, node *domain.Node, depth int) (*domain.Segment, error) {
	switch node.Type {
	case domain.NodePrebuiltVideo:
		if len(node.AttachVariables) == 0 {
			return e.emit(s, node, node.ClipID)
		}
		// Entering an attach-bearing node re-enters the stay logic, so
		// advancing and "can we leave" are mutually recursive.
		if depth > 64 {
			return nil, graph.ConfigError{Msg: "advance depth exceeded; graph likely cycles through satisfied nodes"}
		}
		return e.decide(s, depth+1)
	case domain.NodeInteraction:
		// The entry play counts toward the wait-loop budget.
		iv := s.Variable(node.ID, domain.VarUserInput)
		iv.LoopPlayCount = 1
		return e.emit(s, node, node.ClipID)
	case domain.NodeBranching:
		// Unresolved: playable stop until its selector completes.
		return e.emit(s, node, node.LoopClipID)
	}
	return nil, graph.ConfigError{Msg: fmt.Sprintf("node %s has unknown type %q", node.ID, node.Type)}
}

// emit resolves a clip and records the visit. Every emitted segment
// appends the emitting node to video_node_list; loops produce duplicates
// by design.
func (e *Engine) emit(s *domain.Session, node *domain.Node, clipID string) (*domain.Segment, error) {
	if clipID == "" {
		return nil, nil
	}
	clip, err := e.Graph.Clip(clipID)
	if err != nil {
		return nil, err
	}
	s.VideoNodeList = append(s.VideoNodeList, node.ID)
	uri := clip.URI
	if uri == "" {
		uri = clip.ID + ".mp4"
	}
	return &domain.Segment{ClipID: clip.ID, URI: uri, Duration: clip.Duration}, nil
}

// placeholder is the default stay outcome when nothing else was playable.
func (e *Engine) placeholder(s *domain.Session, node *domain.Node) (*domain.Segment, error) {
	clipID := node.LoopClipID
	if clipID == "" {
		clipID = node.ClipID
	}
	return e.emit(s, node, clipID)
}

func (e *Engine) loopCeiling() int {
	if e.Config.Playback.LoopCeiling > 0 {
		return e.Config.Playback.LoopCeiling
	}
	return 3
}

// maxLoops computes how many plays of the interaction clip fit into the
// node's maximum wait time.
func (e *Engine) maxLoops(node *domain.Node) (int, error) {
	clip, err := e.Graph.Clip(node.ClipID)
	if err != nil {
		return 0, err
	}
	if node.MaxWaitSeconds <= 0 || clip.Duration <= 0 {
		return 1, nil
	}
	n := int(math.Ceil(node.MaxWaitSeconds / clip.Duration))
	if n < 1 {
		n = 1
	}
	return n, nil
}

// branchValue resolves the edge index a branching node should follow from
// its completed selector variable.
func (e *Engine) branchValue(s *domain.Session, node *domain.Node) (int, error) {
	key := graph.SelectorKey(node)
	v, ok := s.Variables[key]
	if !ok || v.Status != domain.StatusCompleted {
		return 0, graph.ConfigError{Msg: fmt.Sprintf("branching node %s has no resolved selector %s", node.ID, key)}
	}
	switch val := v.Value.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		return int(val), nil
	case json.Number:
		n, err := val.Int64()
		if err == nil {
			return int(n), nil
		}
	case string:
		n, err := strconv.Atoi(val)
		if err == nil {
			return n, nil
		}
	}
	return 0, graph.ConfigError{Msg: fmt.Sprintf("branching node %s selector %s has non-numeric value %v", node.ID, key, v.Value)}
}

// attachSatisfied reports whether an attach variable no longer blocks its
// node: either consumed by the player, or permanently replaced by its
// fallback clip. The fallback is terminal however it was selected (loop
// exhaustion or task failure); the variable's status keeps the truth.
func attachSatisfied(v *domain.RuntimeVariable) bool {
	if v.FallbackApplied && v.Played {
		return true
	}
	return v.Status == domain.StatusCompleted && v.Played
}

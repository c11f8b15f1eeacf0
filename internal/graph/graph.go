package graph

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"plotline/internal/domain"
)

// ConfigError marks a malformed project graph. It is fatal for the
// operation that hit it and is never retried.
type ConfigError struct {
	Msg string
}

func (e ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Document is the authored YAML form of a project graph.
type Document struct {
	Project struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		StartNode   string `yaml:"start_node"`
	} `yaml:"project"`
	Clips []domain.Clip `yaml:"clips"`
	Nodes []domain.Node `yaml:"nodes"`
	Tasks []domain.Task `yaml:"tasks"`
}

// Graph is the compiled, immutable per-project graph. Loaded once and
// shared read-only across sessions of the same project.
type Graph struct {
	ProjectID string
	StartNode string
	nodes     map[string]*domain.Node
	clips     map[string]domain.Clip
	tasks     []domain.Task
	taskByID  map[string]*domain.Task
}

// Options tune validation strictness.
type Options struct {
	// AllowMissingFallback keeps legacy projects importable even though a
	// failed generation with no fallback clip leaves the session looping.
	AllowMissingFallback bool
}

// ParseDocument decodes a project document without compiling it.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid project yaml: %w", err)
	}
	return &doc, nil
}

// FromYAML parses and compiles a project document.
func FromYAML(data []byte, opts Options) (*Graph, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return Compile(doc, opts)
}

// Compile validates the document and builds the immutable graph.
func Compile(doc *Document, opts Options) (*Graph, error) {
	if doc.Project.ID == "" {
		return nil, configErrorf("project.id is required")
	}
	if doc.Project.StartNode == "" {
		return nil, configErrorf("project.start_node is required")
	}
	g := &Graph{
		ProjectID: doc.Project.ID,
		StartNode: doc.Project.StartNode,
		nodes:     make(map[string]*domain.Node, len(doc.Nodes)),
		clips:     make(map[string]domain.Clip, len(doc.Clips)),
		tasks:     doc.Tasks,
		taskByID:  make(map[string]*domain.Task, len(doc.Tasks)),
	}
	for _, c := range doc.Clips {
		if c.ID == "" {
			return nil, configErrorf("clip with empty id")
		}
		if c.Duration <= 0 {
			return nil, configErrorf("clip %s needs a positive duration", c.ID)
		}
		if _, dup := g.clips[c.ID]; dup {
			return nil, configErrorf("duplicate clip id %s", c.ID)
		}
		g.clips[c.ID] = c
	}
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		if n.ID == "" {
			return nil, configErrorf("node with empty id")
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, configErrorf("duplicate node id %s", n.ID)
		}
		g.nodes[n.ID] = n
	}
	if _, ok := g.nodes[g.StartNode]; !ok {
		return nil, configErrorf("start node %s not defined", g.StartNode)
	}
	for _, n := range g.nodes {
		if err := g.validateNode(n, opts); err != nil {
			return nil, err
		}
	}
	for i := range g.tasks {
		t := &g.tasks[i]
		if t.ID == "" {
			return nil, configErrorf("task with empty id")
		}
		if t.OutputVariable == "" {
			return nil, configErrorf("task %s needs an output_variable", t.ID)
		}
		if _, dup := g.taskByID[t.ID]; dup {
			return nil, configErrorf("duplicate task id %s", t.ID)
		}
		g.taskByID[t.ID] = t
	}
	if err := g.checkTaskCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) validateNode(n *domain.Node, opts Options) error {
	switch n.Type {
	case domain.NodePrebuiltVideo, domain.NodeBranching, domain.NodeInteraction:
	default:
		return configErrorf("node %s has unknown type %q", n.ID, n.Type)
	}
	for _, next := range n.Next {
		if _, ok := g.nodes[next]; !ok {
			return configErrorf("node %s points to unknown node %s", n.ID, next)
		}
	}
	if !n.IsEnd && len(n.Next) == 0 {
		return configErrorf("node %s has no successor and is not an end node", n.ID)
	}
	if n.ClipID != "" {
		if _, ok := g.clips[n.ClipID]; !ok {
			return configErrorf("node %s references unknown clip %s", n.ID, n.ClipID)
		}
	}
	if n.LoopClipID != "" {
		if _, ok := g.clips[n.LoopClipID]; !ok {
			return configErrorf("node %s references unknown loop clip %s", n.ID, n.LoopClipID)
		}
	}
	switch n.Type {
	case domain.NodeBranching:
		if n.LoopClipID == "" {
			return configErrorf("branching node %s needs a loop_clip_id", n.ID)
		}
	case domain.NodeInteraction:
		if n.ClipID == "" {
			return configErrorf("interaction node %s needs a clip_id", n.ID)
		}
	case domain.NodePrebuiltVideo:
		if n.ClipID == "" && len(n.AttachVariables) == 0 {
			return configErrorf("node %s needs a clip_id or attach_variables", n.ID)
		}
	}
	for _, av := range n.AttachVariables {
		switch av.Kind {
		case domain.AttachVideo, domain.AttachAudio, domain.AttachString:
		default:
			return configErrorf("node %s attach %s has unknown kind %q", n.ID, av.VariableID, av.Kind)
		}
		if av.Kind == domain.AttachVideo {
			if av.VariableID == "" {
				return configErrorf("node %s has a video attach without variable_id", n.ID)
			}
			if av.LoopClipID == "" {
				return configErrorf("node %s attach %s needs a loop_clip_id", n.ID, av.VariableID)
			}
			if av.FallbackClipID == "" && !opts.AllowMissingFallback {
				return configErrorf("node %s attach %s needs a fallback_clip_id (a failed generation would loop forever)", n.ID, av.VariableID)
			}
		}
		if av.LoopClipID != "" {
			if _, ok := g.clips[av.LoopClipID]; !ok {
				return configErrorf("node %s attach %s references unknown loop clip %s", n.ID, av.VariableID, av.LoopClipID)
			}
		}
		if av.FallbackClipID != "" {
			if _, ok := g.clips[av.FallbackClipID]; !ok {
				return configErrorf("node %s attach %s references unknown fallback clip %s", n.ID, av.VariableID, av.FallbackClipID)
			}
		}
	}
	return nil
}

// checkTaskCycles walks the task dependency graph; cascade termination
// depends on it being acyclic.
func (g *Graph) checkTaskCycles() error {
	// producer maps a variable id to the task producing it
	producer := make(map[string]string, len(g.tasks))
	for _, t := range g.tasks {
		producer[t.OutputVariable] = t.ID
	}
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return configErrorf("task dependency cycle involving %s", id)
		case black:
			return nil
		}
		color[id] = grey
		t := g.taskByID[id]
		for _, dep := range t.DependsOn {
			if prodID, ok := producer[dep]; ok {
				if err := visit(prodID); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for id := range g.taskByID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*domain.Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, configErrorf("node %s not in graph", id)
	}
	return n, nil
}

// Clip looks up a clip by id.
func (g *Graph) Clip(id string) (domain.Clip, error) {
	c, ok := g.clips[id]
	if !ok {
		return domain.Clip{}, configErrorf("clip %s not in catalog", id)
	}
	return c, nil
}

// Tasks returns the declared background tasks.
func (g *Graph) Tasks() []domain.Task { return g.tasks }

// Task looks up a task by id.
func (g *Graph) Task(id string) (*domain.Task, bool) {
	t, ok := g.taskByID[id]
	return t, ok
}

// Successor resolves the outgoing edge of a node. For branching nodes the
// edge index comes from the resolved selector value; for everything else
// only edge 0 is meaningful. A missing edge for a required branch value is
// a fatal configuration error.
func (g *Graph) Successor(n *domain.Node, branch int) (*domain.Node, error) {
	if len(n.Next) == 0 {
		return nil, configErrorf("node %s has no successor", n.ID)
	}
	idx := 0
	if n.Type == domain.NodeBranching {
		idx = branch
	}
	if idx < 0 || idx >= len(n.Next) {
		return nil, configErrorf("node %s has no edge for branch value %d", n.ID, idx)
	}
	return g.Node(n.Next[idx])
}

// SelectorKey returns the session variable key holding a branching node's
// branch decision.
func SelectorKey(n *domain.Node) string {
	if n.SelectorVariable != "" {
		return n.SelectorVariable
	}
	return n.ID
}

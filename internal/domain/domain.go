package domain

// NodeType discriminates the playable node kinds in a project graph.
type NodeType string

const (
	NodePrebuiltVideo NodeType = "prebuilt_video"
	NodeBranching     NodeType = "branching"
	NodeInteraction   NodeType = "interaction"
)

// AttachKind is the content kind an attach variable produces.
type AttachKind string

const (
	AttachVideo  AttachKind = "video"
	AttachAudio  AttachKind = "audio"
	AttachString AttachKind = "string"
)

// Status values shared by runtime variables and tasks.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Variable types.
const (
	VarUserInput = "user_input"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	GraphYAML   string `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Clip is a playable media reference from the project's clip catalog.
type Clip struct {
	ID       string  `json:"id" yaml:"id"`
	URI      string  `json:"uri" yaml:"uri"`
	Duration float64 `json:"duration" yaml:"duration"`
}

// AttachVariable declares content a node waits on before it is satisfied.
//
// Lookup key differs by kind: VIDEO attaches key on VariableID (a declared
// input variable), AUDIO/STRING attaches key on the owning node's id (their
// own output). See VariableKey.
type AttachVariable struct {
	VariableID     string     `json:"variable_id" yaml:"variable_id"`
	Kind           AttachKind `json:"kind" yaml:"kind"`
	LoopClipID     string     `json:"loop_clip_id,omitempty" yaml:"loop_clip_id"`
	FallbackClipID string     `json:"fallback_clip_id,omitempty" yaml:"fallback_clip_id"`
}

type Node struct {
	ID               string           `json:"id" yaml:"id"`
	Type             NodeType         `json:"type" yaml:"type"`
	ClipID           string           `json:"clip_id,omitempty" yaml:"clip_id"`
	LoopClipID       string           `json:"loop_clip_id,omitempty" yaml:"loop_clip_id"`
	SelectorVariable string           `json:"selector_variable,omitempty" yaml:"selector_variable"`
	MaxWaitSeconds   float64          `json:"max_wait_seconds,omitempty" yaml:"max_wait_seconds"`
	AttachVariables  []AttachVariable `json:"attach_variables,omitempty" yaml:"attach_variables"`
	Next             []string         `json:"next,omitempty" yaml:"next"`
	IsEnd            bool             `json:"is_end,omitempty" yaml:"is_end"`
}

// Task is a background generation unit bound to one output variable.
type Task struct {
	ID             string         `json:"id" yaml:"id"`
	Kind           string         `json:"kind" yaml:"kind"`
	OutputVariable string         `json:"output_variable" yaml:"output_variable"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Params         map[string]any `json:"params,omitempty" yaml:"params"`
}

// RuntimeVariable is per-session mutable state for one variable.
type RuntimeVariable struct {
	Status          string  `json:"status" enum:"pending,running,completed,failed"`
	Type            string  `json:"type"`
	ClipID          *string `json:"clip_id"`
	Value           any     `json:"value,omitempty"`
	LoopPlayCount   int     `json:"loop_play_count"`
	Played          bool    `json:"played"`
	FallbackApplied bool    `json:"fallback_applied,omitempty"`
}

// Segment is one playable entry of the cumulative manifest.
type Segment struct {
	ClipID   string  `json:"clip_id"`
	URI      string  `json:"uri"`
	Duration float64 `json:"duration"`
}

type Session struct {
	ID            string                      `json:"id"`
	ProjectID     string                      `json:"project_id"`
	CurrentNodeID string                      `json:"current_node_id"`
	IsEnd         bool                        `json:"is_end"`
	VideoList     []Segment                   `json:"video_list"`
	VideoNodeList []string                    `json:"video_node_list"`
	Variables     map[string]*RuntimeVariable `json:"variables"`
	Tasks         map[string]string           `json:"tasks"`
	Version       int64                       `json:"version"`
	CreatedAt     string                      `json:"created_at" format:"date-time"`
	UpdatedAt     string                      `json:"updated_at" format:"date-time"`
}

// Variable returns the runtime variable for key, creating a pending record
// with the given type when absent.
func (s *Session) Variable(key, varType string) *RuntimeVariable {
	if s.Variables == nil {
		s.Variables = map[string]*RuntimeVariable{}
	}
	v, ok := s.Variables[key]
	if !ok {
		v = &RuntimeVariable{Status: StatusPending, Type: varType}
		s.Variables[key] = v
	}
	return v
}

// VariableKey resolves the session-state key for an attach variable on a
// node. VIDEO attaches key on the declared input variable; AUDIO/STRING
// attaches key on the producing node. The two spaces must not be conflated.
func VariableKey(nodeID string, av AttachVariable) string {
	if av.Kind == AttachVideo {
		return av.VariableID
	}
	return nodeID
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

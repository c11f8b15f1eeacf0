package server

import (
	"plotline/internal/domain"
)

type ImportProjectRequest struct {
	GraphYAML string `json:"graph_yaml" doc:"Project graph document in YAML"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type CreateSessionRequest struct {
	ProjectID string `json:"project_id"`
}

type SegmentResponse struct {
	ClipID   string  `json:"clip_id"`
	URI      string  `json:"uri"`
	Duration float64 `json:"duration"`
}

type VariableResponse struct {
	Status          string  `json:"status"`
	Type            string  `json:"type"`
	ClipID          *string `json:"clip_id"`
	Value           any     `json:"value,omitempty"`
	LoopPlayCount   int     `json:"loop_play_count"`
	Played          bool    `json:"played"`
	FallbackApplied bool    `json:"fallback_applied,omitempty"`
}

type SessionResponse struct {
	ID            string                      `json:"id"`
	ProjectID     string                      `json:"project_id"`
	CurrentNodeID string                      `json:"current_node_id"`
	IsEnd         bool                        `json:"is_end"`
	VideoList     []SegmentResponse           `json:"video_list"`
	VideoNodeList []string                    `json:"video_node_list"`
	Variables     map[string]VariableResponse `json:"variables"`
	Tasks         map[string]string           `json:"tasks"`
	CreatedAt     string                      `json:"created_at"`
	UpdatedAt     string                      `json:"updated_at"`
}

type InteractionRequest struct {
	Message any `json:"message" doc:"User input; becomes the node's user_input variable value"`
}

type TaskCallbackRequest struct {
	ClipID string `json:"clip_id,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty" doc:"Non-empty marks the task failed"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	ActorID   string `json:"actor_id"`
	Payload   string `json:"payload_json"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func sessionResponse(s *domain.Session) SessionResponse {
	resp := SessionResponse{
		ID:            s.ID,
		ProjectID:     s.ProjectID,
		CurrentNodeID: s.CurrentNodeID,
		IsEnd:         s.IsEnd,
		VideoList:     []SegmentResponse{},
		VideoNodeList: s.VideoNodeList,
		Variables:     map[string]VariableResponse{},
		Tasks:         s.Tasks,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	if resp.VideoNodeList == nil {
		resp.VideoNodeList = []string{}
	}
	if resp.Tasks == nil {
		resp.Tasks = map[string]string{}
	}
	for _, seg := range s.VideoList {
		resp.VideoList = append(resp.VideoList, SegmentResponse(seg))
	}
	for key, v := range s.Variables {
		resp.Variables[key] = VariableResponse{
			Status:          v.Status,
			Type:            v.Type,
			ClipID:          v.ClipID,
			Value:           v.Value,
			LoopPlayCount:   v.LoopPlayCount,
			Played:          v.Played,
			FallbackApplied: v.FallbackApplied,
		}
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		ProjectID: e.ProjectID,
		EntityID:  e.EntityID,
		ActorID:   e.ActorID,
		Payload:   e.Payload,
	}
}

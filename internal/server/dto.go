package server

import (
	"encoding/json"

	"treeline/internal/domain"
)

type IssueResponse struct {
	Key         string         `json:"key"`
	Summary     string         `json:"summary"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status" enum:"open,in_progress,done,closed"`
	Labels      []string       `json:"labels,omitempty"`
	ParentKey   string         `json:"parent_key,omitempty"`
	EpicLink    string         `json:"epic_link,omitempty"`
	Links       []LinkResponse `json:"links,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// LinkResponse is a typed link seen from the perspective of one issue.
type LinkResponse struct {
	Type      string `json:"type"`
	Direction string `json:"direction" enum:"inward,outward"`
	Key       string `json:"key"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type issueList struct {
	Items []IssueResponse `json:"items"`
}

type eventList struct {
	Items []EventResponse `json:"items"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func issueResponse(is domain.Issue) IssueResponse {
	resp := IssueResponse{
		Key:         is.Key,
		Summary:     is.Summary,
		Description: is.Description,
		Status:      is.Status,
		Labels:      is.Labels,
		CreatedAt:   is.CreatedAt,
		UpdatedAt:   is.UpdatedAt,
	}
	if is.ParentKey != nil {
		resp.ParentKey = *is.ParentKey
	}
	if is.EpicLink != nil {
		resp.EpicLink = *is.EpicLink
	}
	return resp
}

// linkResponses orients raw link rows from the viewpoint of key.
func linkResponses(links []domain.IssueLink, key string) []LinkResponse {
	var out []LinkResponse
	for _, l := range links {
		if l.SourceKey == key {
			out = append(out, LinkResponse{Type: l.Type, Direction: "outward", Key: l.TargetKey})
		} else {
			out = append(out, LinkResponse{Type: l.Type, Direction: "inward", Key: l.SourceKey})
		}
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
	}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &resp.Payload)
	}
	return resp
}

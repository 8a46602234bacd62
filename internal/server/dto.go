package server

import (
	"encoding/json"

	"porthub/internal/domain"
	"porthub/internal/engine"
)

// Request payloads

type RegisterRequest struct {
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role" enum:"PORTER,CUSTOMER,porter,customer"`
	Bio         string `json:"bio,omitempty"`
	Language    string `json:"language,omitempty"`
	Specialty   string `json:"specialty,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Language    *string `json:"language,omitempty"`
	Specialty   *string `json:"specialty,omitempty"`
	Handle      *string `json:"handle,omitempty"`
}

type SwitchRoleRequest struct {
	Role string `json:"role" enum:"PORTER,CUSTOMER,porter,customer"`
}

type PostJobRequest struct {
	Category    string `json:"category"`
	Location    string `json:"location,omitempty"`
	Payment     int64  `json:"payment"`
	Description string `json:"description,omitempty"`
	NeededBy    string `json:"needed_by,omitempty"`
}

type ResolveClaimRequest struct {
	PorterID string `json:"porter_id"`
}

type FeedbackRequest struct {
	Verdict string `json:"verdict" enum:"like,dislike,skip"`
}

type AwaitFeedbackRequest struct {
	// TimeoutSeconds overrides feedback.await_timeout when positive.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" minimum:"0" maximum:"600"`
}

type InboxReplyRequest struct {
	JobNumber string `json:"job_number"`
	Reply     string `json:"reply"`
}

type DevLoginRequest struct {
	Identity string `json:"identity"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type AccountResponse struct {
	ID                string `json:"id"`
	Identity          string `json:"identity"`
	DisplayName       string `json:"display_name"`
	Role              string `json:"role" enum:"PORTER,CUSTOMER"`
	Bio               string `json:"bio,omitempty"`
	Language          string `json:"language,omitempty"`
	Specialty         string `json:"specialty,omitempty"`
	Handle            string `json:"handle,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
	Verified          bool   `json:"verified"`
	Likes             int    `json:"likes"`
	Dislikes          int    `json:"dislikes"`
	CompletedJobs     int    `json:"completed_jobs"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

type VerificationResponse struct {
	Token        string `json:"token"`
	Instructions string `json:"instructions"`
}

type VerificationCheckResponse struct {
	Verified bool `json:"verified"`
}

type AwaitFeedbackResponse struct {
	Verdict  string                 `json:"verdict" enum:"like,dislike,skip"`
	TimedOut bool                   `json:"timed_out"`
	Feedback engine.FeedbackOutcome `json:"feedback"`
}

type InboxReplyResponse struct {
	Accepted bool `json:"accepted"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

// accountResponse hides the verification token from everyone but its owner.
func accountResponse(a domain.Account, self bool) AccountResponse {
	res := AccountResponse{
		ID:            a.ID,
		Identity:      a.Identity,
		DisplayName:   a.DisplayName,
		Role:          string(a.Role),
		Bio:           a.Bio,
		Language:      a.Language,
		Specialty:     a.Specialty,
		Handle:        a.Handle,
		Verified:      a.Verified,
		Likes:         a.Likes,
		Dislikes:      a.Dislikes,
		CompletedJobs: a.CompletedJobs,
		CreatedAt:     a.CreatedAt,
	}
	if self {
		res.VerificationToken = a.VerificationToken
	}
	return res
}

func accountResponses(in []domain.Account) []AccountResponse {
	out := make([]AccountResponse, 0, len(in))
	for _, a := range in {
		out = append(out, accountResponse(a, false))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

package domain

import "strings"

// Role is the marketplace side an account acts on.
type Role string

const (
	RolePorter   Role = "PORTER"
	RoleCustomer Role = "CUSTOMER"
)

// ParseRole accepts any casing and rejects unknown roles.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RolePorter:
		return RolePorter, true
	case RoleCustomer:
		return RoleCustomer, true
	}
	return "", false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusOpen            JobStatus = "OPEN"
	StatusPendingApproval JobStatus = "PENDING_APPROVAL"
	StatusAccepted        JobStatus = "ACCEPTED"
	StatusCompleted       JobStatus = "COMPLETED"
	StatusDisputed        JobStatus = "DISPUTED"
)

// Terminal reports whether no transition leaves the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDisputed
}

// HasPorter reports whether a job in this status must carry a porter.
func (s JobStatus) HasPorter() bool {
	switch s {
	case StatusPendingApproval, StatusAccepted, StatusCompleted, StatusDisputed:
		return true
	}
	return false
}

// Categories is the closed set of job categories, also used for porter specialties.
var Categories = []string{
	"Cargo",
	"Bounties",
	"FPS Combat",
	"Air Combat",
	"Trading",
	"Salvaging",
}

// ParseCategory matches a category case-insensitively and returns its canonical spelling.
func ParseCategory(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, c := range Categories {
		if strings.EqualFold(c, s) {
			return c, true
		}
	}
	return "", false
}

type Account struct {
	ID                string `json:"id"`
	Identity          string `json:"identity"`
	DisplayName       string `json:"display_name"`
	Role              Role   `json:"role" enum:"PORTER,CUSTOMER"`
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

type Job struct {
	ID                string    `json:"id"`
	Number            string    `json:"job_number"`
	Category          string    `json:"category"`
	CustomerID        string    `json:"customer_id"`
	PorterID          *string   `json:"porter_id,omitempty"`
	Status            JobStatus `json:"status" enum:"OPEN,PENDING_APPROVAL,ACCEPTED,COMPLETED,DISPUTED"`
	Location          string    `json:"location,omitempty"`
	Payment           int64     `json:"payment"`
	Description       string    `json:"description,omitempty"`
	NeededBy          string    `json:"needed_by,omitempty"`
	CustomerPromptRef *string   `json:"customer_prompt_ref,omitempty"`
	PorterPromptRef   *string   `json:"porter_prompt_ref,omitempty"`
	CreatedAt         string    `json:"created_at" format:"date-time"`
	UpdatedAt         string    `json:"updated_at" format:"date-time"`
}

// Porter returns the assigned porter id or "".
func (j Job) Porter() string {
	if j.PorterID == nil {
		return ""
	}
	return *j.PorterID
}

// JobSummary is a row of the open job board.
type JobSummary struct {
	Number       string `json:"job_number"`
	Category     string `json:"category"`
	Payment      int64  `json:"payment"`
	CustomerName string `json:"customer_name"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type FeedbackRecord struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	ReviewerID string `json:"reviewer_id"`
	ReviewedID string `json:"reviewed_id"`
	Liked      bool   `json:"liked"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Reputation is the aggregate derived from all feedback for one account.
type Reputation struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
	Total    int `json:"total"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Message is a notification persisted by the outbox channel.
type Message struct {
	ID                string   `json:"id"`
	Recipient         string   `json:"recipient"`
	Kind              string   `json:"kind"`
	JobNumber         string   `json:"job_number,omitempty"`
	Body              string   `json:"body"`
	Controls          []string `json:"controls,omitempty"`
	ControlsRetracted bool     `json:"controls_retracted"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
}

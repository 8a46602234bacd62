package porthubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DevIdentityHeader is honoured by servers started with PORTHUB_ALLOW_DEV_HEADER.
const DevIdentityHeader = "X-Account-Identity"

// Client is a minimal PortHub HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// DevIdentity is sent as DevIdentityHeader when no bearer token is set.
	DevIdentity string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Account represents the API account model.
type Account struct {
	ID                string `json:"id"`
	Identity          string `json:"identity"`
	DisplayName       string `json:"display_name"`
	Role              string `json:"role"`
	Bio               string `json:"bio,omitempty"`
	Language          string `json:"language,omitempty"`
	Specialty         string `json:"specialty,omitempty"`
	Handle            string `json:"handle,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
	Verified          bool   `json:"verified"`
	Likes             int    `json:"likes"`
	Dislikes          int    `json:"dislikes"`
	CompletedJobs     int    `json:"completed_jobs"`
	CreatedAt         string `json:"created_at"`
}

// Job represents the API job model.
type Job struct {
	ID          string  `json:"id"`
	Number      string  `json:"job_number"`
	Category    string  `json:"category"`
	CustomerID  string  `json:"customer_id"`
	PorterID    *string `json:"porter_id,omitempty"`
	Status      string  `json:"status"`
	Location    string  `json:"location,omitempty"`
	Payment     int64   `json:"payment"`
	Description string  `json:"description,omitempty"`
	NeededBy    string  `json:"needed_by,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// JobSummary is a row of the open job board.
type JobSummary struct {
	Number       string `json:"job_number"`
	Category     string `json:"category"`
	Payment      int64  `json:"payment"`
	CustomerName string `json:"customer_name"`
	CreatedAt    string `json:"created_at"`
}

// JobPage is one page of open jobs.
type JobPage struct {
	Jobs     []JobSummary `json:"jobs"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Total    int          `json:"total"`
}

// NewJob are the fields of a job to post.
type NewJob struct {
	Category    string `json:"category"`
	Payment     int64  `json:"payment"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	NeededBy    string `json:"needed_by,omitempty"`
}

type Reputation struct {
	Likes    int `json:"likes"`
	Dislikes int `json:"dislikes"`
	Total    int `json:"total"`
}

// FeedbackOutcome is returned after feedback is submitted.
type FeedbackOutcome struct {
	Job        Job        `json:"job"`
	Reputation Reputation `json:"reputation"`
	Credited   bool       `json:"credited"`
}

// AwaitedFeedback is the result of waiting for an inbox reply.
type AwaitedFeedback struct {
	Verdict  string          `json:"verdict"`
	TimedOut bool            `json:"timed_out"`
	Feedback FeedbackOutcome `json:"feedback"`
}

// Message is an inbox entry.
type Message struct {
	ID                string   `json:"id"`
	Kind              string   `json:"kind"`
	JobNumber         string   `json:"job_number,omitempty"`
	Body              string   `json:"body"`
	Controls          []string `json:"controls,omitempty"`
	ControlsRetracted bool     `json:"controls_retracted"`
	CreatedAt         string   `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Kind are filled from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Kind       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a 409 from the API, e.g. a lost claim race.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// DevLogin mints a bearer token for identity and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, identity string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"identity": identity}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// Register creates or refreshes the caller's account.
func (c *Client) Register(ctx context.Context, role, displayName string) (Account, error) {
	body := map[string]any{"role": role}
	if displayName != "" {
		body["display_name"] = displayName
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "accounts", body, &resp)
	return resp, err
}

// Me returns the caller's account.
func (c *Client) Me(ctx context.Context) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Account returns the public profile for identity.
func (c *Client) Account(ctx context.Context, identity string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "accounts/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

// SwitchRole changes the caller's role.
func (c *Client) SwitchRole(ctx context.Context, role string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodPost, "me/role", map[string]any{"role": role}, &resp)
	return resp, err
}

// TopPorters returns the leaderboard.
func (c *Client) TopPorters(ctx context.Context, limit int) ([]Account, error) {
	var resp []Account
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("porters/top?limit=%d", limit), nil, &resp)
	return resp, err
}

// PostJob posts a job as the caller.
func (c *Client) PostJob(ctx context.Context, in NewJob) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", in, &resp)
	return resp, err
}

// OpenJobs lists one page of open jobs.
func (c *Client) OpenJobs(ctx context.Context, page int) (JobPage, error) {
	var resp JobPage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs?page=%d", page), nil, &resp)
	return resp, err
}

// Job fetches a job by number.
func (c *Client) Job(ctx context.Context, number string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, jobPath(number, ""), nil, &resp)
	return resp, err
}

// Claim asks to take an open job.
func (c *Client) Claim(ctx context.Context, number string) (Job, error) {
	return c.jobAction(ctx, number, "claim", nil)
}

// Approve accepts porterID's pending claim.
func (c *Client) Approve(ctx context.Context, number, porterID string) (Job, error) {
	return c.jobAction(ctx, number, "approve", map[string]any{"porter_id": porterID})
}

// Deny rejects porterID's pending claim and reopens the job.
func (c *Client) Deny(ctx context.Context, number, porterID string) (Job, error) {
	return c.jobAction(ctx, number, "deny", map[string]any{"porter_id": porterID})
}

// Complete confirms an accepted job as done.
func (c *Client) Complete(ctx context.Context, number string) (Job, error) {
	return c.jobAction(ctx, number, "complete", nil)
}

// Incomplete reports an accepted job as not done.
func (c *Client) Incomplete(ctx context.Context, number string) (Job, error) {
	return c.jobAction(ctx, number, "incomplete", nil)
}

// Feedback submits like, dislike or skip for a completed job.
func (c *Client) Feedback(ctx context.Context, number, verdict string) (FeedbackOutcome, error) {
	var resp FeedbackOutcome
	err := c.do(ctx, http.MethodPost, jobPath(number, "feedback"), map[string]any{"verdict": verdict}, &resp)
	return resp, err
}

// AwaitFeedback blocks until the caller's inbox reply arrives or timeout passes.
func (c *Client) AwaitFeedback(ctx context.Context, number string, timeout time.Duration) (AwaitedFeedback, error) {
	body := map[string]any{}
	if timeout > 0 {
		body["timeout_seconds"] = int(timeout / time.Second)
	}
	var resp AwaitedFeedback
	err := c.do(ctx, http.MethodPost, jobPath(number, "feedback/await"), body, &resp)
	return resp, err
}

// Reply answers a pending prompt. It reports whether a wait took the reply.
func (c *Client) Reply(ctx context.Context, number, reply string) (bool, error) {
	var resp struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "inbox/reply", map[string]any{"job_number": number, "reply": reply}, &resp)
	return resp.Accepted, err
}

// Inbox returns messages delivered to the caller.
func (c *Client) Inbox(ctx context.Context, limit int) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("me/inbox?limit=%d", limit), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) jobAction(ctx context.Context, number, action string, body any) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(number, action), body, &resp)
	return resp, err
}

func jobPath(number, action string) string {
	p := "jobs/" + url.PathEscape(number)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.DevIdentity != "":
		req.Header.Set(DevIdentityHeader, c.DevIdentity)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if kind, ok := envelope.Error.Details["kind"].(string); ok {
			apiErr.Kind = kind
		}
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package emssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal reports API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-Id when neither credential is set; servers
	// only honour it with legacy header auth enabled.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Node is a hierarchy node as returned by the API.
type Node struct {
	ID                int64  `json:"id"`
	DisplayName       string `json:"display_name"`
	LevelName         string `json:"level_name"`
	ParentID          *int64 `json:"parent_id,omitempty"`
	IsActive          bool   `json:"is_active"`
	IsLeafLevel       bool   `json:"is_leaf_level"`
	AssignedUserCount int    `json:"assigned_user_count"`
}

// TimelineEntry is one level a report passed through.
type TimelineEntry struct {
	HierarchyOrder   int     `json:"hierarchy_order"`
	LevelID          int64   `json:"level_id"`
	LevelDisplayName string  `json:"level_display_name"`
	Status           string  `json:"status"`
	AssignedUser     string  `json:"assigned_user,omitempty"`
	ActedBy          string  `json:"acted_by,omitempty"`
	ActionNotes      *string `json:"action_notes,omitempty"`
	ActionTakenAt    *string `json:"action_taken_at,omitempty"`
}

// Report represents the API report model.
type Report struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          string          `json:"status"`
	Priority        string          `json:"priority"`
	ReportType      string          `json:"report_type"`
	SubmittedBy     string          `json:"submitted_by"`
	SubmittedAt     string          `json:"submitted_at"`
	CurrentLevel    Node            `json:"current_level"`
	Attachments     []string        `json:"attachments"`
	ResolutionNotes *string         `json:"resolution_notes,omitempty"`
	Timeline        []TimelineEntry `json:"timeline"`
	Version         int64           `json:"version"`
	UpdatedAt       string          `json:"updated_at"`
}

type ReportPage struct {
	Items []Report `json:"items"`
	Total int      `json:"total"`
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
}

// Eligibility lists what the caller may do on a report.
type Eligibility struct {
	ReportID      int64    `json:"report_id"`
	Version       int64    `json:"version"`
	CanAct        bool     `json:"can_act"`
	Actions       []string `json:"actions"`
	ForwardLevels []Node   `json:"forward_levels"`
}

type NewReport struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority"`
	ReportType  string   `json:"report_type"`
	LevelID     int64    `json:"level_id"`
	Attachments []string `json:"attachments,omitempty"`
}

// Action is a workflow action on a report.
type Action struct {
	Action               string `json:"action"`
	Notes                string `json:"notes"`
	ForwardTargetLevelID *int64 `json:"forward_target_level_id,omitempty"`
	ExpectedVersion      int64  `json:"expected_version"`
}

// ListOptions filters report listings.
type ListOptions struct {
	Status   string
	Priority string
	Type     string
	Search   string
	Mine     bool
	Page     int
	Limit    int
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsConflict reports whether err is a stale-version rejection; the caller
// should re-fetch the report and retry.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// SubmitReport files a new report.
func (c *Client) SubmitReport(ctx context.Context, in NewReport) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "v1/reports", in, &resp)
	return resp, err
}

func (c *Client) GetReport(ctx context.Context, id int64) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/reports/%d", id), nil, &resp)
	return resp, err
}

// ListReports returns one page of reports.
func (c *Client) ListReports(ctx context.Context, opts ListOptions) (ReportPage, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", opts.Status)
	set("priority", opts.Priority)
	set("type", opts.Type)
	set("search", opts.Search)
	if opts.Mine {
		q.Set("mine", "true")
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "v1/reports"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ReportPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Eligibility(ctx context.Context, id int64) (Eligibility, error) {
	var resp Eligibility
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/reports/%d/eligibility", id), nil, &resp)
	return resp, err
}

// Act submits a workflow action.
func (c *Client) Act(ctx context.Context, id int64, action Action) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/reports/%d/actions", id), action, &resp)
	return resp, err
}

func (c *Client) MarkInProgress(ctx context.Context, id, expectedVersion int64) (Report, error) {
	var resp Report
	body := map[string]any{"expected_version": expectedVersion}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/reports/%d/in-progress", id), body, &resp)
	return resp, err
}

// Children returns the direct children of a node.
func (c *Client) Children(ctx context.Context, nodeID int64) ([]Node, error) {
	var resp []Node
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/nodes/%d/children", nodeID), nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

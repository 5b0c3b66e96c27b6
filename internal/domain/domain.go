package domain

import "strings"

type HierarchyNode struct {
	ID                int64  `json:"id"`
	DisplayName       string `json:"display_name"`
	LevelName         string `json:"level_name"`
	ParentID          *int64 `json:"parent_id,omitempty"`
	IsActive          bool   `json:"is_active"`
	IsLeafLevel       bool   `json:"is_leaf_level"`
	AssignedUserCount int    `json:"assigned_user_count"`
}

type HierarchyLevel struct {
	Index      int             `json:"index"`
	Name       string          `json:"name"`
	Members    []HierarchyNode `json:"members"`
	SelectedID *int64          `json:"selected_id,omitempty"`
}

// DiscoveryResult is a snapshot of one traversal run.
type DiscoveryResult struct {
	StartNodeID   int64            `json:"start_node_id"`
	Levels        []HierarchyLevel `json:"levels"`
	Leaves        []HierarchyNode  `json:"leaves,omitempty"`
	LeafLevelName string           `json:"leaf_level_name,omitempty"`
	LeafFilterID  *int64           `json:"leaf_filter_id,omitempty"`
	DeadEnd       bool             `json:"dead_end"`
}

type LevelKind struct {
	Name string `json:"name"`
	Rank int    `json:"rank"`
	Leaf bool   `json:"leaf"`
}

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Assignment struct {
	UserID    string `json:"user_id"`
	NodeID    int64  `json:"node_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ReportStatus string

const (
	ReportPending    ReportStatus = "Pending"
	ReportInProgress ReportStatus = "In_Progress"
	ReportApproved   ReportStatus = "Approved"
	ReportRejected   ReportStatus = "Rejected"
	ReportResolved   ReportStatus = "Resolved"
	ReportForwarded  ReportStatus = "Forwarded"
)

func ParseReportStatus(s string) (ReportStatus, bool) {
	for _, st := range []ReportStatus{ReportPending, ReportInProgress, ReportApproved, ReportRejected, ReportResolved, ReportForwarded} {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

type EntryStatus string

const (
	EntryPending   EntryStatus = "Pending"
	EntryForwarded EntryStatus = "Forwarded"
	EntryApproved  EntryStatus = "Approved"
	EntryRejected  EntryStatus = "Rejected"
	EntryResolved  EntryStatus = "Resolved"
)

type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityMedium   Priority = "Medium"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

func ParsePriority(s string) (Priority, bool) {
	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		if strings.EqualFold(string(p), s) {
			return p, true
		}
	}
	return "", false
}

type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionForward Action = "forward"
	ActionResolve Action = "resolve"
)

func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionApprove, ActionReject, ActionForward, ActionResolve:
		return a, true
	}
	return "", false
}

type TimelineEntry struct {
	HierarchyOrder   int         `json:"hierarchy_order"`
	LevelID          int64       `json:"level_id"`
	LevelDisplayName string      `json:"level_display_name"`
	Status           EntryStatus `json:"status" enum:"Pending,Forwarded,Approved,Rejected,Resolved"`
	AssignedUser     string      `json:"assigned_user,omitempty"`
	ActedBy          string      `json:"acted_by,omitempty"`
	ActionNotes      *string     `json:"action_notes,omitempty"`
	ActionTakenAt    *string     `json:"action_taken_at,omitempty" format:"date-time"`
}

type Report struct {
	ID              int64           `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Status          ReportStatus    `json:"status" enum:"Pending,In_Progress,Approved,Rejected,Resolved,Forwarded"`
	Priority        Priority        `json:"priority" enum:"Low,Medium,High,Critical"`
	ReportType      string          `json:"report_type"`
	SubmittedBy     string          `json:"submitted_by"`
	SubmittedAt     string          `json:"submitted_at" format:"date-time"`
	CurrentLevel    HierarchyNode   `json:"current_level"`
	Attachments     []string        `json:"attachments"`
	ResolutionNotes *string         `json:"resolution_notes,omitempty"`
	Timeline        []TimelineEntry `json:"timeline"`
	Version         int64           `json:"version"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// PendingEntry returns the index of the Pending timeline entry, or -1.
func (r Report) PendingEntry() int {
	for i, e := range r.Timeline {
		if e.Status == EntryPending {
			return i
		}
	}
	return -1
}

// Clone deep-copies the report so workflow mutations never alias the input.
func (r Report) Clone() Report {
	out := r
	if r.Attachments != nil {
		out.Attachments = append([]string(nil), r.Attachments...)
	}
	if r.Timeline != nil {
		out.Timeline = append([]TimelineEntry(nil), r.Timeline...)
	}
	if r.CurrentLevel.ParentID != nil {
		p := *r.CurrentLevel.ParentID
		out.CurrentLevel.ParentID = &p
	}
	if r.ResolutionNotes != nil {
		n := *r.ResolutionNotes
		out.ResolutionNotes = &n
	}
	return out
}

type ReportFilter struct {
	Status     string
	Priority   string
	ReportType string
	Search     string
	LevelIDs   []int64
	Page       int
	Limit      int
}

type ReportPage struct {
	Items []Report `json:"items"`
	Total int      `json:"total"`
	Page  int      `json:"page"`
	Limit int      `json:"limit"`
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

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

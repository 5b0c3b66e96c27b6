package server

import (
	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
)

// Request payloads

type SubmitReportRequest struct {
	Title       string   `json:"title" minLength:"1" maxLength:"200"`
	Description string   `json:"description,omitempty" maxLength:"5000"`
	Priority    string   `json:"priority" enum:"Low,Medium,High,Critical"`
	ReportType  string   `json:"report_type"`
	LevelID     int64    `json:"level_id" minimum:"1"`
	Attachments []string `json:"attachments,omitempty"`
}

type ReportActionRequest struct {
	Action               string `json:"action" enum:"approve,reject,forward,resolve"`
	Notes                string `json:"notes"`
	ForwardTargetLevelID *int64 `json:"forward_target_level_id,omitempty"`
	ExpectedVersion      int64  `json:"expected_version" doc:"Version the caller last read"`
}

type InProgressRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	UserID string                 `json:"user_id"`
	Source string                 `json:"source"`
	Levels []domain.HierarchyNode `json:"levels"`
}

type EligibilityResponse = engine.Eligibility

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ApiError struct {
	Error apiErrorBody `json:"error"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
	"github.com/poliarc/election-management-system-sub008/internal/events"
	"github.com/poliarc/election-management-system-sub008/internal/repo"
	"github.com/poliarc/election-management-system-sub008/internal/workflow"
)

type SubmitReportInput struct {
	Title       string   `validate:"required,max=200"`
	Description string   `validate:"max=5000"`
	Priority    string   `validate:"required"`
	ReportType  string   `validate:"required"`
	LevelID     int64    `validate:"required,gt=0"`
	Attachments []string `validate:"dive,required"`
	SubmittedBy string   `validate:"required"`
}

// SubmitReport files a new report at LevelID. The timeline starts with a
// single Pending entry for that level.
func (e Engine) SubmitReport(ctx context.Context, in SubmitReportInput) (domain.Report, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := validate.Struct(in); err != nil {
		return domain.Report{}, validationError(err)
	}
	priority, ok := domain.ParsePriority(in.Priority)
	if !ok {
		return domain.Report{}, errs.Validation("priority", fmt.Sprintf("unknown priority %q", in.Priority))
	}
	if !e.config().HasReportType(in.ReportType) {
		return domain.Report{}, errs.Validation("report_type", fmt.Sprintf("unknown report type %q", in.ReportType))
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	level, err := e.Repo.GetNode(ctx, tx, in.LevelID)
	if err != nil {
		return domain.Report{}, notFound(err, "node", in.LevelID)
	}
	if !level.IsActive {
		return domain.Report{}, errs.Validation("level_id", fmt.Sprintf("level %d is inactive", in.LevelID))
	}
	assigned, err := e.firstAssignedUser(ctx, tx, level.ID)
	if err != nil {
		return domain.Report{}, err
	}
	now := e.stamp()
	rep := domain.Report{
		Title:        in.Title,
		Description:  in.Description,
		Status:       domain.ReportPending,
		Priority:     priority,
		ReportType:   in.ReportType,
		SubmittedBy:  in.SubmittedBy,
		SubmittedAt:  now,
		CurrentLevel: level,
		Attachments:  append([]string{}, in.Attachments...),
		Version:      1,
		UpdatedAt:    now,
	}
	rep.Timeline = []domain.TimelineEntry{workflow.OriginEntry(rep, assigned)}
	if err := e.Repo.InsertReport(ctx, tx, &rep); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeReportSubmitted, "report", fmt.Sprint(rep.ID), in.SubmittedBy, events.EventPayload{
		"level_id": level.ID, "priority": rep.Priority, "report_type": rep.ReportType,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	e.logger(ctx).Info("report submitted", zap.Int64("report_id", rep.ID), zap.Int64("level_id", level.ID), zap.String("by", in.SubmittedBy))
	return rep, nil
}

func (e Engine) firstAssignedUser(ctx context.Context, tx *sql.Tx, nodeID int64) (string, error) {
	users, err := e.Repo.AssignedUsers(ctx, tx, nodeID)
	if err != nil {
		return "", fmt.Errorf("load users of node %d: %w", nodeID, err)
	}
	if len(users) == 0 {
		return "", nil
	}
	return users[0].ID, nil
}

func (e Engine) GetReport(ctx context.Context, id int64) (domain.Report, error) {
	rep, err := e.Repo.GetReport(ctx, nil, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return rep, errs.NotFound("report", id)
		}
		return rep, errs.FetchError{Op: fmt.Sprintf("fetch report %d", id), Err: err}
	}
	return rep, nil
}

// ListReports normalizes paging against config and validates enum filters.
func (e Engine) ListReports(ctx context.Context, f domain.ReportFilter) (domain.ReportPage, error) {
	cfg := e.config()
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = cfg.Reports.DefaultPageSize
	}
	if f.Limit > cfg.Reports.MaxPageSize {
		f.Limit = cfg.Reports.MaxPageSize
	}
	if f.Status != "" {
		st, ok := domain.ParseReportStatus(f.Status)
		if !ok {
			return domain.ReportPage{}, errs.Validation("status", fmt.Sprintf("unknown status %q", f.Status))
		}
		f.Status = string(st)
	}
	if f.Priority != "" {
		p, ok := domain.ParsePriority(f.Priority)
		if !ok {
			return domain.ReportPage{}, errs.Validation("priority", fmt.Sprintf("unknown priority %q", f.Priority))
		}
		f.Priority = string(p)
	}
	page, err := e.Repo.ListReports(ctx, f)
	if err != nil {
		return page, errs.FetchError{Op: "fetch reports", Err: err}
	}
	return page, nil
}

// EligibleForwardLevels returns the active ancestors of the report's current
// level, nearest first. Levels already on the timeline are dropped when
// re-forwarding is disabled.
func (e Engine) EligibleForwardLevels(ctx context.Context, r domain.Report) ([]domain.HierarchyNode, error) {
	return e.eligibleForward(ctx, nil, r)
}

func (e Engine) eligibleForward(ctx context.Context, tx *sql.Tx, r domain.Report) ([]domain.HierarchyNode, error) {
	ancestors, err := e.Repo.Ancestors(ctx, tx, r.CurrentLevel.ID)
	if err != nil {
		return nil, errs.FetchError{Op: fmt.Sprintf("fetch ancestors of node %d", r.CurrentLevel.ID), Err: err}
	}
	visited := map[int64]bool{}
	if !e.Policy().AllowReforward {
		for _, t := range r.Timeline {
			visited[t.LevelID] = true
		}
	}
	out := make([]domain.HierarchyNode, 0, len(ancestors))
	for _, n := range ancestors {
		if !n.IsActive || visited[n.ID] {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Eligibility is what a caller may do on a report right now.
type Eligibility struct {
	ReportID      int64                  `json:"report_id"`
	Version       int64                  `json:"version"`
	CanAct        bool                   `json:"can_act"`
	Actions       []domain.Action        `json:"actions"`
	ForwardLevels []domain.HierarchyNode `json:"forward_levels"`
}

func (e Engine) Eligibility(ctx context.Context, reportID int64, callerID string) (Eligibility, error) {
	rep, err := e.GetReport(ctx, reportID)
	if err != nil {
		return Eligibility{}, err
	}
	callers, err := e.Auth.CallerLevelIDs(ctx, nil, callerID)
	if err != nil {
		return Eligibility{}, err
	}
	actions := []domain.Action{}
	eligible := []domain.HierarchyNode{}
	if !e.Policy().IsTerminal(rep.Status) {
		eligible, err = e.EligibleForwardLevels(ctx, rep)
		if err != nil {
			return Eligibility{}, err
		}
		actions = workflow.AvailableActions(rep, callers, eligible)
	}
	return Eligibility{
		ReportID:      rep.ID,
		Version:       rep.Version,
		CanAct:        len(actions) > 0,
		Actions:       actions,
		ForwardLevels: eligible,
	}, nil
}

// ActionRequest is one submitted workflow action. ExpectedVersion is the
// version the caller last read.
type ActionRequest struct {
	ReportID             int64
	Action               string
	Notes                string
	ForwardTargetLevelID *int64
	ExpectedVersion      int64
	ActorID              string
}

// SubmitAction applies one action under a per-report lock. The version check,
// the timeline rewrite, the status change and the event row commit together
// or not at all.
func (e Engine) SubmitAction(ctx context.Context, req ActionRequest) (domain.Report, error) {
	if strings.TrimSpace(req.ActorID) == "" {
		return domain.Report{}, errs.Validation("actor_id", "actor is required")
	}
	if req.ExpectedVersion <= 0 {
		return domain.Report{}, errs.Validation("expected_version", "expected version is required")
	}
	release, err := e.locker().Lock(ctx, fmt.Sprintf("report:%d", req.ReportID))
	if err != nil {
		return domain.Report{}, err
	}
	defer release()

	log := e.logger(ctx).With(zap.Int64("report_id", req.ReportID), zap.String("actor", req.ActorID), zap.String("action", req.Action))
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	rep, err := e.Repo.GetReport(ctx, tx, req.ReportID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Report{}, errs.NotFound("report", req.ReportID)
		}
		return domain.Report{}, errs.FetchError{Op: fmt.Sprintf("fetch report %d", req.ReportID), Err: err}
	}
	if rep.Version != req.ExpectedVersion {
		log.Info("stale action rejected", zap.Int64("expected", req.ExpectedVersion), zap.Int64("actual", rep.Version))
		return domain.Report{}, errs.ConflictError{ReportID: rep.ID, ExpectedVersion: req.ExpectedVersion, ActualVersion: rep.Version}
	}
	callers, err := e.Auth.CallerLevelIDs(ctx, tx, req.ActorID)
	if err != nil {
		return domain.Report{}, err
	}
	eligible, err := e.eligibleForward(ctx, tx, rep)
	if err != nil {
		return domain.Report{}, err
	}
	action, ok := domain.ParseAction(req.Action)
	if !ok {
		action = domain.Action(req.Action)
	}
	in := workflow.ActionInput{
		Action:               action,
		Notes:                req.Notes,
		ForwardTargetLevelID: req.ForwardTargetLevelID,
		ActorID:              req.ActorID,
	}
	if action == domain.ActionForward && req.ForwardTargetLevelID != nil {
		in.AssignedUser, err = e.firstAssignedUser(ctx, tx, *req.ForwardTargetLevelID)
		if err != nil {
			return domain.Report{}, err
		}
	}
	policy := e.Policy()
	out, err := workflow.Apply(rep, in, callers, eligible, policy, e.now())
	if err != nil {
		log.Info("action refused", zap.Error(err))
		return domain.Report{}, err
	}
	if err := workflow.CheckInvariant(out, policy); err != nil {
		return domain.Report{}, fmt.Errorf("refusing to persist: %w", err)
	}
	if err := e.Repo.UpdateReport(ctx, tx, out, req.ExpectedVersion); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Report{}, errs.ConflictError{ReportID: rep.ID, ExpectedVersion: req.ExpectedVersion, ActualVersion: rep.Version + 1}
		}
		return domain.Report{}, fmt.Errorf("update report: %w", err)
	}
	out.Version = req.ExpectedVersion + 1
	payload := events.EventPayload{
		"action":      action,
		"from_status": rep.Status,
		"to_status":   out.Status,
		"level_id":    rep.CurrentLevel.ID,
		"version":     out.Version,
	}
	if action == domain.ActionForward {
		payload["target_level_id"] = out.CurrentLevel.ID
	}
	if err := e.Events.Append(ctx, tx, events.TypeReportAction, "report", fmt.Sprint(rep.ID), req.ActorID, payload); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	log.Info("report action applied", zap.String("status", string(out.Status)), zap.Int64("current_level", out.CurrentLevel.ID), zap.Int64("version", out.Version))
	return out, nil
}

// MarkInProgress moves a Pending or Forwarded report to In_Progress. Only a
// caller assigned to the pending level may do so.
func (e Engine) MarkInProgress(ctx context.Context, reportID, expectedVersion int64, actorID string) (domain.Report, error) {
	if expectedVersion <= 0 {
		return domain.Report{}, errs.Validation("expected_version", "expected version is required")
	}
	release, err := e.locker().Lock(ctx, fmt.Sprintf("report:%d", reportID))
	if err != nil {
		return domain.Report{}, err
	}
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()
	rep, err := e.Repo.GetReport(ctx, tx, reportID)
	if err != nil {
		return domain.Report{}, notFound(err, "report", reportID)
	}
	if rep.Version != expectedVersion {
		return domain.Report{}, errs.ConflictError{ReportID: rep.ID, ExpectedVersion: expectedVersion, ActualVersion: rep.Version}
	}
	callers, err := e.Auth.CallerLevelIDs(ctx, tx, actorID)
	if err != nil {
		return domain.Report{}, err
	}
	if !workflow.CanAct(rep, callers) {
		return domain.Report{}, errs.AuthorizationError{ActorID: actorID, ReportID: rep.ID}
	}
	out, err := workflow.MarkInProgress(rep, e.Policy(), e.now())
	if err != nil {
		return domain.Report{}, err
	}
	if err := e.Repo.UpdateReport(ctx, tx, out, expectedVersion); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Report{}, errs.ConflictError{ReportID: rep.ID, ExpectedVersion: expectedVersion, ActualVersion: rep.Version + 1}
		}
		return domain.Report{}, err
	}
	out.Version = expectedVersion + 1
	if err := e.Events.Append(ctx, tx, events.TypeReportInProgress, "report", fmt.Sprint(rep.ID), actorID, events.EventPayload{
		"from_status": rep.Status, "version": out.Version,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return out, nil
}

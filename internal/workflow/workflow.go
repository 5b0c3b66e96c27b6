// Package workflow is the VIC report state machine. Every function here is
// pure: it reads a report and returns a new one, so a failed action never
// leaves a half-applied report behind.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
)

// Policy holds the switches left open by the reference behaviour.
type Policy struct {
	// AllowReforward permits forwarding to a level the report already visited.
	AllowReforward bool
	// RejectIsTerminal blocks further actions once a report is Rejected.
	RejectIsTerminal bool
}

func DefaultPolicy() Policy {
	return Policy{AllowReforward: true, RejectIsTerminal: true}
}

type ActionInput struct {
	Action               domain.Action
	Notes                string
	ForwardTargetLevelID *int64
	ActorID              string
	// AssignedUser is recorded on a newly appended forward entry.
	AssignedUser string
}

// IsTerminal reports whether no action may be taken on a report in status s.
func (p Policy) IsTerminal(s domain.ReportStatus) bool {
	switch s {
	case domain.ReportApproved, domain.ReportResolved:
		return true
	case domain.ReportRejected:
		return p.RejectIsTerminal
	}
	return false
}

// CanAct decides whether a caller holding callerLevelIDs may act on r.
func CanAct(r domain.Report, callerLevelIDs []int64) bool {
	if r.Status == domain.ReportResolved || r.Status == domain.ReportApproved {
		return false
	}
	if len(r.Timeline) > 0 {
		i := r.PendingEntry()
		if i < 0 {
			return false
		}
		return containsID(callerLevelIDs, r.Timeline[i].LevelID)
	}
	// A fresh report has no chain yet; the first action creates it.
	return r.Status == domain.ReportPending
}

// AvailableActions lists what the caller may do right now. Forward is only
// offered when there is somewhere to forward to.
func AvailableActions(r domain.Report, callerLevelIDs []int64, eligibleForward []domain.HierarchyNode) []domain.Action {
	if !CanAct(r, callerLevelIDs) {
		return []domain.Action{}
	}
	actions := []domain.Action{domain.ActionApprove, domain.ActionReject}
	if len(eligibleForward) > 0 {
		actions = append(actions, domain.ActionForward)
	}
	if r.Status != domain.ReportResolved && r.Status != domain.ReportApproved {
		actions = append(actions, domain.ActionResolve)
	}
	return actions
}

// Apply performs one action and returns the updated report. The input report
// is never modified.
func Apply(r domain.Report, in ActionInput, callerLevelIDs []int64, eligibleForward []domain.HierarchyNode, p Policy, now time.Time) (domain.Report, error) {
	notes := strings.TrimSpace(in.Notes)
	if notes == "" {
		return r, errs.Validation("notes", "notes are required")
	}
	if p.IsTerminal(r.Status) {
		return r, errs.Validation("status", fmt.Sprintf("report %d is %s; no further actions allowed", r.ID, r.Status))
	}
	switch in.Action {
	case domain.ActionApprove, domain.ActionReject, domain.ActionResolve, domain.ActionForward:
	default:
		return r, errs.Validation("action", fmt.Sprintf("unknown action %q", in.Action))
	}
	if in.Action == domain.ActionForward && in.ForwardTargetLevelID == nil {
		return r, errs.Validation("forward_target_level_id", "forward target is required")
	}
	if !CanAct(r, callerLevelIDs) {
		return r, errs.AuthorizationError{ActorID: in.ActorID, ReportID: r.ID}
	}
	var target domain.HierarchyNode
	if in.Action == domain.ActionForward {
		var ok bool
		target, ok = findNode(eligibleForward, *in.ForwardTargetLevelID)
		if !ok {
			return r, errs.Validation("forward_target_level_id", fmt.Sprintf("level %d is not an eligible forward target", *in.ForwardTargetLevelID))
		}
		if !p.AllowReforward && visited(r, target.ID) {
			return r, errs.Validation("forward_target_level_id", fmt.Sprintf("report already passed through level %d", target.ID))
		}
	}

	out := r.Clone()
	if len(out.Timeline) == 0 {
		out.Timeline = []domain.TimelineEntry{originEntry(out)}
	}
	idx := out.PendingEntry()
	if idx < 0 {
		return r, errs.Validation("timeline", fmt.Sprintf("report %d has no pending step", r.ID))
	}
	stamp := now.UTC().Format(time.RFC3339)
	entry := &out.Timeline[idx]
	entry.ActionNotes = &notes
	entry.ActionTakenAt = &stamp
	entry.ActedBy = in.ActorID

	switch in.Action {
	case domain.ActionApprove:
		entry.Status = domain.EntryApproved
		out.Status = domain.ReportApproved
	case domain.ActionReject:
		entry.Status = domain.EntryRejected
		out.Status = domain.ReportRejected
	case domain.ActionResolve:
		entry.Status = domain.EntryResolved
		out.Status = domain.ReportResolved
		out.ResolutionNotes = &notes
	case domain.ActionForward:
		entry.Status = domain.EntryForwarded
		out.Timeline = append(out.Timeline, domain.TimelineEntry{
			HierarchyOrder:   maxOrder(out.Timeline) + 1,
			LevelID:          target.ID,
			LevelDisplayName: target.DisplayName,
			Status:           domain.EntryPending,
			AssignedUser:     in.AssignedUser,
		})
		out.CurrentLevel = target
	}
	out.UpdatedAt = stamp
	return out, nil
}

// MarkInProgress records that a dispatcher picked the report up. It does not
// touch the timeline.
func MarkInProgress(r domain.Report, p Policy, now time.Time) (domain.Report, error) {
	if p.IsTerminal(r.Status) {
		return r, errs.Validation("status", fmt.Sprintf("report %d is %s", r.ID, r.Status))
	}
	if r.Status != domain.ReportPending && r.Status != domain.ReportForwarded {
		return r, errs.Validation("status", fmt.Sprintf("cannot move %s report to %s", r.Status, domain.ReportInProgress))
	}
	out := r.Clone()
	out.Status = domain.ReportInProgress
	out.UpdatedAt = now.UTC().Format(time.RFC3339)
	return out, nil
}

// closesChain holds for statuses whose action moves the pending entry to a
// final state without appending a new one. Rejected stays here even when
// RejectIsTerminal is off.
func closesChain(s domain.ReportStatus) bool {
	switch s {
	case domain.ReportApproved, domain.ReportRejected, domain.ReportResolved:
		return true
	}
	return false
}

// CheckInvariant verifies the single-pending rule.
func CheckInvariant(r domain.Report, p Policy) error {
	pending := 0
	var pendingLevel int64
	for _, e := range r.Timeline {
		if e.Status == domain.EntryPending {
			pending++
			pendingLevel = e.LevelID
		}
	}
	if p.IsTerminal(r.Status) || closesChain(r.Status) {
		if pending != 0 {
			return fmt.Errorf("closed report %d has %d pending entries", r.ID, pending)
		}
		return nil
	}
	if len(r.Timeline) == 0 {
		return nil
	}
	if pending != 1 {
		return fmt.Errorf("report %d has %d pending entries", r.ID, pending)
	}
	if pendingLevel != r.CurrentLevel.ID {
		return fmt.Errorf("report %d pending level %d differs from current level %d", r.ID, pendingLevel, r.CurrentLevel.ID)
	}
	return nil
}

func originEntry(r domain.Report) domain.TimelineEntry {
	return domain.TimelineEntry{
		HierarchyOrder:   0,
		LevelID:          r.CurrentLevel.ID,
		LevelDisplayName: r.CurrentLevel.DisplayName,
		Status:           domain.EntryPending,
	}
}

// OriginEntry is the first chain step for a newly submitted report.
func OriginEntry(r domain.Report, assignedUser string) domain.TimelineEntry {
	e := originEntry(r)
	e.AssignedUser = assignedUser
	return e
}

func maxOrder(entries []domain.TimelineEntry) int {
	m := 0
	for _, e := range entries {
		if e.HierarchyOrder > m {
			m = e.HierarchyOrder
		}
	}
	return m
}

func visited(r domain.Report, levelID int64) bool {
	for _, e := range r.Timeline {
		if e.LevelID == levelID {
			return true
		}
	}
	return false
}

func findNode(nodes []domain.HierarchyNode, id int64) (domain.HierarchyNode, bool) {
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return domain.HierarchyNode{}, false
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

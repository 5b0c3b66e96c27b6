package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
)

const reportColumns = `r.id,r.title,COALESCE(r.description,''),r.status,r.priority,r.report_type,r.submitted_by,
r.submitted_at,r.attachments_json,r.resolution_notes,r.version,r.updated_at`

const reportFrom = ` FROM vic_reports r JOIN nodes n ON n.id=r.current_level_id`

func scanReport(s rowScanner) (domain.Report, error) {
	var rep domain.Report
	var attachments string
	var resolution sql.NullString
	level, err := scanNode(s, &rep.ID, &rep.Title, &rep.Description, &rep.Status, &rep.Priority, &rep.ReportType,
		&rep.SubmittedBy, &rep.SubmittedAt, &attachments, &resolution, &rep.Version, &rep.UpdatedAt)
	if err != nil {
		return rep, err
	}
	rep.CurrentLevel = level
	if resolution.Valid {
		v := resolution.String
		rep.ResolutionNotes = &v
	}
	rep.Attachments = []string{}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &rep.Attachments); err != nil {
			return rep, fmt.Errorf("decode attachments of report %d: %w", rep.ID, err)
		}
	}
	return rep, nil
}

func encodeAttachments(a []string) (string, error) {
	if a == nil {
		a = []string{}
	}
	data, err := json.Marshal(a)
	return string(data), err
}

// InsertReport stores rep with its timeline and sets rep.ID.
func (r Repo) InsertReport(ctx context.Context, tx *sql.Tx, rep *domain.Report) error {
	attachments, err := encodeAttachments(rep.Attachments)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO vic_reports(title,description,status,priority,report_type,submitted_by,
submitted_at,current_level_id,attachments_json,resolution_notes,version,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rep.Title, nullable(rep.Description), rep.Status, rep.Priority, rep.ReportType, rep.SubmittedBy,
		rep.SubmittedAt, rep.CurrentLevel.ID, attachments, nullableStringPtr(rep.ResolutionNotes), rep.Version, rep.UpdatedAt)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rep.ID = id
	return r.writeTimeline(ctx, tx, rep.ID, rep.Timeline)
}

func (r Repo) GetReport(ctx context.Context, tx *sql.Tx, id int64) (domain.Report, error) {
	q := r.on(tx)
	rep, err := scanReport(q.QueryRowContext(ctx, `SELECT `+nodeColumns+`,`+reportColumns+reportFrom+` WHERE r.id=?`, id))
	if err == sql.ErrNoRows {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.Timeline, err = r.timeline(ctx, q, id)
	return rep, err
}

// UpdateReport writes rep and replaces its timeline, provided the stored
// version still equals expectedVersion. The stored version is bumped by one.
func (r Repo) UpdateReport(ctx context.Context, tx *sql.Tx, rep domain.Report, expectedVersion int64) error {
	attachments, err := encodeAttachments(rep.Attachments)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE vic_reports SET status=?,priority=?,current_level_id=?,attachments_json=?,
resolution_notes=?,updated_at=?,version=version+1 WHERE id=? AND version=?`,
		rep.Status, rep.Priority, rep.CurrentLevel.ID, attachments, nullableStringPtr(rep.ResolutionNotes), rep.UpdatedAt,
		rep.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_entries WHERE report_id=?`, rep.ID); err != nil {
		return err
	}
	return r.writeTimeline(ctx, tx, rep.ID, rep.Timeline)
}

func (r Repo) writeTimeline(ctx context.Context, tx *sql.Tx, reportID int64, entries []domain.TimelineEntry) error {
	q := r.on(tx)
	for _, e := range entries {
		if _, err := q.ExecContext(ctx, `INSERT INTO timeline_entries(report_id,hierarchy_order,level_id,level_display_name,status,
assigned_user,acted_by,action_notes,action_taken_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			reportID, e.HierarchyOrder, e.LevelID, e.LevelDisplayName, e.Status, nullable(e.AssignedUser), nullable(e.ActedBy),
			nullableStringPtr(e.ActionNotes), nullableStringPtr(e.ActionTakenAt)); err != nil {
			return fmt.Errorf("insert timeline entry %d: %w", e.HierarchyOrder, err)
		}
	}
	return nil
}

func (r Repo) timeline(ctx context.Context, q queryer, reportID int64) ([]domain.TimelineEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT hierarchy_order,level_id,level_display_name,status,COALESCE(assigned_user,''),
COALESCE(acted_by,''),action_notes,action_taken_at FROM timeline_entries WHERE report_id=? ORDER BY hierarchy_order`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.TimelineEntry{}
	for rows.Next() {
		var e domain.TimelineEntry
		var notes, taken sql.NullString
		if err := rows.Scan(&e.HierarchyOrder, &e.LevelID, &e.LevelDisplayName, &e.Status, &e.AssignedUser, &e.ActedBy, &notes, &taken); err != nil {
			return nil, err
		}
		if notes.Valid {
			v := notes.String
			e.ActionNotes = &v
		}
		if taken.Valid {
			v := taken.String
			e.ActionTakenAt = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListReports returns one page of reports matching f, newest first. Page and
// Limit must already be normalized (Page >= 1, Limit >= 1).
func (r Repo) ListReports(ctx context.Context, f domain.ReportFilter) (domain.ReportPage, error) {
	page := domain.ReportPage{Items: []domain.Report{}, Page: f.Page, Limit: f.Limit}
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "r.status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "r.priority=?")
		args = append(args, f.Priority)
	}
	if f.ReportType != "" {
		clauses = append(clauses, "r.report_type=? COLLATE NOCASE")
		args = append(args, f.ReportType)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + s + "%"
		clauses = append(clauses, "(r.title LIKE ? OR r.description LIKE ? OR r.submitted_by LIKE ?)")
		args = append(args, like, like, like)
	}
	if f.LevelIDs != nil {
		if len(f.LevelIDs) == 0 {
			return page, nil
		}
		clauses = append(clauses, "r.current_level_id IN ("+placeholders(len(f.LevelIDs))+")")
		for _, id := range f.LevelIDs {
			args = append(args, id)
		}
	}
	where := " WHERE " + strings.Join(clauses, " AND ")
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*)`+reportFrom+where, args...).Scan(&page.Total); err != nil {
		return page, err
	}
	query := `SELECT ` + nodeColumns + `,` + reportColumns + reportFrom + where + ` ORDER BY r.submitted_at DESC, r.id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return page, err
	}
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			rows.Close()
			return page, err
		}
		page.Items = append(page.Items, rep)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return page, err
	}
	rows.Close()
	for i := range page.Items {
		tl, err := r.timeline(ctx, r.DB, page.Items[i].ID)
		if err != nil {
			return page, err
		}
		page.Items[i].Timeline = tl
	}
	return page, nil
}

package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poliarc/election-management-system-sub008/internal/config"
	"github.com/poliarc/election-management-system-sub008/internal/db"
	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
	"github.com/poliarc/election-management-system-sub008/internal/migrate"
	"github.com/poliarc/election-management-system-sub008/internal/repo"
)

const fixture = `
nodes:
  - id: 1
    name: Bihar
    level: State
    children:
      - id: 2
        name: Patna
        level: District
        children:
          - id: 3
            name: Digha
            level: Assembly
            children:
              - id: 4
                name: Block A
                level: Block
                children:
                  - {id: 5, name: Booth 101, level: Booth}
                  - {id: 6, name: Booth 102, level: Booth}
              - id: 7
                name: Block B
                level: Block
                inactive: true
users:
  - {id: u-state, name: State Officer, levels: [1]}
  - {id: u-district, name: District Officer, levels: [2]}
  - {id: u-assembly, name: Assembly Officer, levels: [3]}
  - {id: u-block, name: Block Officer, levels: [4]}
  - {id: u-booth, name: Booth Agent, levels: [5]}
`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	doc, err := engine.ParseHierarchyDocument([]byte(fixture))
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	if _, err := eng.ImportHierarchy(ctx, doc, "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) submit(t *testing.T, level int64, priority string) domain.Report {
	t.Helper()
	rep, err := env.Engine.SubmitReport(env.Ctx, engine.SubmitReportInput{
		Title:       "Voters turned away",
		Description: "Queue blocked near gate",
		Priority:    priority,
		ReportType:  "Voter Intimidation",
		LevelID:     level,
		SubmittedBy: "u-booth",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return rep
}

func ptr(v int64) *int64 { return &v }

func TestImportAndDiscover(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Discover(env.Ctx, 1, []int64{2, 3, 4}, ptr(6))
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res.Levels) != 3 || res.Levels[0].Name != "District" || res.Levels[2].Name != "Block" {
		t.Fatalf("unexpected levels: %+v", res.Levels)
	}
	if len(res.Leaves) != 2 || res.LeafLevelName != "Booth" || !res.Leaves[0].IsLeafLevel {
		t.Fatalf("expected booth leaves, got %+v", res.Leaves)
	}
	if res.LeafFilterID == nil || *res.LeafFilterID != 6 {
		t.Fatalf("expected leaf filter 6")
	}
	for _, m := range res.Levels[2].Members {
		if m.ID == 4 && m.AssignedUserCount != 1 {
			t.Fatalf("expected one user on block A, got %d", m.AssignedUserCount)
		}
	}

	dead, err := env.Engine.Discover(env.Ctx, 5, nil, nil)
	if err != nil || !dead.DeadEnd {
		t.Fatalf("expected dead end under a booth, got %+v err=%v", dead, err)
	}
	if _, err := env.Engine.Discover(env.Ctx, 999, nil, nil); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.Discover(env.Ctx, 1, []int64{3}, nil); !errs.IsValidation(err) {
		t.Fatalf("expected validation for skipped level, got %v", err)
	}
}

func TestImportRejectsDuplicateIDs(t *testing.T) {
	env := newTestEnv(t)
	doc, err := engine.ParseHierarchyDocument([]byte(`
nodes:
  - {id: 50, name: X, level: State, children: [{id: 50, name: Y, level: District}]}
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ImportHierarchy(env.Ctx, doc, "tester"); !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.Node(env.Ctx, 50); !errs.IsNotFound(err) {
		t.Fatalf("failed import must not leave nodes behind, got %v", err)
	}
	if _, err := engine.ParseHierarchyDocument([]byte(`nodes: [{id: 0, name: "", level: State}]`)); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for empty node, got %v", err)
	}
}

func TestSubmitReportStartsTimeline(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "high")
	if rep.Version != 1 || rep.Status != domain.ReportPending || rep.Priority != domain.PriorityHigh {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if len(rep.Timeline) != 1 || rep.Timeline[0].Status != domain.EntryPending || rep.Timeline[0].AssignedUser != "u-block" {
		t.Fatalf("unexpected timeline: %+v", rep.Timeline)
	}
	got, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentLevel.ID != 4 || len(got.Timeline) != 1 || got.Attachments == nil {
		t.Fatalf("unexpected stored report: %+v", got)
	}

	cases := []engine.SubmitReportInput{
		{Title: "", Priority: "Low", ReportType: "Other", LevelID: 4, SubmittedBy: "x"},
		{Title: "t", Priority: "Urgent", ReportType: "Other", LevelID: 4, SubmittedBy: "x"},
		{Title: "t", Priority: "Low", ReportType: "Lottery", LevelID: 4, SubmittedBy: "x"},
		{Title: "t", Priority: "Low", ReportType: "Other", LevelID: 7, SubmittedBy: "x"},
	}
	for i, in := range cases {
		if _, err := env.Engine.SubmitReport(env.Ctx, in); !errs.IsValidation(err) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	if _, err := env.Engine.SubmitReport(env.Ctx, engine.SubmitReportInput{Title: "t", Priority: "Low", ReportType: "Other", LevelID: 404, SubmittedBy: "x"}); !errs.IsNotFound(err) {
		t.Fatalf("expected not found for unknown level, got %v", err)
	}
}

func TestForwardThenApprove(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "Medium")

	elig, err := env.Engine.Eligibility(env.Ctx, rep.ID, "u-block")
	if err != nil {
		t.Fatal(err)
	}
	if !elig.CanAct || len(elig.Actions) != 4 || len(elig.ForwardLevels) != 3 || elig.ForwardLevels[0].ID != 3 {
		t.Fatalf("unexpected eligibility: %+v", elig)
	}
	if other, _ := env.Engine.Eligibility(env.Ctx, rep.ID, "u-district"); other.CanAct {
		t.Fatalf("district must not act before forward")
	}

	rep, err = env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{
		ReportID: rep.ID, Action: "forward", Notes: "needs district", ForwardTargetLevelID: ptr(2),
		ExpectedVersion: 1, ActorID: "u-block",
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if rep.Version != 2 || rep.CurrentLevel.ID != 2 || rep.Status != domain.ReportPending {
		t.Fatalf("unexpected forwarded report: %+v", rep)
	}
	if len(rep.Timeline) != 2 || rep.Timeline[0].Status != domain.EntryForwarded || rep.Timeline[1].AssignedUser != "u-district" {
		t.Fatalf("unexpected timeline: %+v", rep.Timeline)
	}

	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "approve", Notes: "ok", ExpectedVersion: 2, ActorID: "u-block"}); !errs.IsAuthorization(err) {
		t.Fatalf("expected authorization error for previous level, got %v", err)
	}
	rep, err = env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "approve", Notes: "handled", ExpectedVersion: 2, ActorID: "u-district"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if rep.Status != domain.ReportApproved || rep.Timeline[1].Status != domain.EntryApproved || rep.Timeline[1].ActedBy != "u-district" {
		t.Fatalf("unexpected approved report: %+v", rep)
	}
	stored, _ := env.Engine.GetReport(env.Ctx, rep.ID)
	if stored.Version != 3 || stored.Timeline[1].ActionNotes == nil || *stored.Timeline[1].ActionNotes != "handled" {
		t.Fatalf("unexpected stored report: %+v", stored)
	}
	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "resolve", Notes: "again", ExpectedVersion: 3, ActorID: "u-district"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error on terminal report, got %v", err)
	}

	evts, err := env.Engine.LatestEvents(env.Ctx, repo.EventFilter{EntityKind: "report", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 || evts[0].Type != "report.action" {
		t.Fatalf("expected submit + two actions, got %+v", evts)
	}
}

func TestForwardValidationLeavesReportUntouched(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "Low")
	for _, target := range []*int64{nil, ptr(5), ptr(7)} {
		_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{
			ReportID: rep.ID, Action: "forward", Notes: "n", ForwardTargetLevelID: target, ExpectedVersion: 1, ActorID: "u-block",
		})
		if !errs.IsValidation(err) {
			t.Fatalf("target %v: expected validation error, got %v", target, err)
		}
	}
	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "approve", Notes: " ", ExpectedVersion: 1, ActorID: "u-block"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for blank notes, got %v", err)
	}
	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "approve", Notes: "n", ActorID: "u-block"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error for missing version, got %v", err)
	}
	stored, _ := env.Engine.GetReport(env.Ctx, rep.ID)
	if stored.Version != 1 || len(stored.Timeline) != 1 || stored.Timeline[0].Status != domain.EntryPending {
		t.Fatalf("report must be unchanged: %+v", stored)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "Low")
	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "reject", Notes: "spam", ExpectedVersion: 1, ActorID: "u-block"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "approve", Notes: "late", ExpectedVersion: 1, ActorID: "u-block"})
	if !errs.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, _ := env.Engine.GetReport(env.Ctx, rep.ID)
	if stored.Status != domain.ReportRejected || stored.Version != 2 {
		t.Fatalf("unexpected stored report: %+v", stored)
	}
	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: 999, Action: "approve", Notes: "n", ExpectedVersion: 1, ActorID: "u-block"}); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentActionsOneWins(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "Critical")
	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{
				ReportID: rep.ID, Action: "resolve", Notes: "done", ExpectedVersion: 1, ActorID: "u-block",
			})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errs.IsConflict(err):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	stored, _ := env.Engine.GetReport(env.Ctx, rep.ID)
	if stored.Version != 2 || stored.Status != domain.ReportResolved || stored.ResolutionNotes == nil {
		t.Fatalf("unexpected stored report: %+v", stored)
	}
}

func TestMarkInProgressKeepsEligibility(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "Low")
	if _, err := env.Engine.MarkInProgress(env.Ctx, rep.ID, 1, "u-district"); !errs.IsAuthorization(err) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	rep, err := env.Engine.MarkInProgress(env.Ctx, rep.ID, 1, "u-block")
	if err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if rep.Status != domain.ReportInProgress || rep.Version != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	rep, err = env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "forward", Notes: "up", ForwardTargetLevelID: ptr(3), ExpectedVersion: 2, ActorID: "u-block"})
	if err != nil {
		t.Fatalf("forward from in progress: %v", err)
	}
	if rep.Status != domain.ReportInProgress || rep.CurrentLevel.ID != 3 {
		t.Fatalf("forward must not touch status: %+v", rep)
	}
}

func TestListReportsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, 4, "High")
	env.submit(t, 4, "Low")
	env.submit(t, 3, "Low")

	page, err := env.Engine.ListReports(env.Ctx, domain.ReportFilter{Priority: "low"})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Items) != 2 || page.Limit != 20 {
		t.Fatalf("unexpected page: %+v", page)
	}
	page, err = env.Engine.ListReports(env.Ctx, domain.ReportFilter{LevelIDs: []int64{4}, Limit: 1, Page: 2})
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 2 || len(page.Items) != 1 || len(page.Items[0].Timeline) != 1 {
		t.Fatalf("unexpected level page: %+v", page)
	}
	page, err = env.Engine.ListReports(env.Ctx, domain.ReportFilter{LevelIDs: []int64{}})
	if err != nil || page.Total != 0 || page.Items == nil {
		t.Fatalf("empty level scope must yield an empty page: %+v err=%v", page, err)
	}
	page, _ = env.Engine.ListReports(env.Ctx, domain.ReportFilter{Search: "gate", Limit: 1000})
	if page.Total != 3 || page.Limit != 100 {
		t.Fatalf("unexpected search page: %+v", page)
	}
	if _, err := env.Engine.ListReports(env.Ctx, domain.ReportFilter{Status: "Lost"}); !errs.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAssignmentsAndCallerLevels(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Assign(env.Ctx, "u-new", 3, "tester"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	levels, err := env.Engine.CallerLevels(env.Ctx, "u-new")
	if err != nil || len(levels) != 1 || levels[0].ID != 3 {
		t.Fatalf("unexpected levels: %+v err=%v", levels, err)
	}
	users, err := env.Engine.AssignedUsers(env.Ctx, 3)
	if err != nil || len(users) != 2 || users[0].ID != "u-assembly" {
		t.Fatalf("unexpected users: %+v err=%v", users, err)
	}
	if err := env.Engine.Unassign(env.Ctx, "u-new", 3, "tester"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if err := env.Engine.Unassign(env.Ctx, "u-new", 3, "tester"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := env.Engine.Assign(env.Ctx, "u-new", 404, "tester"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found for unknown node, got %v", err)
	}
}

func TestCreateAPIKey(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.CreateAPIKey(env.Ctx, "ghost", "", "tester"); !errs.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "u-block", "ci", "tester")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(secret))
	if err != nil || got.ID != key.ID || got.UserID != "u-block" {
		t.Fatalf("lookup by hash: %+v err=%v", got, err)
	}
}

func TestRejectWhenRejectIsNotTerminal(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.RejectIsTerminal = false
	env := newTestEnvWithConfig(t, cfg)
	rep := env.submit(t, 4, "Low")
	rep, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "reject", Notes: "duplicate", ExpectedVersion: 1, ActorID: "u-block"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	stored, err := env.Engine.GetReport(env.Ctx, rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.ReportRejected || stored.Version != 2 || stored.Timeline[0].Status != domain.EntryRejected {
		t.Fatalf("unexpected stored report: %+v", stored)
	}
	elig, err := env.Engine.Eligibility(env.Ctx, rep.ID, "u-block")
	if err != nil {
		t.Fatal(err)
	}
	if elig.CanAct || len(elig.Actions) != 0 {
		t.Fatalf("rejected report has no pending step: %+v", elig)
	}
}

func TestTerminalReportOffersNoForwardLevels(t *testing.T) {
	env := newTestEnv(t)
	rep := env.submit(t, 4, "Low")
	if _, err := env.Engine.SubmitAction(env.Ctx, engine.ActionRequest{ReportID: rep.ID, Action: "approve", Notes: "ok", ExpectedVersion: 1, ActorID: "u-block"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	elig, err := env.Engine.Eligibility(env.Ctx, rep.ID, "u-block")
	if err != nil {
		t.Fatal(err)
	}
	if elig.CanAct || len(elig.Actions) != 0 || elig.ForwardLevels == nil || len(elig.ForwardLevels) != 0 {
		t.Fatalf("terminal report must offer nothing: %+v", elig)
	}
}

package emssdk

import (
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/poliarc/election-management-system-sub008/internal/config"
	"github.com/poliarc/election-management-system-sub008/internal/db"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
	"github.com/poliarc/election-management-system-sub008/internal/migrate"
	"github.com/poliarc/election-management-system-sub008/internal/server"
)

const fixture = `
nodes:
  - id: 10
    name: Karnataka
    level: State
    children:
      - id: 11
        name: Mysuru
        level: District
        children:
          - {id: 12, name: Booth 7, level: Booth}
users:
  - {id: officer, levels: [11]}
  - {id: chief, levels: [10]}
`

func newClientFor(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), nil)
	doc, err := engine.ParseHierarchyDocument([]byte(fixture))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := e.ImportHierarchy(ctx, doc, "tester"); err != nil {
		t.Fatalf("import: %v", err)
	}
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestClientReportLifecycle(t *testing.T) {
	base := newClientFor(t)
	ctx := context.Background()
	officer := New(base)
	officer.UserID = "officer"
	chief := New(base)
	chief.UserID = "chief"

	rep, err := officer.SubmitReport(ctx, NewReport{Title: "EVM down", Priority: "High", ReportType: "EVM Malfunction", LevelID: 11})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	elig, err := officer.Eligibility(ctx, rep.ID)
	if err != nil || !elig.CanAct {
		t.Fatalf("eligibility: %+v err=%v", elig, err)
	}
	target := int64(10)
	rep, err = officer.Act(ctx, rep.ID, Action{Action: "forward", Notes: "state team", ForwardTargetLevelID: &target, ExpectedVersion: rep.Version})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if rep.CurrentLevel.ID != 10 || rep.Version != 2 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	_, err = chief.Act(ctx, rep.ID, Action{Action: "resolve", Notes: "replaced", ExpectedVersion: 1})
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	rep, err = chief.Act(ctx, rep.ID, Action{Action: "resolve", Notes: "replaced", ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if rep.Status != "Resolved" || rep.ResolutionNotes == nil {
		t.Fatalf("unexpected resolved report: %+v", rep)
	}

	page, err := chief.ListReports(ctx, ListOptions{Status: "Resolved"})
	if err != nil || page.Total != 1 {
		t.Fatalf("list: %+v err=%v", page, err)
	}
	kids, err := chief.Children(ctx, 11)
	if err != nil || len(kids) != 1 || !kids[0].IsLeafLevel {
		t.Fatalf("children: %+v err=%v", kids, err)
	}
	_, err = chief.GetReport(ctx, 999)
	var apiErr *APIError
	if err == nil {
		t.Fatalf("expected error for unknown report")
	}
	if e, ok := err.(*APIError); ok {
		apiErr = e
	}
	if apiErr == nil || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error: %v", err)
	}
}

package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/gate"
	"fieldline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("obra-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitSite(ctx, "obra-1", "Obra Teste", "tester"); err != nil {
		t.Fatalf("init site: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func createIssue(t *testing.T, env testEnv) domain.Issue {
	t.Helper()
	iss, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		SiteID:      "obra-1",
		Title:       "Trinca na parede do 3º andar",
		Location:    "Bloco B",
		RequestedBy: "Ailton",
		Assignee:    "Diego",
		Deadline:    "2024-06-20",
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return iss
}

func engCtx(ctx context.Context) context.Context {
	return gate.WithEngineering(ctx)
}

func TestIssueLifecycle(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	if iss.Status != domain.IssueOpen {
		t.Fatalf("expected open, got %s", iss.Status)
	}
	if iss.Priority != domain.PriorityMedium {
		t.Fatalf("expected default medium priority, got %s", iss.Priority)
	}
	iss, err := env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	if err != nil || iss.Status != domain.IssueInProgress {
		t.Fatalf("start: %v (status %s)", err, iss.Status)
	}
	iss, err = env.Engine.SubmitForApproval(env.Ctx, iss.ID, []string{"photo-1.jpg"}, "tester", false)
	if err != nil || iss.Status != domain.IssueWaiting {
		t.Fatalf("submit: %v (status %s)", err, iss.Status)
	}
	iss, err = env.Engine.ApproveIssue(engCtx(env.Ctx), iss.ID, "engineer", false)
	if err != nil || iss.Status != domain.IssueDone {
		t.Fatalf("approve: %v (status %s)", err, iss.Status)
	}
	// done is terminal
	if _, err := env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false); err == nil {
		t.Fatalf("expected transition error on done issue")
	}
}

func TestApproveRequiresWaitingStatus(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	_, err := env.Engine.ApproveIssue(engCtx(env.Ctx), iss.ID, "engineer", false)
	if err == nil || !strings.Contains(err.Error(), "transition") {
		t.Fatalf("expected transition error, got %v", err)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, iss.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.IssueOpen {
		t.Fatalf("issue mutated on failed approve: %s", got.Status)
	}
}

func TestApproveRequiresEngineering(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	_, _ = env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	_, _ = env.Engine.SubmitForApproval(env.Ctx, iss.ID, []string{"p.jpg"}, "tester", false)
	var fe gate.ForbiddenError
	if _, err := env.Engine.ApproveIssue(env.Ctx, iss.ID, "tester", false); err == nil || err.Error() != fe.Error() {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.RejectIssue(env.Ctx, iss.ID, "ruim", "tester", false); err == nil || err.Error() != fe.Error() {
		t.Fatalf("expected forbidden on reject, got %v", err)
	}
}

func TestSubmitRequiresCompletionPhotos(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	_, _ = env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	if _, err := env.Engine.SubmitForApproval(env.Ctx, iss.ID, nil, "tester", false); err == nil {
		t.Fatalf("expected completion photo requirement")
	}
	got, _ := env.Engine.Repo.GetIssue(env.Ctx, iss.ID)
	if got.Status != domain.IssueInProgress {
		t.Fatalf("status changed on rejected submit: %s", got.Status)
	}
}

func TestRejectDefaultReasonAndRework(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	_, _ = env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	_, _ = env.Engine.SubmitForApproval(env.Ctx, iss.ID, []string{"p.jpg"}, "tester", false)
	iss, err := env.Engine.RejectIssue(engCtx(env.Ctx), iss.ID, "  ", "engineer", false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if iss.Status != domain.IssueRejected {
		t.Fatalf("expected rejected, got %s", iss.Status)
	}
	if iss.RejectionReason != "Motivo não informado" {
		t.Fatalf("expected placeholder reason, got %q", iss.RejectionReason)
	}
	// rejected issues go back through resolution; the stale reason stays on
	// the record until the next rejection overwrites it
	iss, err = env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	if err != nil || iss.Status != domain.IssueInProgress {
		t.Fatalf("restart after reject: %v (status %s)", err, iss.Status)
	}
	if iss.RejectionReason == "" {
		t.Fatalf("expected reason kept on record")
	}
	iss, err = env.Engine.SubmitForApproval(env.Ctx, iss.ID, []string{"p2.jpg"}, "tester", false)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	iss, err = env.Engine.ApproveIssue(engCtx(env.Ctx), iss.ID, "engineer", false)
	if err != nil || iss.Status != domain.IssueDone {
		t.Fatalf("approve after rework: %v", err)
	}
}

func TestCreateIssueValidation(t *testing.T) {
	env := newTestEnv(t)
	base := engine.IssueCreateOptions{
		SiteID:      "obra-1",
		Title:       "t",
		Location:    "l",
		RequestedBy: "Ailton",
		Assignee:    "Diego",
		Deadline:    "2024-06-20",
		ActorID:     "tester",
	}
	cases := []struct {
		name   string
		mutate func(o *engine.IssueCreateOptions)
	}{
		{"missing title", func(o *engine.IssueCreateOptions) { o.Title = " " }},
		{"missing location", func(o *engine.IssueCreateOptions) { o.Location = "" }},
		{"missing requester", func(o *engine.IssueCreateOptions) { o.RequestedBy = "" }},
		{"missing assignee", func(o *engine.IssueCreateOptions) { o.Assignee = "" }},
		{"missing deadline", func(o *engine.IssueCreateOptions) { o.Deadline = "" }},
		{"bad deadline", func(o *engine.IssueCreateOptions) { o.Deadline = "20/06/2024" }},
		{"bad priority", func(o *engine.IssueCreateOptions) { o.Priority = "urgent" }},
		{"unknown requester", func(o *engine.IssueCreateOptions) { o.RequestedBy = "Fulano" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			if _, err := env.Engine.CreateIssue(env.Ctx, opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestEditOnlyBeforeResolution(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	title := "Trinca na parede, revisada"
	iss, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: iss.ID, Title: &title, ActorID: "tester"})
	if err != nil || iss.Title != title {
		t.Fatalf("edit open issue: %v", err)
	}
	_, _ = env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: iss.ID, Title: &title, ActorID: "tester"}); err == nil {
		t.Fatalf("expected edit rejected while in progress")
	}
}

func scheduleDelivery(t *testing.T, env testEnv, invoice string) domain.Delivery {
	t.Helper()
	d, err := env.Engine.ScheduleDelivery(env.Ctx, engine.DeliveryCreateOptions{
		SiteID:        "obra-1",
		Material:      "Cimento CP-II",
		Supplier:      "Votorantim",
		Quantity:      200,
		Unit:          "sacos",
		ExpectedDate:  "2024-06-12",
		InvoiceNumber: invoice,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return d
}

func TestReceiveCheckedHasNoDraft(t *testing.T) {
	env := newTestEnv(t)
	d := scheduleDelivery(t, env, "NF-123")
	d, draft, err := env.Engine.ReceiveDelivery(env.Ctx, engine.ReceiveOptions{
		ID:           d.ID,
		Outcome:      domain.DeliveryChecked,
		ReceiverName: "Izaias",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if d.Status != domain.DeliveryChecked || draft != nil {
		t.Fatalf("unexpected result: status=%s draft=%v", d.Status, draft)
	}
	if d.ReceivedAt == nil || d.ReceiverName != "Izaias" {
		t.Fatalf("receipt fields not set")
	}
	// a delivery gets exactly one receipt
	if _, _, err := env.Engine.ReceiveDelivery(env.Ctx, engine.ReceiveOptions{
		ID: d.ID, Outcome: domain.DeliveryArrived, ReceiverName: "Izaias", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected second receipt rejected")
	}
}

func TestReceiveProblemDraft(t *testing.T) {
	env := newTestEnv(t)
	d := scheduleDelivery(t, env, "NF-77")
	d, draft, err := env.Engine.ReceiveDelivery(env.Ctx, engine.ReceiveOptions{
		ID:            d.ID,
		Outcome:       domain.DeliveryProblem,
		ReceiverName:  "Antônio",
		ReceiptPhotos: []string{"receipt.jpg"},
		Notes:         "sacos rasgados",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if draft == nil {
		t.Fatalf("expected issue draft on problem receipt")
	}
	if draft.Title != "Problema no recebimento: Cimento CP-II" {
		t.Fatalf("unexpected draft title: %q", draft.Title)
	}
	if !strings.Contains(draft.Description, "Fornecedor: Votorantim") ||
		!strings.Contains(draft.Description, "Nota: NF-77") ||
		!strings.HasSuffix(draft.Description, "Motivo: ") {
		t.Fatalf("unexpected draft description: %q", draft.Description)
	}
	if draft.Priority != domain.PriorityHigh {
		t.Fatalf("expected high priority draft")
	}
	if draft.Location != "Almoxarifado Central" || draft.RequestedBy != "Almoxarifado" {
		t.Fatalf("unexpected receiving defaults: %s / %s", draft.Location, draft.RequestedBy)
	}
	if draft.Deadline != "2024-06-10" {
		t.Fatalf("expected today as deadline, got %s", draft.Deadline)
	}
	// the receipt never links on its own
	if d.LinkedIssueID != nil {
		t.Fatalf("LinkedIssueID set by receipt")
	}

	iss, err := env.Engine.CreateIssueFromDraft(env.Ctx, d.SiteID, *draft, "Diego", "tester")
	if err != nil {
		t.Fatalf("create from draft: %v", err)
	}
	d, err = env.Engine.LinkDeliveryIssue(env.Ctx, d.ID, iss.ID, "tester")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if d.LinkedIssueID == nil || *d.LinkedIssueID != iss.ID {
		t.Fatalf("link not recorded")
	}
}

func TestReceiveProblemWithoutInvoice(t *testing.T) {
	env := newTestEnv(t)
	d := scheduleDelivery(t, env, "")
	_, draft, err := env.Engine.ReceiveDelivery(env.Ctx, engine.ReceiveOptions{
		ID: d.ID, Outcome: domain.DeliveryProblem, ReceiverName: "Izaias", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !strings.Contains(draft.Description, "Nota: N/A") {
		t.Fatalf("expected N/A invoice placeholder, got %q", draft.Description)
	}
}

func TestReceiveValidation(t *testing.T) {
	env := newTestEnv(t)
	d := scheduleDelivery(t, env, "NF-1")
	if _, _, err := env.Engine.ReceiveDelivery(env.Ctx, engine.ReceiveOptions{
		ID: d.ID, Outcome: domain.DeliveryScheduled, ReceiverName: "Izaias", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected invalid outcome error")
	}
	if _, _, err := env.Engine.ReceiveDelivery(env.Ctx, engine.ReceiveOptions{
		ID: d.ID, Outcome: domain.DeliveryArrived, ReceiverName: "Fulano", ActorID: "tester",
	}); err == nil {
		t.Fatalf("expected unknown receiver error")
	}
	got, _ := env.Engine.Repo.GetDelivery(env.Ctx, d.ID)
	if got.Status != domain.DeliveryScheduled {
		t.Fatalf("delivery mutated by failed receipts: %s", got.Status)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	iss := createIssue(t, env)
	_, _ = env.Engine.StartResolution(env.Ctx, iss.ID, "", "tester", false)
	_, _ = env.Engine.SubmitForApproval(env.Ctx, iss.ID, []string{"p.jpg"}, "tester", false)
	_, _ = env.Engine.ApproveIssue(engCtx(env.Ctx), iss.ID, "engineer", false)
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, iss.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	count := 0
	for rows.Next() {
		count++
	}
	if count < 4 {
		t.Fatalf("expected create/start/submit/approve events, got %d", count)
	}
}

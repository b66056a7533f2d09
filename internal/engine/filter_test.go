package engine_test

import (
	"testing"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

func issue(id string, priority domain.Priority, status domain.IssueStatus, deadline string) domain.Issue {
	return domain.Issue{
		ID:       id,
		Title:    "Pendência " + id,
		Priority: priority,
		Status:   status,
		Assignee: "Diego",
		Deadline: deadline,
	}
}

func ids(issues []domain.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, iss := range issues {
		out = append(out, iss.ID)
	}
	return out
}

func assertOrder(t *testing.T, got []domain.Issue, want ...string) {
	t.Helper()
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		t.Fatalf("got %v, want %v", gotIDs, want)
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("got %v, want %v", gotIDs, want)
		}
	}
}

func TestRankIssuesPriorityThenDeadline(t *testing.T) {
	issues := []domain.Issue{
		issue("a", domain.PriorityLow, domain.IssueOpen, "2024-06-01"),
		issue("b", domain.PriorityHigh, domain.IssueOpen, "2024-06-20"),
		issue("c", domain.PriorityHigh, domain.IssueOpen, "2024-06-10"),
		issue("d", domain.PriorityMedium, domain.IssueOpen, "2024-06-05"),
	}
	engine.RankIssues(issues)
	assertOrder(t, issues, "c", "b", "d", "a")
}

func TestRankIssuesStable(t *testing.T) {
	issues := []domain.Issue{
		issue("first", domain.PriorityHigh, domain.IssueOpen, "2024-06-10"),
		issue("second", domain.PriorityHigh, domain.IssueOpen, "2024-06-10"),
		issue("third", domain.PriorityHigh, domain.IssueOpen, "2024-06-10"),
	}
	engine.RankIssues(issues)
	assertOrder(t, issues, "first", "second", "third")
	// ranking again must not reshuffle
	engine.RankIssues(issues)
	assertOrder(t, issues, "first", "second", "third")
}

func TestFilterIssuesTabs(t *testing.T) {
	issues := []domain.Issue{
		issue("open", domain.PriorityMedium, domain.IssueOpen, "2024-06-10"),
		issue("done", domain.PriorityMedium, domain.IssueDone, "2024-06-10"),
		issue("waiting", domain.PriorityMedium, domain.IssueWaiting, "2024-06-11"),
	}
	active := engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{}, "")
	assertOrder(t, active, "open", "waiting")
	history := engine.FilterIssues(issues, engine.TabHistory, engine.IssueListFilters{}, "")
	assertOrder(t, history, "done")
}

func TestFilterIssuesFields(t *testing.T) {
	a := issue("a", domain.PriorityHigh, domain.IssueOpen, "2024-06-10")
	a.Assignee = "Geraldo"
	b := issue("b", domain.PriorityLow, domain.IssueOpen, "2024-06-30")
	issues := []domain.Issue{a, b}

	got := engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{Priority: "high"}, "")
	assertOrder(t, got, "a")

	// "all" and empty mean no constraint
	got = engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{Priority: engine.FilterAll, Assignee: ""}, "")
	assertOrder(t, got, "a", "b")

	got = engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{Assignee: "Geraldo"}, "")
	assertOrder(t, got, "a")

	// deadline bound is inclusive
	got = engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{DeadlineUntil: "2024-06-10"}, "")
	assertOrder(t, got, "a")
	got = engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{DeadlineUntil: "2024-06-30"}, "")
	assertOrder(t, got, "a", "b")
}

func TestFilterIssuesQuery(t *testing.T) {
	a := issue("a", domain.PriorityMedium, domain.IssueOpen, "2024-06-10")
	a.Location = "Bloco B"
	b := issue("b", domain.PriorityMedium, domain.IssueOpen, "2024-06-11")
	b.RequestedBy = "Geraldo"
	issues := []domain.Issue{a, b}

	got := engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{}, "bloco")
	assertOrder(t, got, "a")
	got = engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{}, "GERALDO")
	assertOrder(t, got, "b")
	got = engine.FilterIssues(issues, engine.TabActive, engine.IssueListFilters{}, "nada disso")
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", ids(got))
	}
}

func TestActiveFilterCounts(t *testing.T) {
	n := engine.ActiveIssueFilterCount(engine.IssueListFilters{
		Status:   engine.FilterAll,
		Priority: "high",
		Assignee: "",
	})
	if n != 1 {
		t.Fatalf("expected 1 active filter, got %d", n)
	}
	dn := engine.ActiveDeliveryFilterCount(engine.DeliveryListFilters{
		Status: "problem",
		Date:   "2024-06-10",
	})
	if dn != 2 {
		t.Fatalf("expected 2 active filters, got %d", dn)
	}
}

func delivery(id string, status domain.DeliveryStatus, expected, invoice string) domain.Delivery {
	return domain.Delivery{
		ID:            id,
		Material:      "Cimento",
		Supplier:      "Votorantim",
		Status:        status,
		ExpectedDate:  expected,
		InvoiceNumber: invoice,
	}
}

func TestFilterDeliveriesOrderAndDate(t *testing.T) {
	deliveries := []domain.Delivery{
		delivery("late", domain.DeliveryScheduled, "2024-06-20", "NF-2"),
		delivery("early", domain.DeliveryScheduled, "2024-06-10T08:00:00Z", "NF-1"),
	}
	got := engine.FilterDeliveries(deliveries, engine.DeliveryListFilters{}, "")
	if got[0].ID != "early" || got[1].ID != "late" {
		t.Fatalf("expected expected-date order, got %s, %s", got[0].ID, got[1].ID)
	}
	// the date filter compares the date portion only
	got = engine.FilterDeliveries(deliveries, engine.DeliveryListFilters{Date: "2024-06-10"}, "")
	if len(got) != 1 || got[0].ID != "early" {
		t.Fatalf("date filter failed: %v", got)
	}
}

func TestFilterDeliveriesInvoice(t *testing.T) {
	deliveries := []domain.Delivery{
		delivery("with", domain.DeliveryScheduled, "2024-06-10", "NF-123"),
		delivery("without", domain.DeliveryScheduled, "2024-06-11", ""),
	}
	got := engine.FilterDeliveries(deliveries, engine.DeliveryListFilters{Invoice: "123"}, "")
	if len(got) != 1 || got[0].ID != "with" {
		t.Fatalf("invoice filter failed: %v", got)
	}
	// a missing invoice never matches a non-empty invoice filter
	got = engine.FilterDeliveries(deliveries, engine.DeliveryListFilters{Invoice: "NF"}, "")
	if len(got) != 1 || got[0].ID != "with" {
		t.Fatalf("missing invoice matched: %v", got)
	}
	got = engine.FilterDeliveries(deliveries, engine.DeliveryListFilters{}, "votorantim")
	if len(got) != 2 {
		t.Fatalf("query over supplier failed: %v", got)
	}
}

func TestApprovalQueue(t *testing.T) {
	w1 := issue("w1", domain.PriorityHigh, domain.IssueWaiting, "2024-06-10")
	w1.Location = "Bloco A"
	w2 := issue("w2", domain.PriorityLow, domain.IssueWaiting, "2024-06-11")
	w2.Description = "bloco" // queue query must not search description
	open := issue("open", domain.PriorityHigh, domain.IssueOpen, "2024-06-09")
	issues := []domain.Issue{w2, w1, open}

	got := engine.ApprovalQueue(issues, "")
	assertOrder(t, got, "w1", "w2")
	got = engine.ApprovalQueue(issues, "bloco")
	assertOrder(t, got, "w1")
}

func TestIsOverdue(t *testing.T) {
	today := "2024-06-10"
	past := issue("past", domain.PriorityMedium, domain.IssueOpen, "2024-06-09")
	if !engine.IsOverdue(past, today) {
		t.Fatalf("expected overdue")
	}
	sameDay := issue("same", domain.PriorityMedium, domain.IssueOpen, "2024-06-10")
	if engine.IsOverdue(sameDay, today) {
		t.Fatalf("same-day deadline is not overdue")
	}
	doneLate := issue("done", domain.PriorityMedium, domain.IssueDone, "2024-06-01")
	if engine.IsOverdue(doneLate, today) {
		t.Fatalf("done issues are never overdue")
	}
}

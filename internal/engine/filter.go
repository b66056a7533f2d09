package engine

import (
	"sort"
	"strings"

	"fieldline/internal/domain"
)

// Tabs for the issue board.
const (
	TabActive  = "active"
	TabHistory = "history"
)

// FilterAll is the "no constraint" value for a filter field.
const FilterAll = "all"

// IssueListFilters are the field filters of the issue board. A field set to
// "all" or left empty applies no constraint. DeadlineUntil is an inclusive
// upper bound.
type IssueListFilters struct {
	Status        string
	Priority      string
	Assignee      string
	DeadlineUntil string
}

// DeliveryListFilters are the field filters of the delivery board.
type DeliveryListFilters struct {
	Status   string
	Date     string
	Material string
	Invoice  string
}

func filterSet(v string) bool {
	return v != "" && v != FilterAll
}

// ActiveIssueFilterCount counts issue filter fields holding a constraint.
func ActiveIssueFilterCount(f IssueListFilters) int {
	n := 0
	for _, v := range []string{f.Status, f.Priority, f.Assignee, f.DeadlineUntil} {
		if filterSet(v) {
			n++
		}
	}
	return n
}

// ActiveDeliveryFilterCount counts delivery filter fields holding a constraint.
func ActiveDeliveryFilterCount(f DeliveryListFilters) int {
	n := 0
	for _, v := range []string{f.Status, f.Date, f.Material, f.Invoice} {
		if filterSet(v) {
			n++
		}
	}
	return n
}

// FilterIssues selects and ranks the visible issues. The result is always in
// the default order: priority descending, then deadline ascending, stable.
func FilterIssues(issues []domain.Issue, tab string, f IssueListFilters, query string) []domain.Issue {
	q := strings.ToLower(strings.TrimSpace(query))
	var res []domain.Issue
	for _, iss := range issues {
		switch tab {
		case TabActive:
			if iss.Status == domain.IssueDone {
				continue
			}
		case TabHistory:
			if iss.Status != domain.IssueDone {
				continue
			}
		}
		if filterSet(f.Status) && string(iss.Status) != f.Status {
			continue
		}
		if filterSet(f.Priority) && string(iss.Priority) != f.Priority {
			continue
		}
		if filterSet(f.Assignee) && iss.Assignee != f.Assignee {
			continue
		}
		if filterSet(f.DeadlineUntil) && iss.Deadline > f.DeadlineUntil {
			continue
		}
		if q != "" && !issueMatches(iss, q) {
			continue
		}
		res = append(res, iss)
	}
	RankIssues(res)
	return res
}

func issueMatches(iss domain.Issue, q string) bool {
	for _, field := range []string{iss.Title, iss.Description, iss.Location, iss.RequestedBy, iss.Assignee} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// RankIssues sorts in place by priority descending then deadline ascending.
// The sort is stable: equal keys keep their input order.
func RankIssues(issues []domain.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Priority.Rank() != issues[j].Priority.Rank() {
			return issues[i].Priority.Rank() > issues[j].Priority.Rank()
		}
		return issues[i].Deadline < issues[j].Deadline
	})
}

// FilterDeliveries selects the visible deliveries, ordered by expected date
// ascending, stable.
func FilterDeliveries(deliveries []domain.Delivery, f DeliveryListFilters, query string) []domain.Delivery {
	q := strings.ToLower(strings.TrimSpace(query))
	var res []domain.Delivery
	for _, d := range deliveries {
		if filterSet(f.Status) && string(d.Status) != f.Status {
			continue
		}
		if filterSet(f.Date) && datePortion(d.ExpectedDate) != f.Date {
			continue
		}
		if filterSet(f.Material) && !strings.Contains(strings.ToLower(d.Material), strings.ToLower(f.Material)) {
			continue
		}
		if filterSet(f.Invoice) {
			// A delivery without an invoice never matches an invoice filter.
			if d.InvoiceNumber == "" || !strings.Contains(strings.ToLower(d.InvoiceNumber), strings.ToLower(f.Invoice)) {
				continue
			}
		}
		if q != "" && !deliveryMatches(d, q) {
			continue
		}
		res = append(res, d)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].ExpectedDate < res[j].ExpectedDate
	})
	return res
}

func deliveryMatches(d domain.Delivery, q string) bool {
	for _, field := range []string{d.Material, d.Supplier, d.InvoiceNumber} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}

// ApprovalQueue selects the issues awaiting engineering sign-off. The query
// searches title, assignee and location only.
func ApprovalQueue(issues []domain.Issue, query string) []domain.Issue {
	q := strings.ToLower(strings.TrimSpace(query))
	var res []domain.Issue
	for _, iss := range issues {
		if iss.Status != domain.IssueWaiting {
			continue
		}
		if q != "" {
			hit := false
			for _, field := range []string{iss.Title, iss.Assignee, iss.Location} {
				if strings.Contains(strings.ToLower(field), q) {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
		}
		res = append(res, iss)
	}
	RankIssues(res)
	return res
}

// IsOverdue is derived on read: deadline strictly before today and not done.
func IsOverdue(iss domain.Issue, today string) bool {
	if iss.Status == domain.IssueDone {
		return false
	}
	return iss.Deadline != "" && iss.Deadline < today
}

// PendingApprovalCount is derived on read from the canonical records.
func PendingApprovalCount(issues []domain.Issue) int {
	n := 0
	for _, iss := range issues {
		if iss.Status == domain.IssueWaiting {
			n++
		}
	}
	return n
}

func datePortion(v string) string {
	if len(v) >= len(dateOnly) {
		return v[:len(dateOnly)]
	}
	return v
}

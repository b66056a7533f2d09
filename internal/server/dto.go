package server

import (
	"encoding/json"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
)

// Request payloads

type CreateIssueRequest struct {
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high"`
	Location    string   `json:"location"`
	RequestedBy string   `json:"requested_by"`
	Assignee    string   `json:"assignee"`
	Deadline    string   `json:"deadline" format:"date"`
	Photos      []string `json:"photos,omitempty"`
}

type UpdateIssueRequest struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high"`
	Location    *string  `json:"location,omitempty"`
	Assignee    *string  `json:"assignee,omitempty"`
	Deadline    *string  `json:"deadline,omitempty" format:"date"`
	Photos      []string `json:"photos,omitempty"`
}

type StartIssueRequest struct {
	Assignee *string `json:"assignee,omitempty"`
}

type SubmitIssueRequest struct {
	CompletionPhotos []string `json:"completion_photos"`
}

type RejectIssueRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type CreateDeliveryRequest struct {
	Material      string  `json:"material"`
	Supplier      string  `json:"supplier"`
	Quantity      float64 `json:"quantity" minimum:"0"`
	Unit          string  `json:"unit"`
	ExpectedDate  string  `json:"expected_date"`
	InvoiceNumber *string `json:"invoice_number,omitempty"`
}

type ReceiveDeliveryRequest struct {
	Outcome       string   `json:"outcome" enum:"arrived,checked,problem"`
	ReceiverName  string   `json:"receiver_name"`
	Signature     *string  `json:"signature,omitempty"`
	ReceiptPhotos []string `json:"receipt_photos,omitempty"`
	Notes         *string  `json:"notes,omitempty"`
}

type LinkDeliveryRequest struct {
	IssueID string `json:"issue_id"`
}

type AssistDescribeRequest struct {
	Title    string  `json:"title"`
	Location *string `json:"location,omitempty"`
	Priority *string `json:"priority,omitempty" enum:"low,medium,high"`
}

type EngineeringLoginRequest struct {
	Password string  `json:"password"`
	ActorID  *string `json:"actor_id,omitempty"`
}

type EngineeringLoginResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
}

// Response payloads

type IssueResponse struct {
	ID               string   `json:"id"`
	SiteID           string   `json:"site_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority" enum:"low,medium,high"`
	PriorityLabel    string   `json:"priority_label"`
	Status           string   `json:"status" enum:"open,in_progress,waiting_approval,done,rejected"`
	StatusLabel      string   `json:"status_label"`
	Location         string   `json:"location"`
	RequestedBy      string   `json:"requested_by"`
	Assignee         string   `json:"assignee"`
	Deadline         string   `json:"deadline" format:"date"`
	Overdue          bool     `json:"overdue"`
	Photos           []string `json:"photos"`
	CompletionPhotos []string `json:"completion_photos"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

type DeliveryResponse struct {
	ID            string   `json:"id"`
	SiteID        string   `json:"site_id"`
	Material      string   `json:"material"`
	Supplier      string   `json:"supplier"`
	Quantity      float64  `json:"quantity"`
	Unit          string   `json:"unit"`
	ExpectedDate  string   `json:"expected_date"`
	InvoiceNumber string   `json:"invoice_number,omitempty"`
	Status        string   `json:"status" enum:"scheduled,arrived,checked,problem"`
	StatusLabel   string   `json:"status_label"`
	ReceivedAt    *string  `json:"received_at,omitempty" format:"date-time"`
	ReceiverName  string   `json:"receiver_name,omitempty"`
	Signature     *string  `json:"signature,omitempty"`
	ReceiptPhotos []string `json:"receipt_photos"`
	Notes         string   `json:"notes,omitempty"`
	LinkedIssueID *string  `json:"linked_issue_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

type IssueDraftResponse struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority" enum:"low,medium,high"`
	Location    string   `json:"location"`
	RequestedBy string   `json:"requested_by"`
	Deadline    string   `json:"deadline" format:"date"`
	Photos      []string `json:"photos"`
}

// ReceiveDeliveryResponse carries the received delivery and, for a problem
// outcome, the unpersisted issue draft the caller may turn into an issue.
type ReceiveDeliveryResponse struct {
	Delivery   DeliveryResponse    `json:"delivery"`
	IssueDraft *IssueDraftResponse `json:"issue_draft,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type SiteStatusResponse struct {
	SiteID          string         `json:"site_id"`
	Name            string         `json:"name"`
	IssueCounts     map[string]int `json:"issue_counts"`
	PendingApproval int            `json:"pending_approval"`
	OverdueIssues   int            `json:"overdue_issues"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func issueResponse(iss domain.Issue, today string) IssueResponse {
	return IssueResponse{
		ID:               iss.ID,
		SiteID:           iss.SiteID,
		Title:            iss.Title,
		Description:      iss.Description,
		Priority:         string(iss.Priority),
		PriorityLabel:    iss.Priority.Label(),
		Status:           string(iss.Status),
		StatusLabel:      iss.Status.Label(),
		Location:         iss.Location,
		RequestedBy:      iss.RequestedBy,
		Assignee:         iss.Assignee,
		Deadline:         iss.Deadline,
		Overdue:          engine.IsOverdue(iss, today),
		Photos:           nonNilSlice(iss.Photos),
		CompletionPhotos: nonNilSlice(iss.CompletionPhotos),
		RejectionReason:  iss.RejectionReason,
		CreatedAt:        iss.CreatedAt,
		UpdatedAt:        iss.UpdatedAt,
	}
}

func mapIssues(issues []domain.Issue, today string) []IssueResponse {
	res := make([]IssueResponse, 0, len(issues))
	for _, iss := range issues {
		res = append(res, issueResponse(iss, today))
	}
	return res
}

func deliveryResponse(d domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		ID:            d.ID,
		SiteID:        d.SiteID,
		Material:      d.Material,
		Supplier:      d.Supplier,
		Quantity:      d.Quantity,
		Unit:          d.Unit,
		ExpectedDate:  d.ExpectedDate,
		InvoiceNumber: d.InvoiceNumber,
		Status:        string(d.Status),
		StatusLabel:   d.Status.Label(),
		ReceivedAt:    d.ReceivedAt,
		ReceiverName:  d.ReceiverName,
		Signature:     d.Signature,
		ReceiptPhotos: nonNilSlice(d.ReceiptPhotos),
		Notes:         d.Notes,
		LinkedIssueID: d.LinkedIssueID,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func mapDeliveries(deliveries []domain.Delivery) []DeliveryResponse {
	res := make([]DeliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		res = append(res, deliveryResponse(d))
	}
	return res
}

func draftResponse(draft *domain.IssueDraft) *IssueDraftResponse {
	if draft == nil {
		return nil
	}
	return &IssueDraftResponse{
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    string(draft.Priority),
		Location:    draft.Location,
		RequestedBy: draft.RequestedBy,
		Deadline:    draft.Deadline,
		Photos:      nonNilSlice(draft.Photos),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SiteID:     e.SiteID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}

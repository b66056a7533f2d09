package domain

// Priority orders issues for display and triage.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Rank returns the sort weight: high outranks medium outranks low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Label returns the display label used by the site crew.
func (p Priority) Label() string {
	switch p {
	case PriorityLow:
		return "Baixa"
	case PriorityMedium:
		return "Média"
	case PriorityHigh:
		return "Alta"
	}
	return string(p)
}

// IssueStatus is the issue workflow state.
type IssueStatus string

const (
	IssueOpen       IssueStatus = "open"
	IssueInProgress IssueStatus = "in_progress"
	IssueWaiting    IssueStatus = "waiting_approval"
	IssueDone       IssueStatus = "done"
	IssueRejected   IssueStatus = "rejected"
)

func (s IssueStatus) Valid() bool {
	switch s {
	case IssueOpen, IssueInProgress, IssueWaiting, IssueDone, IssueRejected:
		return true
	}
	return false
}

func (s IssueStatus) Label() string {
	switch s {
	case IssueOpen:
		return "Aberto"
	case IssueInProgress:
		return "Em Resolução"
	case IssueWaiting:
		return "Aguardando Aprovação"
	case IssueDone:
		return "Resolvido"
	case IssueRejected:
		return "Reaberto"
	}
	return string(s)
}

// DeliveryStatus is scheduled until receipt, then exactly one receipt outcome.
type DeliveryStatus string

const (
	DeliveryScheduled DeliveryStatus = "scheduled"
	DeliveryArrived   DeliveryStatus = "arrived"
	DeliveryChecked   DeliveryStatus = "checked"
	DeliveryProblem   DeliveryStatus = "problem"
)

func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryScheduled, DeliveryArrived, DeliveryChecked, DeliveryProblem:
		return true
	}
	return false
}

// ReceiptOutcome reports whether s can be the result of a receipt. Scheduled
// is the pre-receipt state, never an outcome.
func (s DeliveryStatus) ReceiptOutcome() bool {
	switch s {
	case DeliveryArrived, DeliveryChecked, DeliveryProblem:
		return true
	case DeliveryScheduled:
		return false
	}
	return false
}

func (s DeliveryStatus) Label() string {
	switch s {
	case DeliveryScheduled:
		return "Agendada"
	case DeliveryArrived:
		return "Chegou"
	case DeliveryChecked:
		return "Conferido e OK"
	case DeliveryProblem:
		return "Problema / Não Conformidade"
	}
	return string(s)
}

type Issue struct {
	ID               string      `json:"id"`
	SiteID           string      `json:"site_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	Priority         Priority    `json:"priority" enum:"low,medium,high"`
	Status           IssueStatus `json:"status" enum:"open,in_progress,waiting_approval,done,rejected"`
	Location         string      `json:"location"`
	RequestedBy      string      `json:"requested_by"`
	Assignee         string      `json:"assignee"`
	Deadline         string      `json:"deadline" format:"date"`
	Photos           []string    `json:"photos,omitempty"`
	CompletionPhotos []string    `json:"completion_photos,omitempty"`
	RejectionReason  string      `json:"rejection_reason,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
}

type Delivery struct {
	ID            string         `json:"id"`
	SiteID        string         `json:"site_id"`
	Material      string         `json:"material"`
	Supplier      string         `json:"supplier"`
	Quantity      float64        `json:"quantity"`
	Unit          string         `json:"unit"`
	ExpectedDate  string         `json:"expected_date" format:"date-time"`
	InvoiceNumber string         `json:"invoice_number,omitempty"`
	Status        DeliveryStatus `json:"status" enum:"scheduled,arrived,checked,problem"`
	ReceivedAt    *string        `json:"received_at,omitempty" format:"date-time"`
	ReceiverName  string         `json:"receiver_name,omitempty"`
	Signature     *string        `json:"signature,omitempty"`
	ReceiptPhotos []string       `json:"receipt_photos,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	LinkedIssueID *string        `json:"linked_issue_id,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

// IssueDraft is the unpersisted issue intent produced when a delivery is
// received with a problem outcome. The caller decides whether to create it.
type IssueDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Location    string   `json:"location"`
	RequestedBy string   `json:"requested_by"`
	Deadline    string   `json:"deadline" format:"date"`
	Photos      []string `json:"photos,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type GateSession struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	IssuedAt  string `json:"issued_at" format:"date-time"`
	RevokedAt string `json:"revoked_at,omitempty" format:"date-time"`
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine/gate"
	"fieldline/internal/events"
	"fieldline/internal/repo"
)

const dateOnly = "2006-01-02"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) today() string {
	return e.now().UTC().Format(dateOnly)
}

// InitSite creates the site row and seeds its rosters from config.
func (e Engine) InitSite(ctx context.Context, siteID, name, actorID string) (repo.Site, error) {
	if e.Config == nil {
		return repo.Site{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.Site{}, err
	}
	defer tx.Rollback()

	s := repo.Site{
		ID:        siteID,
		Name:      name,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,name,created_at) VALUES (?,?,?)`,
		s.ID, s.Name, s.CreatedAt); err != nil {
		return repo.Site{}, fmt.Errorf("insert site: %w", err)
	}
	for _, name := range e.Config.Rosters.Requesters {
		if err := e.Repo.AddRosterMember(ctx, tx, s.ID, repo.RosterRequester, name); err != nil {
			return repo.Site{}, err
		}
	}
	for _, name := range e.Config.Rosters.Receivers {
		if err := e.Repo.AddRosterMember(ctx, tx, s.ID, repo.RosterReceiver, name); err != nil {
			return repo.Site{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "site.init", s.ID, "site", s.ID, actorID, events.EventPayload{"name": s.Name}); err != nil {
		return repo.Site{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.Site{}, err
	}
	return s, nil
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	SiteID      string
	Title       string
	Description string
	Priority    domain.Priority
	Location    string
	RequestedBy string
	Assignee    string
	Deadline    string
	Photos      []string
	ActorID     string
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	if opts.SiteID == "" {
		return domain.Issue{}, errors.New("site is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	if strings.TrimSpace(opts.Location) == "" {
		return domain.Issue{}, errors.New("location is required")
	}
	if strings.TrimSpace(opts.RequestedBy) == "" {
		return domain.Issue{}, errors.New("requested-by is required")
	}
	if strings.TrimSpace(opts.Assignee) == "" {
		return domain.Issue{}, errors.New("assignee is required")
	}
	if opts.Deadline == "" {
		return domain.Issue{}, errors.New("deadline is required")
	}
	if _, err := time.Parse(dateOnly, opts.Deadline); err != nil {
		return domain.Issue{}, fmt.Errorf("invalid deadline %s: expected YYYY-MM-DD", opts.Deadline)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Issue{}, fmt.Errorf("invalid priority %s", opts.Priority)
	}
	if _, err := e.Repo.GetSite(ctx, opts.SiteID); err != nil {
		return domain.Issue{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	iss := domain.Issue{
		ID:          uuid.NewString(),
		SiteID:      opts.SiteID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    opts.Priority,
		Status:      domain.IssueOpen,
		Location:    opts.Location,
		RequestedBy: opts.RequestedBy,
		Assignee:    opts.Assignee,
		Deadline:    opts.Deadline,
		Photos:      opts.Photos,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.IsRosterMember(ctx, tx, iss.SiteID, repo.RosterRequester, iss.RequestedBy)
	if err != nil {
		return domain.Issue{}, err
	}
	if !ok {
		return domain.Issue{}, fmt.Errorf("requested-by %s is not a recognized requester", iss.RequestedBy)
	}
	if err := e.Repo.InsertIssue(ctx, tx, iss); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.created", iss.SiteID, "issue", iss.ID, opts.ActorID, events.EventPayload{
		"title":    iss.Title,
		"priority": string(iss.Priority),
		"status":   string(iss.Status),
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return iss, nil
}

// IssueUpdateOptions encapsulates edits allowed before resolution starts.
type IssueUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Priority    *domain.Priority
	Location    *string
	Assignee    *string
	Deadline    *string
	Photos      []string
	ActorID     string
}

func (e Engine) UpdateIssue(ctx context.Context, opts IssueUpdateOptions) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	iss, err := e.Repo.GetIssueTx(ctx, tx, opts.ID)
	if err != nil {
		return iss, err
	}
	if iss.Status != domain.IssueOpen && iss.Status != domain.IssueRejected {
		return iss, fmt.Errorf("issue %s cannot be edited in status %s", iss.ID, iss.Status)
	}
	if opts.Title != nil {
		if strings.TrimSpace(*opts.Title) == "" {
			return iss, errors.New("title is required")
		}
		iss.Title = *opts.Title
	}
	if opts.Description != nil {
		iss.Description = *opts.Description
	}
	if opts.Priority != nil {
		if !opts.Priority.Valid() {
			return iss, fmt.Errorf("invalid priority %s", *opts.Priority)
		}
		iss.Priority = *opts.Priority
	}
	if opts.Location != nil {
		if strings.TrimSpace(*opts.Location) == "" {
			return iss, errors.New("location is required")
		}
		iss.Location = *opts.Location
	}
	if opts.Assignee != nil {
		if strings.TrimSpace(*opts.Assignee) == "" {
			return iss, errors.New("assignee is required")
		}
		iss.Assignee = *opts.Assignee
	}
	if opts.Deadline != nil {
		if _, err := time.Parse(dateOnly, *opts.Deadline); err != nil {
			return iss, fmt.Errorf("invalid deadline %s: expected YYYY-MM-DD", *opts.Deadline)
		}
		iss.Deadline = *opts.Deadline
	}
	if opts.Photos != nil {
		iss.Photos = opts.Photos
	}
	iss.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssue(ctx, tx, iss); err != nil {
		return iss, err
	}
	if err := e.Events.Append(ctx, tx, "issue.updated", iss.SiteID, "issue", iss.ID, opts.ActorID, events.EventPayload{
		"status": string(iss.Status),
	}); err != nil {
		return iss, err
	}
	if err := tx.Commit(); err != nil {
		return iss, err
	}
	return iss, nil
}

// ensureIssueTransition validates an edge of the issue workflow. Done is
// terminal; only open and rejected issues can (re)start resolution.
func ensureIssueTransition(oldStatus, newStatus domain.IssueStatus, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case domain.IssueOpen:
		if newStatus == domain.IssueInProgress {
			return nil
		}
	case domain.IssueInProgress:
		if newStatus == domain.IssueWaiting {
			return nil
		}
	case domain.IssueWaiting:
		if newStatus == domain.IssueDone || newStatus == domain.IssueRejected {
			return nil
		}
	case domain.IssueRejected:
		if newStatus == domain.IssueInProgress {
			return nil
		}
	case domain.IssueDone:
		// terminal
	}
	return fmt.Errorf("invalid issue status transition %s -> %s", oldStatus, newStatus)
}

// StartResolution moves an open or rejected issue into in_progress. The
// rejection reason from an earlier rejection is kept on the record and is
// only meaningful while the status is rejected.
func (e Engine) StartResolution(ctx context.Context, id, assignee, actorID string, force bool) (domain.Issue, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	iss, err := e.Repo.GetIssueTx(ctx, tx, id)
	if err != nil {
		return iss, err
	}
	if err := ensureIssueTransition(iss.Status, domain.IssueInProgress, force); err != nil {
		return iss, err
	}
	from := iss.Status
	iss.Status = domain.IssueInProgress
	if strings.TrimSpace(assignee) != "" {
		iss.Assignee = assignee
	}
	iss.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssue(ctx, tx, iss); err != nil {
		return iss, err
	}
	if err := e.Events.Append(ctx, tx, "issue.started", iss.SiteID, "issue", iss.ID, actorID, events.EventPayload{
		"from_status": string(from),
		"to_status":   string(iss.Status),
	}); err != nil {
		return iss, err
	}
	if err := tx.Commit(); err != nil {
		return iss, err
	}
	return iss, nil
}

// SubmitForApproval moves an in-progress issue to waiting_approval. At least
// one completion photo is required as solution evidence.
func (e Engine) SubmitForApproval(ctx context.Context, id string, completionPhotos []string, actorID string, force bool) (domain.Issue, error) {
	if len(completionPhotos) == 0 {
		return domain.Issue{}, errors.New("at least one completion photo is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	iss, err := e.Repo.GetIssueTx(ctx, tx, id)
	if err != nil {
		return iss, err
	}
	if err := ensureIssueTransition(iss.Status, domain.IssueWaiting, force); err != nil {
		return iss, err
	}
	iss.Status = domain.IssueWaiting
	iss.CompletionPhotos = completionPhotos
	iss.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssue(ctx, tx, iss); err != nil {
		return iss, err
	}
	if err := e.Events.Append(ctx, tx, "issue.submitted", iss.SiteID, "issue", iss.ID, actorID, events.EventPayload{
		"completion_photos": len(completionPhotos),
	}); err != nil {
		return iss, err
	}
	if err := tx.Commit(); err != nil {
		return iss, err
	}
	return iss, nil
}

// ApproveIssue finishes a waiting issue. The caller must hold the
// engineering capability.
func (e Engine) ApproveIssue(ctx context.Context, id, actorID string, force bool) (domain.Issue, error) {
	if err := gate.EnsureEngineering(ctx); err != nil {
		return domain.Issue{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	iss, err := e.Repo.GetIssueTx(ctx, tx, id)
	if err != nil {
		return iss, err
	}
	if err := ensureIssueTransition(iss.Status, domain.IssueDone, force); err != nil {
		return iss, err
	}
	iss.Status = domain.IssueDone
	iss.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssue(ctx, tx, iss); err != nil {
		return iss, err
	}
	if err := e.Events.Append(ctx, tx, "issue.approved", iss.SiteID, "issue", iss.ID, actorID, events.EventPayload{}); err != nil {
		return iss, err
	}
	if err := tx.Commit(); err != nil {
		return iss, err
	}
	return iss, nil
}

// defaultRejectionReason is recorded when engineering rejects without a reason.
const defaultRejectionReason = "Motivo não informado"

// RejectIssue sends a waiting issue back to the field. The caller must hold
// the engineering capability; a blank reason gets the fixed placeholder.
func (e Engine) RejectIssue(ctx context.Context, id, reason, actorID string, force bool) (domain.Issue, error) {
	if err := gate.EnsureEngineering(ctx); err != nil {
		return domain.Issue{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultRejectionReason
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	iss, err := e.Repo.GetIssueTx(ctx, tx, id)
	if err != nil {
		return iss, err
	}
	if err := ensureIssueTransition(iss.Status, domain.IssueRejected, force); err != nil {
		return iss, err
	}
	iss.Status = domain.IssueRejected
	iss.RejectionReason = reason
	iss.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssue(ctx, tx, iss); err != nil {
		return iss, err
	}
	if err := e.Events.Append(ctx, tx, "issue.rejected", iss.SiteID, "issue", iss.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return iss, err
	}
	if err := tx.Commit(); err != nil {
		return iss, err
	}
	return iss, nil
}

// DeliveryCreateOptions are parameters for scheduling a delivery.
type DeliveryCreateOptions struct {
	SiteID        string
	Material      string
	Supplier      string
	Quantity      float64
	Unit          string
	ExpectedDate  string
	InvoiceNumber string
	ActorID       string
}

func (e Engine) ScheduleDelivery(ctx context.Context, opts DeliveryCreateOptions) (domain.Delivery, error) {
	if e.Config == nil {
		return domain.Delivery{}, errors.New("config not loaded")
	}
	if opts.SiteID == "" {
		return domain.Delivery{}, errors.New("site is required")
	}
	if strings.TrimSpace(opts.Material) == "" {
		return domain.Delivery{}, errors.New("material is required")
	}
	if strings.TrimSpace(opts.Supplier) == "" {
		return domain.Delivery{}, errors.New("supplier is required")
	}
	if opts.Quantity <= 0 {
		return domain.Delivery{}, errors.New("quantity must be positive")
	}
	if strings.TrimSpace(opts.Unit) == "" {
		return domain.Delivery{}, errors.New("unit is required")
	}
	if opts.ExpectedDate == "" {
		return domain.Delivery{}, errors.New("expected-date is required")
	}
	if _, err := parseDateOrDateTime(opts.ExpectedDate); err != nil {
		return domain.Delivery{}, fmt.Errorf("invalid expected-date %s: %w", opts.ExpectedDate, err)
	}
	if _, err := e.Repo.GetSite(ctx, opts.SiteID); err != nil {
		return domain.Delivery{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	d := domain.Delivery{
		ID:            uuid.NewString(),
		SiteID:        opts.SiteID,
		Material:      opts.Material,
		Supplier:      opts.Supplier,
		Quantity:      opts.Quantity,
		Unit:          opts.Unit,
		ExpectedDate:  opts.ExpectedDate,
		InvoiceNumber: opts.InvoiceNumber,
		Status:        domain.DeliveryScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Delivery{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertDelivery(ctx, tx, d); err != nil {
		return domain.Delivery{}, err
	}
	if err := e.Events.Append(ctx, tx, "delivery.scheduled", d.SiteID, "delivery", d.ID, opts.ActorID, events.EventPayload{
		"material":      d.Material,
		"supplier":      d.Supplier,
		"expected_date": d.ExpectedDate,
	}); err != nil {
		return domain.Delivery{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Delivery{}, err
	}
	return d, nil
}

// ReceiveOptions describe a single atomic receipt.
type ReceiveOptions struct {
	ID            string
	Outcome       domain.DeliveryStatus
	ReceiverName  string
	Signature     *string
	ReceiptPhotos []string
	Notes         string
	ActorID       string
}

// ReceiveDelivery applies the one receipt transition a delivery gets. On a
// problem outcome it also returns an unpersisted issue draft; creating that
// issue, and linking it back, is the caller's call. LinkedIssueID is never
// touched here.
func (e Engine) ReceiveDelivery(ctx context.Context, opts ReceiveOptions) (domain.Delivery, *domain.IssueDraft, error) {
	if e.Config == nil {
		return domain.Delivery{}, nil, errors.New("config not loaded")
	}
	if !opts.Outcome.ReceiptOutcome() {
		return domain.Delivery{}, nil, fmt.Errorf("invalid receipt outcome %s", opts.Outcome)
	}
	if strings.TrimSpace(opts.ReceiverName) == "" {
		return domain.Delivery{}, nil, errors.New("receiver-name is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Delivery{}, nil, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeliveryTx(ctx, tx, opts.ID)
	if err != nil {
		return d, nil, err
	}
	if d.Status != domain.DeliveryScheduled {
		return d, nil, fmt.Errorf("invalid delivery status transition %s -> %s", d.Status, opts.Outcome)
	}
	ok, err := e.Repo.IsRosterMember(ctx, tx, d.SiteID, repo.RosterReceiver, opts.ReceiverName)
	if err != nil {
		return d, nil, err
	}
	if !ok {
		return d, nil, fmt.Errorf("receiver-name %s is not a recognized receiver", opts.ReceiverName)
	}

	receivedAt := e.now().UTC().Format(time.RFC3339)
	d.Status = opts.Outcome
	d.ReceivedAt = &receivedAt
	d.ReceiverName = opts.ReceiverName
	d.Signature = opts.Signature
	d.ReceiptPhotos = opts.ReceiptPhotos
	d.Notes = opts.Notes
	d.UpdatedAt = receivedAt
	if err := e.Repo.UpdateDelivery(ctx, tx, d); err != nil {
		return d, nil, err
	}
	if err := e.Events.Append(ctx, tx, "delivery.received", d.SiteID, "delivery", d.ID, opts.ActorID, events.EventPayload{
		"outcome":  string(d.Status),
		"receiver": d.ReceiverName,
	}); err != nil {
		return d, nil, err
	}
	if err := tx.Commit(); err != nil {
		return d, nil, err
	}

	var draft *domain.IssueDraft
	if d.Status == domain.DeliveryProblem {
		draft = e.draftFromProblem(d)
	}
	return d, draft, nil
}

// draftFromProblem builds the nonconformity issue intent for a problem
// receipt. The description keeps a blank slot for the detail the warehouse
// fills in before creating the issue.
func (e Engine) draftFromProblem(d domain.Delivery) *domain.IssueDraft {
	invoice := d.InvoiceNumber
	if invoice == "" {
		invoice = "N/A"
	}
	return &domain.IssueDraft{
		Title: fmt.Sprintf("Problema no recebimento: %s", d.Material),
		Description: fmt.Sprintf("Recebimento com não conformidade.\nFornecedor: %s\nNota: %s\nMotivo: ",
			d.Supplier, invoice),
		Priority:    domain.PriorityHigh,
		Location:    e.Config.Receiving.Location,
		RequestedBy: e.Config.Receiving.RequestedBy,
		Deadline:    e.today(),
		Photos:      d.ReceiptPhotos,
	}
}

// CreateIssueFromDraft persists a draft produced by a problem receipt.
func (e Engine) CreateIssueFromDraft(ctx context.Context, siteID string, draft domain.IssueDraft, assignee, actorID string) (domain.Issue, error) {
	return e.CreateIssue(ctx, IssueCreateOptions{
		SiteID:      siteID,
		Title:       draft.Title,
		Description: draft.Description,
		Priority:    draft.Priority,
		Location:    draft.Location,
		RequestedBy: draft.RequestedBy,
		Assignee:    assignee,
		Deadline:    draft.Deadline,
		Photos:      draft.Photos,
		ActorID:     actorID,
	})
}

// LinkDeliveryIssue wires the weak back-reference from a delivery to the
// issue its problem receipt spawned. The receiving engine never sets this on
// its own.
func (e Engine) LinkDeliveryIssue(ctx context.Context, deliveryID, issueID, actorID string) (domain.Delivery, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Delivery{}, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDeliveryTx(ctx, tx, deliveryID)
	if err != nil {
		return d, err
	}
	if _, err := e.Repo.GetIssueTx(ctx, tx, issueID); err != nil {
		return d, fmt.Errorf("issue %s: %w", issueID, err)
	}
	d.LinkedIssueID = &issueID
	d.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateDelivery(ctx, tx, d); err != nil {
		return d, err
	}
	if err := e.Events.Append(ctx, tx, "delivery.linked", d.SiteID, "delivery", d.ID, actorID, events.EventPayload{
		"issue_id": issueID,
	}); err != nil {
		return d, err
	}
	if err := tx.Commit(); err != nil {
		return d, err
	}
	return d, nil
}

func parseDateOrDateTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse(dateOnly, v); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("expected YYYY-MM-DD or RFC 3339")
}

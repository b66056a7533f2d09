package fieldlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldline HTTP API client.
type Client struct {
	BaseURL     string
	SiteID      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, siteID string) *Client {
	return &Client{
		BaseURL: baseURL,
		SiteID:  siteID,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID               string   `json:"id"`
	SiteID           string   `json:"site_id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Priority         string   `json:"priority"`
	PriorityLabel    string   `json:"priority_label"`
	Status           string   `json:"status"`
	StatusLabel      string   `json:"status_label"`
	Location         string   `json:"location"`
	RequestedBy      string   `json:"requested_by"`
	Assignee         string   `json:"assignee"`
	Deadline         string   `json:"deadline"`
	Overdue          bool     `json:"overdue"`
	Photos           []string `json:"photos"`
	CompletionPhotos []string `json:"completion_photos"`
	RejectionReason  string   `json:"rejection_reason,omitempty"`
	CreatedAt        string   `json:"created_at"`
	UpdatedAt        string   `json:"updated_at"`
}

// Delivery represents the API delivery model.
type Delivery struct {
	ID            string   `json:"id"`
	SiteID        string   `json:"site_id"`
	Material      string   `json:"material"`
	Supplier      string   `json:"supplier"`
	Quantity      float64  `json:"quantity"`
	Unit          string   `json:"unit"`
	ExpectedDate  string   `json:"expected_date"`
	InvoiceNumber string   `json:"invoice_number,omitempty"`
	Status        string   `json:"status"`
	StatusLabel   string   `json:"status_label"`
	ReceivedAt    *string  `json:"received_at,omitempty"`
	ReceiverName  string   `json:"receiver_name,omitempty"`
	ReceiptPhotos []string `json:"receipt_photos"`
	Notes         string   `json:"notes,omitempty"`
	LinkedIssueID *string  `json:"linked_issue_id,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// IssueDraft is the pre-filled, unpersisted issue a problem receipt returns.
type IssueDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Location    string   `json:"location"`
	RequestedBy string   `json:"requested_by"`
	Deadline    string   `json:"deadline"`
	Photos      []string `json:"photos"`
}

// ReceiveResult pairs the received delivery with the optional issue draft.
type ReceiveResult struct {
	Delivery   Delivery    `json:"delivery"`
	IssueDraft *IssueDraft `json:"issue_draft,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateIssueOptions holds the fields for CreateIssue.
type CreateIssueOptions struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Location    string   `json:"location"`
	RequestedBy string   `json:"requested_by"`
	Assignee    string   `json:"assignee"`
	Deadline    string   `json:"deadline"`
	Photos      []string `json:"photos,omitempty"`
}

// CreateIssue creates an issue.
func (c *Client) CreateIssue(ctx context.Context, opts CreateIssueOptions) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.sitePath("issues"), opts, &resp)
	return resp, err
}

// IssueListOptions narrow a ListIssues call. Zero values mean unfiltered.
type IssueListOptions struct {
	Tab           string
	Status        string
	Priority      string
	Assignee      string
	DeadlineUntil string
	Query         string
}

// ListIssues returns the filtered, priority-ranked issue list.
func (c *Client) ListIssues(ctx context.Context, opts IssueListOptions) ([]Issue, error) {
	q := url.Values{}
	setIfPresent(q, "tab", opts.Tab)
	setIfPresent(q, "status", opts.Status)
	setIfPresent(q, "priority", opts.Priority)
	setIfPresent(q, "assignee", opts.Assignee)
	setIfPresent(q, "deadline_until", opts.DeadlineUntil)
	setIfPresent(q, "q", opts.Query)
	endpoint := c.sitePath("issues")
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetIssue fetches an issue by id.
func (c *Client) GetIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "v0/issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StartIssue moves an issue into resolution.
func (c *Client) StartIssue(ctx context.Context, id, assignee string) (Issue, error) {
	body := map[string]any{}
	if assignee != "" {
		body["assignee"] = assignee
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues/"+url.PathEscape(id)+"/start", body, &resp)
	return resp, err
}

// SubmitIssue submits an issue for engineering approval.
func (c *Client) SubmitIssue(ctx context.Context, id string, completionPhotos []string) (Issue, error) {
	body := map[string]any{"completion_photos": completionPhotos}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues/"+url.PathEscape(id)+"/submit", body, &resp)
	return resp, err
}

// ApproveIssue approves a waiting issue. Requires a bearer token from
// EngineeringLogin.
func (c *Client) ApproveIssue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues/"+url.PathEscape(id)+"/approve", map[string]any{}, &resp)
	return resp, err
}

// RejectIssue rejects a waiting issue. Requires a bearer token from
// EngineeringLogin.
func (c *Client) RejectIssue(ctx context.Context, id, reason string) (Issue, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues/"+url.PathEscape(id)+"/reject", body, &resp)
	return resp, err
}

// ApprovalQueue lists issues waiting for engineering sign-off.
func (c *Client) ApprovalQueue(ctx context.Context, query string) ([]Issue, error) {
	endpoint := c.sitePath("approvals")
	if query != "" {
		endpoint += "?q=" + url.QueryEscape(query)
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ScheduleDeliveryOptions holds the fields for ScheduleDelivery.
type ScheduleDeliveryOptions struct {
	Material      string  `json:"material"`
	Supplier      string  `json:"supplier"`
	Quantity      float64 `json:"quantity"`
	Unit          string  `json:"unit"`
	ExpectedDate  string  `json:"expected_date"`
	InvoiceNumber string  `json:"invoice_number,omitempty"`
}

// ScheduleDelivery schedules a delivery.
func (c *Client) ScheduleDelivery(ctx context.Context, opts ScheduleDeliveryOptions) (Delivery, error) {
	var resp Delivery
	err := c.do(ctx, http.MethodPost, c.sitePath("deliveries"), opts, &resp)
	return resp, err
}

// DeliveryListOptions narrow a ListDeliveries call.
type DeliveryListOptions struct {
	Status   string
	Date     string
	Material string
	Invoice  string
	Query    string
}

// ListDeliveries returns the filtered delivery list ordered by expected date.
func (c *Client) ListDeliveries(ctx context.Context, opts DeliveryListOptions) ([]Delivery, error) {
	q := url.Values{}
	setIfPresent(q, "status", opts.Status)
	setIfPresent(q, "date", opts.Date)
	setIfPresent(q, "material", opts.Material)
	setIfPresent(q, "invoice", opts.Invoice)
	setIfPresent(q, "q", opts.Query)
	endpoint := c.sitePath("deliveries")
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Delivery
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReceiveDeliveryOptions holds the fields for ReceiveDelivery.
type ReceiveDeliveryOptions struct {
	Outcome       string   `json:"outcome"`
	ReceiverName  string   `json:"receiver_name"`
	Signature     string   `json:"signature,omitempty"`
	ReceiptPhotos []string `json:"receipt_photos,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// ReceiveDelivery records the single receipt transition for a scheduled
// delivery. A problem outcome includes an issue draft in the result.
func (c *Client) ReceiveDelivery(ctx context.Context, id string, opts ReceiveDeliveryOptions) (ReceiveResult, error) {
	var resp ReceiveResult
	err := c.do(ctx, http.MethodPost, "v0/deliveries/"+url.PathEscape(id)+"/receive", opts, &resp)
	return resp, err
}

// LinkDeliveryIssue links a delivery to an issue created from its draft.
func (c *Client) LinkDeliveryIssue(ctx context.Context, deliveryID, issueID string) (Delivery, error) {
	body := map[string]any{"issue_id": issueID}
	var resp Delivery
	err := c.do(ctx, http.MethodPost, "v0/deliveries/"+url.PathEscape(deliveryID)+"/link", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.sitePath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EngineeringLogin exchanges the shared secret for a bearer token and stores
// it on the client for subsequent approve/reject calls.
func (c *Client) EngineeringLogin(ctx context.Context, password string) (string, error) {
	body := map[string]any{"password": password}
	if c.ActorID != "" {
		body["actor_id"] = c.ActorID
	}
	var resp struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/auth/engineering/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// EngineeringLogout revokes the current session server-side.
func (c *Client) EngineeringLogout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "v0/auth/engineering/logout", map[string]any{}, nil); err != nil {
		return err
	}
	c.BearerToken = ""
	return nil
}

// Ping checks API reachability.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sitePath(p string) string {
	site := url.PathEscape(c.SiteID)
	return fmt.Sprintf("v0/sites/%s/%s", site, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func setIfPresent(q url.Values, key, val string) {
	if val != "" {
		q.Set(key, val)
	}
}

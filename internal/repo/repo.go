package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fieldline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type Site struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

func (r Repo) InsertSite(ctx context.Context, s Site) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sites(id,name,created_at) VALUES (?,?,?)`,
		s.ID, s.Name, s.CreatedAt)
	return err
}

func (r Repo) GetSite(ctx context.Context, id string) (Site, error) {
	var s Site
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM sites WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListSites(ctx context.Context) ([]Site, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM sites ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Site
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

const issueColumns = `id,site_id,title,description,priority,status,location,requested_by,assignee,deadline,photos_json,completion_photos_json,rejection_reason,created_at,updated_at`

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, iss domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		iss.ID, iss.SiteID, iss.Title, iss.Description, string(iss.Priority), string(iss.Status),
		iss.Location, iss.RequestedBy, iss.Assignee, iss.Deadline,
		marshalStrings(iss.Photos), marshalStrings(iss.CompletionPhotos),
		nullable(iss.RejectionReason), iss.CreatedAt, iss.UpdatedAt)
	return err
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, iss domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, priority=?, status=?, location=?, requested_by=?, assignee=?, deadline=?, photos_json=?, completion_photos_json=?, rejection_reason=?, updated_at=? WHERE id=?`,
		iss.Title, iss.Description, string(iss.Priority), string(iss.Status), iss.Location,
		iss.RequestedBy, iss.Assignee, iss.Deadline,
		marshalStrings(iss.Photos), marshalStrings(iss.CompletionPhotos),
		nullable(iss.RejectionReason), iss.UpdatedAt, iss.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIssue(scan func(...any) error) (domain.Issue, error) {
	var iss domain.Issue
	var priority, status, photos, completionPhotos string
	var rejection sql.NullString
	err := scan(&iss.ID, &iss.SiteID, &iss.Title, &iss.Description, &priority, &status,
		&iss.Location, &iss.RequestedBy, &iss.Assignee, &iss.Deadline,
		&photos, &completionPhotos, &rejection, &iss.CreatedAt, &iss.UpdatedAt)
	if err == sql.ErrNoRows {
		return iss, ErrNotFound
	}
	if err != nil {
		return iss, err
	}
	iss.Priority = domain.Priority(priority)
	iss.Status = domain.IssueStatus(status)
	iss.Photos = unmarshalStrings(photos)
	iss.CompletionPhotos = unmarshalStrings(completionPhotos)
	if rejection.Valid {
		iss.RejectionReason = rejection.String
	}
	return iss, nil
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	return scanIssue(row.Scan)
}

type IssueFilters struct {
	SiteID string
	Status string
	Limit  int
}

// ListIssues returns issues in insertion order; ranking happens in the engine.
func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY rowid ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		iss, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, iss)
	}
	return res, nil
}

func (r Repo) CountIssuesByStatus(ctx context.Context, siteID string) (map[domain.IssueStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issues WHERE site_id=? GROUP BY status`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.IssueStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.IssueStatus(status)] = count
	}
	return res, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, siteID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, siteID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if siteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, siteID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, siteID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if siteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, siteID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,site_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

func scanEvent(scan func(...any) error) (domain.Event, error) {
	var e domain.Event
	var siteID, entityID, payload sql.NullString
	if err := scan(&e.ID, &e.TS, &e.Type, &siteID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if siteID.Valid {
		e.SiteID = siteID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// LatestEventID returns the most recent event ID for a site.
func (r Repo) LatestEventID(ctx context.Context, siteID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE site_id=?`, siteID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

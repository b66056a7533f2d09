package repo

import (
	"context"
	"database/sql"
)

// Roster kinds stored in roster_members.
const (
	RosterRequester = "requester"
	RosterReceiver  = "receiver"
)

func (r Repo) AddRosterMember(ctx context.Context, tx *sql.Tx, siteID, kind, name string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roster_members(site_id, kind, name) VALUES (?,?,?)`, siteID, kind, name)
	return err
}

func (r Repo) RemoveRosterMember(ctx context.Context, tx *sql.Tx, siteID, kind, name string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM roster_members WHERE site_id=? AND kind=? AND name=?`, siteID, kind, name)
	return err
}

func (r Repo) ListRoster(ctx context.Context, siteID, kind string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name FROM roster_members WHERE site_id=? AND kind=? ORDER BY name`, siteID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// IsRosterMember checks membership inside the caller's transaction so roster
// changes and guarded mutations observe the same snapshot.
func (r Repo) IsRosterMember(ctx context.Context, tx *sql.Tx, siteID, kind, name string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM roster_members WHERE site_id=? AND kind=? AND name=? LIMIT 1`, siteID, kind, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

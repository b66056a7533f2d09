package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldline/internal/config"
	"fieldline/internal/repo"
)

// ResolveSiteAndConfig picks the active site and ensures a site row plus its
// rosters exist in the DB, seeding from the workspace config if missing. It
// prefers the override, then the single existing site.
func ResolveSiteAndConfig(ctx context.Context, workspace, siteOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	siteID := siteOverride
	if siteID == "" && cfg != nil {
		siteID = cfg.Site.ID
	}
	if siteID == "" {
		sites, err := r.ListSites(ctx)
		if err != nil {
			return "", nil, err
		}
		switch len(sites) {
		case 1:
			siteID = sites[0].ID
		case 0:
			return "", nil, fmt.Errorf("site not specified; use --site or fl init")
		default:
			return "", nil, fmt.Errorf("multiple sites exist; specify --site")
		}
	}
	if cfg == nil {
		cfg = config.Default(siteID)
	}
	cfg.Site.ID = siteID

	if _, err := r.GetSite(ctx, siteID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createSite(ctx, r, siteID, cfg); err != nil {
			return "", nil, err
		}
	}
	if err := syncRosters(ctx, r, siteID, cfg); err != nil {
		return "", nil, err
	}
	return siteID, cfg, nil
}

// createSite inserts a minimal site footprint using the seed config.
func createSite(ctx context.Context, r repo.Repo, siteID string, cfg *config.Config) error {
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO sites(id,name,created_at) VALUES (?,?,?)`,
		siteID, cfg.Site.Name, now); err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

// syncRosters makes sure every configured roster name has a membership row.
// Names removed from config stay in the DB so old records keep resolving.
func syncRosters(ctx context.Context, r repo.Repo, siteID string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, name := range cfg.Rosters.Requesters {
		if err := r.AddRosterMember(ctx, tx, siteID, repo.RosterRequester, name); err != nil {
			return fmt.Errorf("seed requester roster: %w", err)
		}
	}
	for _, name := range cfg.Rosters.Receivers {
		if err := r.AddRosterMember(ctx, tx, siteID, repo.RosterReceiver, name); err != nil {
			return fmt.Errorf("seed receiver roster: %w", err)
		}
	}
	return tx.Commit()
}

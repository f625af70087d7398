// Package store implements the Postgres-backed package catalog: the system
// of record the task sources scan and the updater reads documents from.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/search"
	"github.com/pkgdepot/pkgdepot/internal/task"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/postgres"
)

// Schema creates the catalog tables. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS packages (
    name            TEXT        PRIMARY KEY,
    publisher_id    TEXT        NOT NULL DEFAULT '',
    uploader_emails JSONB       NOT NULL DEFAULT '[]',
    description     TEXT        NOT NULL DEFAULT '',
    tags            JSONB       NOT NULL DEFAULT '[]',
    like_count      INT         NOT NULL DEFAULT 0,
    popularity      DOUBLE PRECISION NOT NULL DEFAULT 0,
    granted_points  INT         NOT NULL DEFAULT 0,
    max_points      INT         NOT NULL DEFAULT 0,
    created         TIMESTAMPTZ NOT NULL,
    updated         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS versions (
    package              TEXT        NOT NULL REFERENCES packages(name) ON DELETE CASCADE,
    version              TEXT        NOT NULL,
    released             TIMESTAMPTZ NOT NULL,
    updated              TIMESTAMPTZ NOT NULL,
    is_latest_stable     BOOLEAN     NOT NULL DEFAULT FALSE,
    is_latest_prerelease BOOLEAN     NOT NULL DEFAULT FALSE,
    is_latest_preview    BOOLEAN     NOT NULL DEFAULT FALSE,
    readme               TEXT        NOT NULL DEFAULT '',
    dependencies         JSONB       NOT NULL DEFAULT '{}',
    api_doc_pages        JSONB       NOT NULL DEFAULT '[]',
    processed_at         TIMESTAMPTZ,
    PRIMARY KEY (package, version)
);
CREATE INDEX IF NOT EXISTS versions_updated_idx ON versions (updated);
CREATE INDEX IF NOT EXISTS versions_processed_idx ON versions (processed_at);
`

// PackageRecord is a row of the packages table.
type PackageRecord struct {
	Name           string
	PublisherID    string
	UploaderEmails []string
	Description    string
	Tags           []string
	LikeCount      int
	Popularity     float64
	GrantedPoints  int
	MaxPoints      int
	Created        time.Time
	Updated        time.Time
}

// VersionRecord is a row of the versions table.
type VersionRecord struct {
	Package            string
	Version            string
	Released           time.Time
	Updated            time.Time
	IsLatestStable     bool
	IsLatestPrerelease bool
	IsLatestPreview    bool
	Readme             string
	Dependencies       map[string]search.DependencyKind
	APIDocPages        []search.APIDocPage
	ProcessedAt        *time.Time
}

// Catalog is the Postgres catalog store. It implements the task source
// scanner interfaces and the updater's document loader.
type Catalog struct {
	client *postgres.Client
}

// NewCatalog wraps the Postgres client.
func NewCatalog(client *postgres.Client) *Catalog {
	return &Catalog{client: client}
}

// EnsureSchema creates the catalog tables if missing.
func (c *Catalog) EnsureSchema(ctx context.Context) error {
	if _, err := c.client.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("creating catalog schema: %w", err)
	}
	return nil
}

// UpsertPackage writes a package row, inserting or replacing it.
func (c *Catalog) UpsertPackage(ctx context.Context, p PackageRecord) error {
	emails, err := json.Marshal(p.UploaderEmails)
	if err != nil {
		return fmt.Errorf("encoding uploader emails: %w", err)
	}
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}
	_, err = c.client.DB.ExecContext(ctx, `
		INSERT INTO packages (name, publisher_id, uploader_emails, description, tags,
			like_count, popularity, granted_points, max_points, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (name) DO UPDATE SET
			publisher_id = EXCLUDED.publisher_id,
			uploader_emails = EXCLUDED.uploader_emails,
			description = EXCLUDED.description,
			tags = EXCLUDED.tags,
			like_count = EXCLUDED.like_count,
			popularity = EXCLUDED.popularity,
			granted_points = EXCLUDED.granted_points,
			max_points = EXCLUDED.max_points,
			updated = EXCLUDED.updated`,
		p.Name, p.PublisherID, emails, p.Description, tags,
		p.LikeCount, p.Popularity, p.GrantedPoints, p.MaxPoints,
		p.Created, p.Updated,
	)
	if err != nil {
		return fmt.Errorf("upserting package %s: %w", p.Name, err)
	}
	return nil
}

// UpsertVersion writes a version row, inserting or replacing it.
func (c *Catalog) UpsertVersion(ctx context.Context, v VersionRecord) error {
	deps, err := json.Marshal(v.Dependencies)
	if err != nil {
		return fmt.Errorf("encoding dependencies: %w", err)
	}
	pages, err := json.Marshal(v.APIDocPages)
	if err != nil {
		return fmt.Errorf("encoding api doc pages: %w", err)
	}
	_, err = c.client.DB.ExecContext(ctx, `
		INSERT INTO versions (package, version, released, updated,
			is_latest_stable, is_latest_prerelease, is_latest_preview,
			readme, dependencies, api_doc_pages, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (package, version) DO UPDATE SET
			released = EXCLUDED.released,
			updated = EXCLUDED.updated,
			is_latest_stable = EXCLUDED.is_latest_stable,
			is_latest_prerelease = EXCLUDED.is_latest_prerelease,
			is_latest_preview = EXCLUDED.is_latest_preview,
			readme = EXCLUDED.readme,
			dependencies = EXCLUDED.dependencies,
			api_doc_pages = EXCLUDED.api_doc_pages,
			processed_at = EXCLUDED.processed_at`,
		v.Package, v.Version, v.Released, v.Updated,
		v.IsLatestStable, v.IsLatestPrerelease, v.IsLatestPreview,
		v.Readme, deps, pages, v.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting version %s %s: %w", v.Package, v.Version, err)
	}
	return nil
}

// DeletePackage removes a package and its versions. Idempotent.
func (c *Catalog) DeletePackage(ctx context.Context, name string) error {
	if _, err := c.client.DB.ExecContext(ctx, `DELETE FROM packages WHERE name = $1`, name); err != nil {
		return fmt.Errorf("deleting package %s: %w", name, err)
	}
	return nil
}

// MarkProcessed stamps a version's processed_at, feeding the staleness scan.
func (c *Catalog) MarkProcessed(ctx context.Context, pkg, version string, at time.Time) error {
	_, err := c.client.DB.ExecContext(ctx,
		`UPDATE versions SET processed_at = $3 WHERE package = $1 AND version = $2`,
		pkg, version, at,
	)
	if err != nil {
		return fmt.Errorf("marking %s %s processed: %w", pkg, version, err)
	}
	return nil
}

// VersionStale reports whether a version's derived data is out of date:
// never processed, or processed before the version's last catalog update. An
// unknown version is not stale; its removal propagates separately.
func (c *Catalog) VersionStale(ctx context.Context, pkg, version string) (bool, error) {
	var updated time.Time
	var processed sql.NullTime
	err := c.client.DB.QueryRowContext(ctx,
		`SELECT updated, processed_at FROM versions WHERE package = $1 AND version = $2`,
		pkg, version,
	).Scan(&updated, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking staleness of %s %s: %w", pkg, version, err)
	}
	if !processed.Valid {
		return true, nil
	}
	return processed.Time.Before(updated), nil
}

// ScanUpdatedSince returns version rows whose freshness marker is at or after
// since, oldest first. Implements task.RecentScanner.
func (c *Catalog) ScanUpdatedSince(ctx context.Context, since time.Time) ([]task.Record, error) {
	rows, err := c.client.DB.QueryContext(ctx, `
		SELECT package, version, updated,
			is_latest_stable, is_latest_prerelease, is_latest_preview
		FROM versions WHERE updated >= $1 ORDER BY updated`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning recent versions: %w", err)
	}
	defer rows.Close()
	var records []task.Record
	for rows.Next() {
		var r task.Record
		if err := rows.Scan(&r.Package, &r.Version, &r.Updated,
			&r.LatestStable, &r.LatestPrerelease, &r.LatestPreview); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent versions: %w", err)
	}
	return records, nil
}

// ScanPackages returns the full catalog grouped per package with latest
// markers resolved. Implements task.CatalogScanner.
func (c *Catalog) ScanPackages(ctx context.Context) ([]task.PackageVersions, error) {
	rows, err := c.client.DB.QueryContext(ctx, `
		SELECT package, version, updated,
			is_latest_stable, is_latest_prerelease, is_latest_preview
		FROM versions ORDER BY package, released`,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning catalog: %w", err)
	}
	defer rows.Close()

	var result []task.PackageVersions
	var current *task.PackageVersions
	for rows.Next() {
		var pkg string
		var rec task.Record
		var stable, prerelease, preview bool
		if err := rows.Scan(&pkg, &rec.Version, &rec.Updated, &stable, &prerelease, &preview); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		rec.Package = pkg
		if current == nil || current.Package != pkg {
			result = append(result, task.PackageVersions{Package: pkg})
			current = &result[len(result)-1]
		}
		current.Versions = append(current.Versions, rec)
		last := &current.Versions[len(current.Versions)-1]
		if stable {
			current.LatestStable = last
		}
		if prerelease {
			current.LatestPrerelease = last
		}
		if preview {
			current.LatestPreview = last
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog: %w", err)
	}
	return result, nil
}

// ScanProcessed returns every version with its processing timestamp.
// Implements task.ProcessedScanner.
func (c *Catalog) ScanProcessed(ctx context.Context) ([]task.ProcessedRecord, error) {
	rows, err := c.client.DB.QueryContext(ctx,
		`SELECT package, version, released, updated, processed_at FROM versions`,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning processed versions: %w", err)
	}
	defer rows.Close()
	var records []task.ProcessedRecord
	for rows.Next() {
		var r task.ProcessedRecord
		var processed sql.NullTime
		if err := rows.Scan(&r.Package, &r.Version, &r.Released, &r.Updated, &processed); err != nil {
			return nil, fmt.Errorf("scanning processed row: %w", err)
		}
		if processed.Valid {
			r.Processed = processed.Time
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating processed versions: %w", err)
	}
	return records, nil
}

// LoadDocument assembles the search document for a package from its latest
// stable version, falling back to the most recently released version when no
// stable release exists. Returns ErrPackageNotFound when the package is
// absent or has no versions.
func (c *Catalog) LoadDocument(ctx context.Context, name string) (*search.PackageDocument, error) {
	row := c.client.DB.QueryRowContext(ctx, `
		SELECT p.name, p.publisher_id, p.uploader_emails, p.description, p.tags,
			p.like_count, p.popularity, p.granted_points, p.max_points,
			p.created, p.updated,
			v.version, v.readme, v.dependencies, v.api_doc_pages
		FROM packages p
		JOIN versions v ON v.package = p.name
		WHERE p.name = $1
		ORDER BY v.is_latest_stable DESC, v.released DESC
		LIMIT 1`,
		name,
	)
	var doc search.PackageDocument
	var emails, tags, deps, pages []byte
	err := row.Scan(
		&doc.Package, &doc.PublisherID, &emails, &doc.Description, &tags,
		&doc.LikeCount, &doc.Popularity, &doc.GrantedPoints, &doc.MaxPoints,
		&doc.Created, &doc.Updated,
		&doc.Version, &doc.Readme, &deps, &pages,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pkgerrors.ErrPackageNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading document %s: %w", name, err)
	}
	if err := json.Unmarshal(emails, &doc.UploaderEmails); err != nil {
		return nil, fmt.Errorf("decoding uploader emails for %s: %w", name, err)
	}
	if err := json.Unmarshal(tags, &doc.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags for %s: %w", name, err)
	}
	if err := json.Unmarshal(deps, &doc.Dependencies); err != nil {
		return nil, fmt.Errorf("decoding dependencies for %s: %w", name, err)
	}
	if err := json.Unmarshal(pages, &doc.APIDocPages); err != nil {
		return nil, fmt.Errorf("decoding api doc pages for %s: %w", name, err)
	}
	return &doc, nil
}

// PackageNames returns every package name, for bulk reindex sweeps.
func (c *Catalog) PackageNames(ctx context.Context) ([]string, error) {
	rows, err := c.client.DB.QueryContext(ctx, `SELECT name FROM packages ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing package names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning package name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating package names: %w", err)
	}
	return names, nil
}

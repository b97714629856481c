// Package catalog records the state of every archived bucket in Postgres.
package catalog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cctv-archiver/internal/archive"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Archive statuses.
const (
	StatusConsolidating = "consolidating"
	StatusReady         = "ready"
	StatusFailed        = "failed"
	StatusExpired       = "expired"
)

// Postgres is an archive.EventSink that keeps the archives table current,
// and the archive.CatalogReader the status server reads it back through.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var (
	_ archive.EventSink     = (*Postgres)(nil)
	_ archive.CatalogReader = (*Postgres)(nil)
)

// Open applies pending migrations, then connects a pool to databaseURL.
func Open(ctx context.Context, databaseURL string, log *slog.Logger) (*Postgres, error) {
	if err := runMigrations(databaseURL, log); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("catalog connected")
	return &Postgres{pool: pool, log: log}, nil
}

func runMigrations(databaseURL string, log *slog.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("catalog schema up to date")
			return nil
		}
		return err
	}
	if version, dirty, err := m.Version(); err == nil {
		log.Info("catalog migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	return nil
}

// update describes how an event changes a bucket's row.
type update struct {
	status  string
	path    string
	bytes   int64
	removed int
	exit    *int
	detail  string
}

// updateFor maps an event to a row update. ok is false for events the
// catalog does not track.
func updateFor(ev archive.Event) (update, bool) {
	switch ev.Type {
	case archive.EventConsolidationSubmitted:
		return update{status: StatusConsolidating, path: ev.Path}, true
	case archive.EventConsolidationSucceeded:
		code := ev.ExitCode
		return update{status: StatusReady, path: ev.Path, bytes: ev.Bytes, removed: ev.Files, exit: &code}, true
	case archive.EventConsolidationFailed:
		code := ev.ExitCode
		return update{status: StatusFailed, exit: &code, detail: ev.Detail}, true
	case archive.EventRetentionDeleted:
		return update{status: StatusExpired, path: ev.Path}, true
	}
	return update{}, false
}

const upsertArchive = `
	INSERT INTO archives (bucket, status, artifact_path, artifact_bytes, segments_removed, exit_code, detail, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	ON CONFLICT (bucket) DO UPDATE SET
		status = EXCLUDED.status,
		artifact_path = CASE WHEN EXCLUDED.artifact_path <> '' THEN EXCLUDED.artifact_path ELSE archives.artifact_path END,
		artifact_bytes = CASE WHEN EXCLUDED.artifact_bytes > 0 THEN EXCLUDED.artifact_bytes ELSE archives.artifact_bytes END,
		segments_removed = EXCLUDED.segments_removed,
		exit_code = COALESCE(EXCLUDED.exit_code, archives.exit_code),
		detail = EXCLUDED.detail,
		updated_at = EXCLUDED.updated_at`

// Emit implements archive.EventSink.
func (p *Postgres) Emit(ctx context.Context, ev archive.Event) error {
	u, ok := updateFor(ev)
	if !ok || ev.Bucket == "" {
		return nil
	}
	_, err := p.pool.Exec(ctx, upsertArchive,
		string(ev.Bucket), u.status, u.path, u.bytes, u.removed, u.exit, u.detail, ev.At)
	if err != nil {
		return fmt.Errorf("upsert archive %s: %w", ev.Bucket, err)
	}
	p.log.Debug("catalog updated", slog.String("bucket", string(ev.Bucket)), slog.String("status", u.status))
	return nil
}

// Get returns the row for bucket, or an error wrapping archive.ErrNotCataloged.
func (p *Postgres) Get(ctx context.Context, bucket archive.BucketID) (archive.CatalogRecord, error) {
	const q = `
		SELECT status, artifact_path, artifact_bytes, segments_removed, exit_code, detail, created_at, updated_at
		FROM archives WHERE bucket = $1`
	var r archive.CatalogRecord
	err := p.pool.QueryRow(ctx, q, string(bucket)).Scan(
		&r.Status, &r.ArtifactPath, &r.ArtifactBytes, &r.SegmentsRemoved, &r.ExitCode, &r.Detail, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return archive.CatalogRecord{}, fmt.Errorf("%w: %s", archive.ErrNotCataloged, bucket)
	}
	if err != nil {
		return archive.CatalogRecord{}, fmt.Errorf("get archive %s: %w", bucket, err)
	}
	return r, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

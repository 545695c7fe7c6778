// Package ledger records published releases in Postgres so that past
// releases can be listed without re-reading their manifests.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"polyship/pkg/db"
	"polyship/pkg/digest"
	"polyship/services/manifest"
	"polyship/services/publish"
)

const writeTimeout = 30 * time.Second

// Ledger is a publish.Publisher backed by the releases tables.
type Ledger struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies the ledger migrations.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	if dsn == "" {
		return nil, errors.New("ledger: database url is required")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}
	if _, err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

// Close releases the connection pool.
func (l *Ledger) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

func (l *Ledger) Name() string { return "ledger" }

// Publish inserts one releases row and one release_artifacts row per
// manifest entry in a single transaction. Publishing a manifest that is
// already recorded for the same project and version is a no-op.
func (l *Ledger) Publish(ctx context.Context, rel *publish.Release) (publish.Outcome, error) {
	rec, err := NewRecord(rel)
	if err != nil {
		return publish.Outcome{}, err
	}
	var provenance any
	if rec.Provenance != nil {
		provenance = string(rec.Provenance)
	}
	err = db.InTx(ctx, l.pool, writeTimeout, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertRelease,
			rec.ID, rec.Project, rec.Version, rec.Tag, rec.Commit, rec.GeneratedAt,
			rec.Partial, rec.ManifestSHA256, rec.ReleaseURL, provenance,
		); err != nil {
			return fmt.Errorf("insert release: %w", err)
		}
		for _, a := range rec.Artifacts {
			if _, err := tx.Exec(ctx, insertArtifact,
				rec.ID, a.Path, a.Kind, a.SHA256, a.Size, a.SignatureMethod, a.URL,
			); err != nil {
				return fmt.Errorf("insert artifact %s: %w", a.Path, err)
			}
		}
		return nil
	})
	switch {
	case db.IsUniqueViolation(err):
		// The same manifest of this version is already recorded.
	case err != nil:
		return publish.Outcome{}, fmt.Errorf("ledger: %w", err)
	}
	return publish.Outcome{URL: rel.URL}, nil
}

const insertRelease = `INSERT INTO releases
	(id, project, version, tag, "commit", generated_at, partial, manifest_sha256, release_url, provenance)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const insertArtifact = `INSERT INTO release_artifacts
	(release_id, path, kind, sha256, size, signature_method, url)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Record is the ledger row set for one release.
type Record struct {
	ID             uuid.UUID
	Project        string
	Version        string
	Tag            string
	Commit         string
	GeneratedAt    time.Time
	Partial        bool
	ManifestSHA256 string
	ReleaseURL     string
	// Provenance is the raw provenance.json document, or nil.
	Provenance []byte
	Artifacts  []ArtifactRecord
}

// ArtifactRecord is one release_artifacts row.
type ArtifactRecord struct {
	Path            string
	Kind            string
	SHA256          string
	Size            int64
	SignatureMethod string
	URL             string
}

// NewRecord derives the rows for rel from its manifest and output directory.
func NewRecord(rel *publish.Release) (*Record, error) {
	m := rel.Manifest
	sum, _, err := digest.File(filepath.Join(rel.Dir, manifest.FileName))
	if err != nil {
		return nil, err
	}
	rec := &Record{
		ID:             uuid.New(),
		Project:        rel.Name,
		Version:        m.Version,
		Tag:            m.Tag,
		GeneratedAt:    m.GeneratedAt,
		Partial:        m.Partial,
		ManifestSHA256: sum,
		ReleaseURL:     rel.URL,
	}

	data, err := os.ReadFile(filepath.Join(rel.Dir, manifest.ProvenanceName))
	switch {
	case err == nil:
		var prov manifest.Provenance
		if err := json.Unmarshal(data, &prov); err != nil {
			return nil, fmt.Errorf("decode provenance: %w", err)
		}
		rec.Commit = prov.Source.Revision
		rec.Provenance = data
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	for _, e := range m.Entries {
		a := ArtifactRecord{
			Path:   e.Path,
			Kind:   string(e.Kind),
			SHA256: e.Digest,
			Size:   e.Size,
			URL:    rel.AssetURLs[e.Path],
		}
		if sig, ok := m.SignatureFor(e.SignatureRef); ok {
			a.SignatureMethod = sig.Method
		}
		rec.Artifacts = append(rec.Artifacts, a)
	}
	return rec, nil
}

// Entry is one row of the release history.
type Entry struct {
	ID          uuid.UUID `db:"id"`
	Project     string    `db:"project"`
	Version     string    `db:"version"`
	Tag         string    `db:"tag"`
	Commit      string    `db:"commit"`
	GeneratedAt time.Time `db:"generated_at"`
	Partial     bool      `db:"partial"`
	ReleaseURL  string    `db:"release_url"`
	Artifacts   int       `db:"artifacts"`
	CreatedAt   time.Time `db:"created_at"`
}

// History lists the most recent releases of project, newest first. An
// empty project lists every project.
func (l *Ledger) History(ctx context.Context, project string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []Entry
	err := db.Select(ctx, l.pool, &entries, `
		SELECT r.id, r.project, r.version, COALESCE(r.tag, '') AS tag,
			COALESCE(r."commit", '') AS "commit", r.generated_at, r.partial,
			COALESCE(r.release_url, '') AS release_url,
			(SELECT count(*) FROM release_artifacts a WHERE a.release_id = r.id) AS artifacts,
			r.created_at
		FROM releases r
		WHERE $1 = '' OR r.project = $1
		ORDER BY r.created_at DESC
		LIMIT $2`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	return entries, nil
}

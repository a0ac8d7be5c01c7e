package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/drivesync/internal/config"
	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

// DatabaseClient owns the Postgres pool shared by the index and the KV store.
type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// IndexClient implements core.IndexClient on pgvector with a generated tsvector column.
type IndexClient struct {
	db *sql.DB
}

var _ core.IndexClient = (*IndexClient)(nil)

func NewIndexClient(c *DatabaseClient) *IndexClient {
	return &IndexClient{db: c.db}
}

// Close is a no-op; the pool belongs to DatabaseClient.
func (c *IndexClient) Close() error { return nil }

// Upsert writes chunks in a single transaction.
func (c *IndexClient) Upsert(ctx context.Context, docs []models.IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO index_chunks
			(id, tenant_id, drive_id, item_id, chunk, title, content, embedding, last_modified, size_category, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, now()))
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			drive_id = EXCLUDED.drive_id,
			item_id = EXCLUDED.item_id,
			chunk = EXCLUDED.chunk,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			last_modified = EXCLUDED.last_modified,
			size_category = EXCLUDED.size_category,
			indexed_at = EXCLUDED.indexed_at
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range docs {
		d := &docs[i]
		if _, err := stmt.ExecContext(ctx,
			d.ID, d.TenantID, d.SourceDriveID, d.SourceItemID, d.Chunk, d.Title, d.Content,
			pgvector.NewVector(d.Vector), nullTime(d.LastModified), d.SizeCategory, nullTime(d.IndexedAt),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (c *IndexClient) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM index_chunks WHERE id = ANY($1)`, keys)
	return err
}

func (c *IndexClient) DeleteByFilter(ctx context.Context, f core.IndexFilter) ([]models.ItemKey, error) {
	if f.TenantID == "" && f.DriveID == "" && f.ItemID == "" {
		return nil, errors.New("delete by filter needs a tenant, drive or item")
	}
	var args sqlArgs
	where := filterSQL(f, &args)

	rows, err := c.db.QueryContext(ctx,
		`DELETE FROM index_chunks WHERE `+where+` RETURNING tenant_id, drive_id, item_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := map[models.ItemKey]struct{}{}
	var out []models.ItemKey
	for rows.Next() {
		var k models.ItemKey
		if err := rows.Scan(&k.TenantID, &k.DriveID, &k.ItemID); err != nil {
			return nil, err
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (c *IndexClient) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM index_chunks`).Scan(&n)
	return n, err
}

// Search fuses the vector and keyword rankings with reciprocal rank fusion (k = 60).
func (c *IndexClient) Search(ctx context.Context, q core.SearchQuery) ([]models.SearchHit, error) {
	top := q.Top
	if top <= 0 {
		top = 5
	}
	candidates := top * 4

	var args sqlArgs
	where := filterSQL(q.Filter, &args)

	var ctes, parts []string
	if len(q.Vector) > 0 {
		v := args.add(pgvector.NewVector(q.Vector))
		ctes = append(ctes, fmt.Sprintf(`vec AS (
			SELECT id, row_number() OVER (ORDER BY embedding <=> %[1]s) AS r
			FROM index_chunks WHERE %[2]s
			ORDER BY embedding <=> %[1]s LIMIT %[3]d)`, v, where, candidates))
		parts = append(parts, `SELECT id, r FROM vec`)
	}
	if strings.TrimSpace(q.Text) != "" {
		t := args.add(q.Text)
		ctes = append(ctes, fmt.Sprintf(`kw AS (
			SELECT id, row_number() OVER (ORDER BY ts_rank_cd(tsv, plainto_tsquery('english', %[1]s)) DESC) AS r
			FROM index_chunks WHERE %[2]s AND tsv @@ plainto_tsquery('english', %[1]s)
			ORDER BY ts_rank_cd(tsv, plainto_tsquery('english', %[1]s)) DESC LIMIT %[3]d)`, t, where, candidates))
		parts = append(parts, `SELECT id, r FROM kw`)
	}
	if len(parts) == 0 {
		return nil, errors.New("search needs text or a vector")
	}

	query := `WITH ` + strings.Join(ctes, ",\n") + `,
		ranked AS (
			SELECT id, SUM(1.0 / (60 + r)) AS score
			FROM (` + strings.Join(parts, " UNION ALL ") + `) u
			GROUP BY id)
		SELECT c.id, c.title, c.content, c.chunk, c.drive_id, c.item_id, ranked.score
		FROM ranked JOIN index_chunks c ON c.id = ranked.id
		ORDER BY ranked.score DESC
		LIMIT ` + fmt.Sprint(top)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	defer rows.Close()

	var out []models.SearchHit
	for rows.Next() {
		var (
			h       models.SearchHit
			content string
		)
		if err := rows.Scan(&h.ID, &h.Title, &content, &h.Chunk, &h.SourceDriveID, &h.SourceItemID, &h.Score); err != nil {
			return nil, err
		}
		h.Snippet = models.Snippet(content)
		out = append(out, h)
	}
	return out, rows.Err()
}

type sqlArgs []any

func (a *sqlArgs) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

func filterSQL(f core.IndexFilter, args *sqlArgs) string {
	var conds []string
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = "+args.add(f.TenantID))
	}
	if f.DriveID != "" {
		conds = append(conds, "drive_id = "+args.add(f.DriveID))
	}
	if f.ItemID != "" {
		conds = append(conds, "item_id = "+args.add(f.ItemID))
	}
	if !f.ModifiedBefore.IsZero() {
		conds = append(conds, "last_modified < "+args.add(f.ModifiedBefore))
	}
	if len(conds) == 0 {
		return "TRUE"
	}
	return strings.Join(conds, " AND ")
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

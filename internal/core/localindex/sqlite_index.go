// Package localindex is a single-file SQLite search index for single-instance
// deployments and local development. Vector scoring is brute force.
package localindex

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS index_chunks (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	drive_id      TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	chunk         INTEGER NOT NULL,
	title         TEXT NOT NULL DEFAULT '',
	content       TEXT NOT NULL,
	embedding     BLOB,
	last_modified INTEGER NOT NULL DEFAULT 0,
	size_category TEXT NOT NULL DEFAULT '',
	indexed_at    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS index_chunks_item_idx ON index_chunks (tenant_id, drive_id, item_id);
CREATE INDEX IF NOT EXISTS index_chunks_modified_idx ON index_chunks (tenant_id, last_modified);
`

// rrfK is the reciprocal-rank-fusion damping constant.
const rrfK = 60.0

// Index implements core.IndexClient on SQLite.
type Index struct {
	db   *sql.DB
	path string
}

var _ core.IndexClient = (*Index)(nil)

// Open creates or opens the index file at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	// one writer at a time; readers share the same connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}
	return &Index{db: db, path: path}, nil
}

func (x *Index) Close() error {
	return x.db.Close()
}

func (x *Index) Upsert(ctx context.Context, docs []models.IndexDocument) error {
	if len(docs) == 0 {
		return nil
	}
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO index_chunks
			(id, tenant_id, drive_id, item_id, chunk, title, content, embedding, last_modified, size_category, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			drive_id = excluded.drive_id,
			item_id = excluded.item_id,
			chunk = excluded.chunk,
			title = excluded.title,
			content = excluded.content,
			embedding = excluded.embedding,
			last_modified = excluded.last_modified,
			size_category = excluded.size_category,
			indexed_at = excluded.indexed_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range docs {
		d := &docs[i]
		indexedAt := d.IndexedAt
		if indexedAt.IsZero() {
			indexedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			d.ID, d.TenantID, d.SourceDriveID, d.SourceItemID, d.Chunk, d.Title, d.Content,
			encodeVector(d.Vector), unix(d.LastModified), d.SizeCategory, unix(indexedAt),
		); err != nil {
			return fmt.Errorf("upsert %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (x *Index) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	q := `DELETE FROM index_chunks WHERE id IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
	_, err := x.db.ExecContext(ctx, q, args...)
	return err
}

func (x *Index) DeleteByFilter(ctx context.Context, f core.IndexFilter) ([]models.ItemKey, error) {
	if f.TenantID == "" && f.DriveID == "" && f.ItemID == "" {
		return nil, errors.New("delete by filter needs a tenant, drive or item")
	}
	where, args := filterSQL(f)

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT tenant_id, drive_id, item_id FROM index_chunks WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	var out []models.ItemKey
	for rows.Next() {
		var k models.ItemKey
		if err := rows.Scan(&k.TenantID, &k.DriveID, &k.ItemID); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, k)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM index_chunks WHERE `+where, args...); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (x *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	err := x.db.QueryRowContext(ctx, `SELECT count(*) FROM index_chunks`).Scan(&n)
	return n, err
}

// ItemChunks returns the chunk indices stored for one item, in order.
func (x *Index) ItemChunks(ctx context.Context, k models.ItemKey) ([]int, error) {
	rows, err := x.db.QueryContext(ctx,
		`SELECT chunk FROM index_chunks WHERE tenant_id = ? AND drive_id = ? AND item_id = ? ORDER BY chunk`,
		k.TenantID, k.DriveID, k.ItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var c int
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type candidate struct {
	hit    models.SearchHit
	text   string
	vector []float32
}

// Search ranks the filtered rows by cosine similarity and by query-term hits,
// then fuses both rankings.
func (x *Index) Search(ctx context.Context, q core.SearchQuery) ([]models.SearchHit, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 && len(q.Vector) == 0 {
		return nil, errors.New("search needs text or a vector")
	}
	top := q.Top
	if top <= 0 {
		top = 5
	}

	where, args := filterSQL(q.Filter)
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, title, content, chunk, drive_id, item_id, embedding FROM index_chunks WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var cands []candidate
	for rows.Next() {
		var (
			c    candidate
			blob []byte
		)
		if err := rows.Scan(&c.hit.ID, &c.hit.Title, &c.text, &c.hit.Chunk, &c.hit.SourceDriveID, &c.hit.SourceItemID, &blob); err != nil {
			return nil, err
		}
		c.vector = decodeVector(blob)
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	scores := make(map[int]float64)
	if len(q.Vector) > 0 {
		rank := rankBy(cands, func(c candidate) float64 { return cosine(q.Vector, c.vector) }, false)
		for r, i := range rank {
			scores[i] += 1 / (rrfK + float64(r+1))
		}
	}
	if len(terms) > 0 {
		rank := rankBy(cands, func(c candidate) float64 { return termHits(terms, c.hit.Title+" "+c.text) }, true)
		for r, i := range rank {
			scores[i] += 1 / (rrfK + float64(r+1))
		}
	}

	out := make([]models.SearchHit, 0, len(scores))
	for i, s := range scores {
		h := cands[i].hit
		h.Score = s
		h.Snippet = models.Snippet(cands[i].text)
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Score != out[b].Score {
			return out[a].Score > out[b].Score
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > top {
		out = out[:top]
	}
	return out, nil
}

// rankBy orders candidate indexes by descending score. With positiveOnly set,
// candidates scoring zero are left out of the ranking.
func rankBy(cands []candidate, score func(candidate) float64, positiveOnly bool) []int {
	type scored struct {
		idx int
		s   float64
	}
	var list []scored
	for i, c := range cands {
		s := score(c)
		if positiveOnly && s <= 0 {
			continue
		}
		list = append(list, scored{i, s})
	}
	sort.SliceStable(list, func(a, b int) bool { return list[a].s > list[b].s })
	out := make([]int, len(list))
	for i, l := range list {
		out[i] = l.idx
	}
	return out
}

func termHits(terms []string, text string) float64 {
	lower := strings.ToLower(text)
	var n float64
	for _, t := range terms {
		n += float64(strings.Count(lower, t))
	}
	return n
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return -1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func filterSQL(f core.IndexFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.DriveID != "" {
		conds = append(conds, "drive_id = ?")
		args = append(args, f.DriveID)
	}
	if f.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if !f.ModifiedBefore.IsZero() {
		conds = append(conds, "last_modified < ?")
		args = append(args, f.ModifiedBefore.Unix())
	}
	if len(conds) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(conds, " AND "), args
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

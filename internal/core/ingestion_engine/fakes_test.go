package ingestion_engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/core/kvstore"
	"github.com/markdave123-py/drivesync/internal/models"
)

type memIndex struct {
	mu      sync.Mutex
	docs    map[string]models.IndexDocument
	upserts int
	deletes int
}

func newMemIndex() *memIndex {
	return &memIndex{docs: map[string]models.IndexDocument{}}
}

func (m *memIndex) Upsert(_ context.Context, docs []models.IndexDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, d := range docs {
		m.docs[d.ID] = d
	}
	return nil
}

func (m *memIndex) Delete(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	for _, k := range keys {
		delete(m.docs, k)
	}
	return nil
}

func (m *memIndex) DeleteByFilter(_ context.Context, f core.IndexFilter) ([]models.ItemKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	seen := map[models.ItemKey]bool{}
	var out []models.ItemKey
	for id, d := range m.docs {
		if (f.TenantID != "" && d.TenantID != f.TenantID) ||
			(f.DriveID != "" && d.SourceDriveID != f.DriveID) ||
			(f.ItemID != "" && d.SourceItemID != f.ItemID) {
			continue
		}
		delete(m.docs, id)
		k := models.ItemKey{TenantID: d.TenantID, DriveID: d.SourceDriveID, ItemID: d.SourceItemID}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *memIndex) Search(context.Context, core.SearchQuery) ([]models.SearchHit, error) {
	return nil, nil
}

func (m *memIndex) Count(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.docs)), nil
}

func (m *memIndex) Close() error { return nil }

func (m *memIndex) writes() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts, m.deletes
}

func (m *memIndex) chunksOf(itemID string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, d := range m.docs {
		if d.SourceItemID == itemID {
			out = append(out, d.Chunk)
		}
	}
	sort.Ints(out)
	return out
}

func (m *memIndex) doc(id string) (models.IndexDocument, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	return d, ok
}

// fakeDrive serves item content from a map.
type fakeDrive struct {
	mu      sync.Mutex
	files   map[string]string
	calls   atomic.Int32
	FailFor map[string]error
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{files: map[string]string{}, FailFor: map[string]error{}}
}

func (f *fakeDrive) put(itemID, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[itemID] = content
}

func (f *fakeDrive) Download(_ context.Context, _, itemID string, w io.Writer) (int64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	content, ok := f.files[itemID]
	err := f.FailFor[itemID]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("item %s not found", itemID)
	}
	n, err := io.Copy(w, strings.NewReader(content))
	return n, err
}

type fakeEmbedder struct {
	Func  func(texts []string) ([][]float32, error)
	calls atomic.Int32

	// HangAfter makes every call past the first HangAfter block until ctx ends.
	HangAfter int32
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	if f.HangAfter > 0 && n > f.HangAfter {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.Func != nil {
		return f.Func(texts)
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func newTestKV(t *testing.T) core.KVStore {
	t.Helper()
	kv, err := kvstore.OpenBadger("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// words returns n distinct space-separated words starting with prefix.
func words(prefix string, n int) string {
	ws := make([]string, n)
	for i := range ws {
		ws[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(ws, " ")
}

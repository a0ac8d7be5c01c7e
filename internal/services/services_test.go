package services

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/drivesync/internal/core"
	ingestor "github.com/markdave123-py/drivesync/internal/core/ingestion_engine"
	"github.com/markdave123-py/drivesync/internal/core/kvstore"
	"github.com/markdave123-py/drivesync/internal/core/localindex"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/core/subscriptions"
	"github.com/markdave123-py/drivesync/internal/models"
)

type fakeArchive struct {
	mu       sync.Mutex
	deleted  []string
	prefixes []string
}

func (f *fakeArchive) UploadFile(context.Context, string, io.Reader, string) (string, error) {
	return "", nil
}

func (f *fakeArchive) DeleteFile(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeArchive) GetFile(context.Context, string) ([]byte, error) { return nil, core.ErrNotFound }

func (f *fakeArchive) DeletePrefix(_ context.Context, prefix string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefix)
	return 3, nil
}

type fakeSubClient struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeSubClient) Create(_ context.Context, req core.SubscriptionRequest) (*models.Subscription, error) {
	return &models.Subscription{ID: "sub-" + req.Resource, Resource: req.Resource, ExpiresAt: req.ExpiresAt}, nil
}

func (f *fakeSubClient) Renew(_ context.Context, id string, exp time.Time) (*models.Subscription, error) {
	return &models.Subscription{ID: id, ExpiresAt: exp}, nil
}

func (f *fakeSubClient) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSubClient) List(context.Context) ([]models.Subscription, error) { return nil, nil }

type recordingSyncs struct {
	mu   sync.Mutex
	jobs []ingestor.SyncJob
}

func (r *recordingSyncs) Enqueue(_ context.Context, job ingestor.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

type harness struct {
	kv      *kvstore.Badger
	index   *localindex.Index
	tenants *state.TenantStore
	tracker *state.Tracker
	cursors *state.CursorStore
	mirror  *state.SubscriptionStore
	client  *fakeSubClient
	archive *fakeArchive
	syncs   *recordingSyncs
	svc     *TenantService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv, err := kvstore.OpenBadger("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	idx, err := localindex.Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	h := &harness{
		kv:      kv,
		index:   idx,
		tenants: state.NewTenantStore(kv),
		tracker: state.NewTracker(kv),
		cursors: state.NewCursorStore(kv),
		mirror:  state.NewSubscriptionStore(kv),
		client:  &fakeSubClient{},
		archive: &fakeArchive{},
		syncs:   &recordingSyncs{},
	}
	mgr := subscriptions.NewManager(h.client, h.mirror, subscriptions.Config{NotificationURL: "https://example.com/hook"}, nil)
	h.svc = NewTenantService(TenantDeps{
		Tenants:       h.tenants,
		Tracker:       h.tracker,
		Cursors:       h.cursors,
		Subscriptions: mgr,
		Index:         idx,
		Archive:       h.archive,
		Syncs:         h.syncs,
	})
	return h
}

func chunkDoc(k models.ItemKey, content string, vec []float32, modified time.Time) models.IndexDocument {
	return models.IndexDocument{
		ID:            models.DocumentKey(k, 0),
		Title:         k.ItemID + ".txt",
		Content:       content,
		Vector:        vec,
		SourceDriveID: k.DriveID,
		SourceItemID:  k.ItemID,
		TenantID:      k.TenantID,
		LastModified:  modified,
	}
}

func TestRetention_RemovesOnlyExpiredItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	days := 30
	_, _, err := h.tenants.Set(ctx, "t1", models.TenantSettingsPatch{RetentionDays: &days})
	require.NoError(t, err)

	old := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "old"}
	fresh := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "fresh"}
	require.NoError(t, h.index.Upsert(ctx, []models.IndexDocument{
		chunkDoc(old, "stale text", nil, now.AddDate(0, 0, -40)),
		chunkDoc(fresh, "recent text", nil, now.AddDate(0, 0, -1)),
	}))
	require.NoError(t, h.tracker.MarkProcessed(ctx, old, "v1"))
	require.NoError(t, h.tracker.MarkProcessed(ctx, fresh, "v1"))

	svc := NewRetentionService(h.tenants, h.index, h.archive, nil)
	svc.now = func() time.Time { return now }

	rep, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Tenants)
	assert.Equal(t, 1, rep.Items)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// expired versions stay known so a full enumeration does not bring them back
	done, err := h.tracker.IsProcessed(ctx, old, "v1")
	require.NoError(t, err)
	assert.True(t, done)
	done, err = h.tracker.IsProcessed(ctx, fresh, "v1")
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, []string{"t1/d1/old.txt"}, h.archive.deleted)
}

type staticDrive map[string]string

func (d staticDrive) Download(_ context.Context, _, itemID string, w io.Writer) (int64, error) {
	n, err := io.WriteString(w, d[itemID])
	return int64(n), err
}

type constEmbedder struct{}

func (constEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func TestRetention_ExpiredItemNotReindexedByFullEnumeration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.tenants.Get(ctx, "t1")
	require.NoError(t, err)

	orch, err := ingestor.NewOrchestrator(ingestor.Deps{
		Index:      h.index,
		Tracker:    h.tracker,
		Downloader: staticDrive{"i1": "quarterly numbers for the old plan"},
		Extractor:  ingestor.NewDocconvExtractor(false),
		Embedder:   constEmbedder{},
	}, ingestor.IngestConfig{TempDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	k := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "i1"}
	rec := models.ChangeRecord{
		Kind:         models.ChangeUpsert,
		ItemID:       "i1",
		Name:         "a.txt",
		Size:         100,
		MimeType:     "text/plain",
		LastModified: time.Now().UTC().AddDate(0, 0, -200).Format(time.RFC3339),
	}
	out, err := orch.ProcessRecord(ctx, k, rec)
	require.NoError(t, err)
	require.Equal(t, ingestor.OutcomeIndexed, out)

	n, err := NewRetentionService(h.tenants, h.index, nil, nil).SweepTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out, err = orch.ProcessRecord(ctx, k, rec)
	require.NoError(t, err)
	assert.Equal(t, ingestor.OutcomeUnchanged, out)

	count, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRetention_NilArchive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.tenants.Get(ctx, "t1")
	require.NoError(t, err)
	k := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "i1"}
	require.NoError(t, h.index.Upsert(ctx, []models.IndexDocument{chunkDoc(k, "x", nil, time.Now().AddDate(-1, 0, 0))}))

	n, err := NewRetentionService(h.tenants, h.index, nil, nil).SweepTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTenant_RegionChangeReprovisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.mirror.Save(ctx, models.Subscription{ID: "s1", TenantID: "t1", DriveID: "d1"}))
	require.NoError(t, h.mirror.Save(ctx, models.Subscription{ID: "s2", TenantID: "t1", DriveID: "d2"}))
	require.NoError(t, h.cursors.Save(ctx, "t1", "d1", "https://graph/delta?token=1"))
	k := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "i1"}
	require.NoError(t, h.tracker.MarkProcessed(ctx, k, "v1"))

	// same region is not a change
	region := "eastus"
	_, err := h.svc.UpdateSettings(ctx, "t1", models.TenantSettingsPatch{Region: &region})
	require.NoError(t, err)
	assert.Empty(t, h.syncs.jobs)

	region = "westeurope"
	ts, err := h.svc.UpdateSettings(ctx, "t1", models.TenantSettingsPatch{Region: &region})
	require.NoError(t, err)
	assert.Equal(t, "westeurope", ts.Region)

	link, err := h.cursors.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Empty(t, link)
	done, err := h.tracker.IsProcessed(ctx, k, "v1")
	require.NoError(t, err)
	assert.False(t, done)

	assert.ElementsMatch(t, []ingestor.SyncJob{
		{TenantID: "t1", DriveID: "d1", Full: true},
		{TenantID: "t1", DriveID: "d2", Full: true},
	}, h.syncs.jobs)
}

func TestTenant_InvalidPatchRejected(t *testing.T) {
	h := newHarness(t)
	zero := 0
	_, err := h.svc.UpdateSettings(context.Background(), "t1", models.TenantSettingsPatch{RetentionDays: &zero})
	assert.ErrorIs(t, err, state.ErrInvalidSettings)
}

func TestTenant_SubscribeQueuesFullSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	sub, err := h.svc.Subscribe(ctx, "t1", "d9")
	require.NoError(t, err)
	assert.Equal(t, "d9", sub.DriveID)
	assert.Equal(t, []ingestor.SyncJob{{TenantID: "t1", DriveID: "d9", Full: true}}, h.syncs.jobs)

	all, err := h.tenants.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "t1", all[0].TenantID)
}

func TestTenant_CleanupKeepsSettingsAndOtherTenants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	days := 7
	_, _, err := h.tenants.Set(ctx, "t1", models.TenantSettingsPatch{RetentionDays: &days})
	require.NoError(t, err)
	require.NoError(t, h.mirror.Save(ctx, models.Subscription{ID: "s1", TenantID: "t1", DriveID: "d1"}))
	require.NoError(t, h.cursors.Save(ctx, "t1", "d1", "link"))

	mine := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "i1"}
	theirs := models.ItemKey{TenantID: "t2", DriveID: "d1", ItemID: "i1"}
	require.NoError(t, h.index.Upsert(ctx, []models.IndexDocument{
		chunkDoc(mine, "a", nil, time.Now()),
		chunkDoc(theirs, "b", nil, time.Now()),
	}))
	require.NoError(t, h.tracker.MarkProcessed(ctx, mine, "v1"))
	require.NoError(t, h.tracker.MarkProcessed(ctx, theirs, "v1"))

	rep, err := h.svc.Cleanup(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Subscriptions)
	assert.Equal(t, 1, rep.Items)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Cursors)
	assert.Equal(t, 3, rep.Archived)

	assert.Equal(t, []string{"s1"}, h.client.deleted)
	assert.Equal(t, []string{"t1/"}, h.archive.prefixes)

	n, err := h.index.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	done, err := h.tracker.IsProcessed(ctx, theirs, "v1")
	require.NoError(t, err)
	assert.True(t, done)

	ts, err := h.svc.Settings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 7, ts.RetentionDays)
}

type stubEmbedder struct {
	err   error
	calls int
}

func (s *stubEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestSearch_TenantScopedHybrid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "a"}
	b := models.ItemKey{TenantID: "t1", DriveID: "d2", ItemID: "b"}
	other := models.ItemKey{TenantID: "t2", DriveID: "d1", ItemID: "c"}
	require.NoError(t, h.index.Upsert(ctx, []models.IndexDocument{
		chunkDoc(a, "quarterly revenue report", []float32{1, 0}, time.Now()),
		chunkDoc(b, "holiday schedule", []float32{0, 1}, time.Now()),
		chunkDoc(other, "quarterly revenue report", []float32{1, 0}, time.Now()),
	}))

	emb := &stubEmbedder{}
	svc := NewSearchService(h.index, emb, nil)

	hits, err := svc.Search(ctx, "t1", SearchRequest{Query: "revenue"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].SourceItemID)
	for _, hit := range hits {
		assert.NotEqual(t, "c", hit.SourceItemID)
	}
	assert.Equal(t, 1, emb.calls)

	hits, err = svc.Search(ctx, "t1", SearchRequest{Query: "revenue", DriveID: "d2"})
	require.NoError(t, err)
	for _, hit := range hits {
		assert.Equal(t, "d2", hit.SourceDriveID)
	}
}

func TestSearch_EmbeddingFailureFallsBackToKeywords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "a"}
	require.NoError(t, h.index.Upsert(ctx, []models.IndexDocument{chunkDoc(a, "budget plan", []float32{1, 0}, time.Now())}))

	svc := NewSearchService(h.index, &stubEmbedder{err: errors.New("quota")}, nil)
	hits, err := svc.Search(ctx, "t1", SearchRequest{Query: "budget", TopK: 500})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].SourceItemID)
}

func TestSearch_EmptyQuery(t *testing.T) {
	_, err := NewSearchService(nil, nil, nil).Search(context.Background(), "t1", SearchRequest{Query: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

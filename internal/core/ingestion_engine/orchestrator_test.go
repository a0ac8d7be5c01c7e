package ingestion_engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/drivesync/internal/config"
	"github.com/markdave123-py/drivesync/internal/core/classifier"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/models"
)

type harness struct {
	orch    *Orchestrator
	index   *memIndex
	drive   *fakeDrive
	emb     *fakeEmbedder
	tracker *state.Tracker
	queue   *LargeFileQueue
	tempDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, IngestConfig{ChunkWords: 300, FileConcurrency: 2, LargeFileTimeout: time.Minute}, time.Minute)
}

func newHarnessWith(t *testing.T, cfg IngestConfig, queueTimeout time.Duration) *harness {
	t.Helper()
	kv := newTestKV(t)
	cfg.TempDir = t.TempDir()
	h := &harness{
		index:   newMemIndex(),
		drive:   newFakeDrive(),
		emb:     &fakeEmbedder{},
		tracker: state.NewTracker(kv),
		tempDir: cfg.TempDir,
	}

	q, err := NewLargeFileQueue(kv, 1, queueTimeout, nil)
	require.NoError(t, err)
	t.Cleanup(q.Close)
	h.queue = q

	o, err := NewOrchestrator(Deps{
		Index:      h.index,
		Tracker:    h.tracker,
		Downloader: h.drive,
		Extractor:  NewDocconvExtractor(false),
		Embedder:   h.emb,
		Queue:      q,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	h.orch = o
	return h
}

func (h *harness) assertTempClean(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp files left behind")
}

func (h *harness) processed(t *testing.T, k models.ItemKey, lm string) bool {
	t.Helper()
	done, err := h.tracker.IsProcessed(context.Background(), k, lm)
	require.NoError(t, err)
	return done
}

var key1 = models.ItemKey{TenantID: "t1", DriveID: "d1", ItemID: "i1"}

func upsert(name string, size int64, lm string) models.ChangeRecord {
	return models.ChangeRecord{Kind: models.ChangeUpsert, ItemID: key1.ItemID, Name: name, Size: size, MimeType: "text/plain", LastModified: lm}
}

func TestOrchestrator_IndexesStandardFile(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", words("w", 650))

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("notes.txt", 4000, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, out)

	assert.Equal(t, []int{0, 1, 2}, h.index.chunksOf("i1"))
	d, ok := h.index.doc("t1_d1_i1_1")
	require.True(t, ok)
	assert.Equal(t, "notes.txt", d.Title)
	assert.Equal(t, "standard", d.SizeCategory)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), d.LastModified)
	assert.True(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	h.assertTempClean(t)
}

func TestOrchestrator_IdempotentReprocessingWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", words("w", 100))
	rec := upsert("notes.txt", 500, "2025-03-01T10:00:00Z")

	_, err := h.orch.ProcessRecord(context.Background(), key1, rec)
	require.NoError(t, err)
	upserts, deletes := h.index.writes()

	out, err := h.orch.ProcessRecord(context.Background(), key1, rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, out)

	u2, d2 := h.index.writes()
	assert.Equal(t, upserts, u2)
	assert.Equal(t, deletes, d2)
	assert.Equal(t, int32(1), h.drive.calls.Load(), "unchanged version must not be downloaded")
}

func TestOrchestrator_NewVersionReplacesChunkSet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.drive.put("i1", words("old", 700))
	_, err := h.orch.ProcessRecord(ctx, key1, upsert("notes.txt", 5000, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, h.index.chunksOf("i1"))

	h.drive.put("i1", words("new", 250))
	out, err := h.orch.ProcessRecord(ctx, key1, upsert("notes.txt", 2000, "2025-03-02T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, out)

	assert.Equal(t, []int{0}, h.index.chunksOf("i1"))
	d, _ := h.index.doc("t1_d1_i1_0")
	assert.True(t, strings.HasPrefix(d.Content, "new0"))
}

func TestOrchestrator_DeletionRemovesEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.drive.put("i1", words("w", 400))
	_, err := h.orch.ProcessRecord(ctx, key1, upsert("notes.txt", 3000, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)

	out, err := h.orch.ProcessRecord(ctx, key1, models.ChangeRecord{Kind: models.ChangeDeleted, ItemID: "i1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, out)
	assert.Empty(t, h.index.chunksOf("i1"))
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
}

func TestOrchestrator_FailedChunkIsDropped(t *testing.T) {
	h := newHarness(t)
	h.emb.Func = func(texts []string) ([][]float32, error) {
		for _, t := range texts {
			if strings.Contains(t, "poison") {
				return nil, errors.New("content filtered")
			}
		}
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = []float32{1, 2, 3}
		}
		return out, nil
	}
	h.drive.put("i1", words("a", 300)+" "+words("b", 150)+" poison "+words("c", 149)+" "+words("d", 50))

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("notes.txt", 5000, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, out)
	assert.Equal(t, []int{0, 2}, h.index.chunksOf("i1"))
	assert.True(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
}

func TestOrchestrator_AllChunksFailingWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.emb.Func = func([]string) ([][]float32, error) { return nil, errors.New("embedding service down") }
	h.drive.put("i1", words("w", 500))

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("notes.txt", 3000, "2025-03-01T10:00:00Z"))
	assert.ErrorIs(t, err, ErrNoChunksEmbedded)
	assert.Equal(t, OutcomeFailed, out)

	upserts, deletes := h.index.writes()
	assert.Zero(t, upserts)
	assert.Zero(t, deletes)
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	h.assertTempClean(t)
}

func TestOrchestrator_DownloadFailureLeavesItemUnmarked(t *testing.T) {
	h := newHarness(t)
	h.drive.FailFor["i1"] = errors.New("connection reset")

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("notes.txt", 3000, "2025-03-01T10:00:00Z"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	h.assertTempClean(t)
}

func TestOrchestrator_EmptyTextIsNoContent(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", "  \n\n\t \n")

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("empty.txt", 7, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoContent, out)
	assert.Zero(t, h.emb.calls.Load())
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	h.assertTempClean(t)
}

func TestOrchestrator_SkipsIneligibleWithoutDownload(t *testing.T) {
	h := newHarness(t)
	rec := upsert("malware.exe", 100, "2025-03-01T10:00:00Z")
	rec.MimeType = "application/x-msdownload"

	out, err := h.orch.ProcessRecord(context.Background(), key1, rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, out)
	assert.Zero(t, h.drive.calls.Load())
}

func TestOrchestrator_StreamingTier(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", words("s", 650))

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("big.txt", 60*config.MB, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIndexed, out)

	assert.Equal(t, []int{0, 1, 2}, h.index.chunksOf("i1"))
	d, _ := h.index.doc("t1_d1_i1_2")
	assert.Equal(t, "streaming", d.SizeCategory)
	assert.Len(t, strings.Fields(d.Content), 50)
	assert.True(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	h.assertTempClean(t)
}

func TestOrchestrator_QueuedTierRunsThroughQueue(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", words("q", 320))
	rec := upsert("huge.txt", 300*config.MB, "2025-03-01T10:00:00Z")

	out, err := h.orch.ProcessRecord(context.Background(), key1, rec)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQueued, out)
	assert.Zero(t, h.drive.calls.Load(), "queued files are downloaded by the queue worker")

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "queued", pending[0].ProcessingType)
	assert.NotEmpty(t, pending[0].ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.queue.SetHandler(h.orch.ProcessJob, nil)
	h.queue.Start(ctx)

	require.Eventually(t, func() bool {
		return h.processed(t, key1, "2025-03-01T10:00:00Z")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int{0, 1}, h.index.chunksOf("i1"))

	require.Eventually(t, func() bool {
		p, err := h.queue.Pending(context.Background())
		return err == nil && len(p) == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOrchestrator_QueueFailureCallsHook(t *testing.T) {
	h := newHarness(t)
	h.drive.FailFor["i1"] = errors.New("throttled")

	_, err := h.orch.ProcessRecord(context.Background(), key1, upsert("huge.txt", 300*config.MB, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)

	failed := make(chan models.LargeFileJob, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.queue.SetHandler(h.orch.ProcessJob, func(j models.LargeFileJob) { failed <- j })
	h.queue.Start(ctx)

	select {
	case j := <-failed:
		assert.Equal(t, "i1", j.ItemID)
	case <-time.After(5 * time.Second):
		t.Fatal("failure hook not called")
	}
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
}

func TestOrchestrator_StreamingTimeoutAbandonsFile(t *testing.T) {
	h := newHarnessWith(t, IngestConfig{ChunkWords: 10, StreamingBatchSize: 1, EmbedBatchSize: 1, LargeFileTimeout: 200 * time.Millisecond}, time.Minute)
	h.emb.HangAfter = 1
	h.drive.put("i1", words("s", 30))

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("big.txt", 60*config.MB, "2025-03-01T10:00:00Z"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	assert.Empty(t, h.index.chunksOf("i1"), "written chunks of an abandoned file are removed")
	h.assertTempClean(t)
}

func TestOrchestrator_StandardTierCancelledWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", words("w", 20))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.emb.Func = func([]string) ([][]float32, error) {
		cancel()
		return nil, errors.New("connection reset")
	}

	out, err := h.orch.ProcessRecord(ctx, key1, upsert("a.txt", 100, "2025-03-01T10:00:00Z"))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.ErrorIs(t, err, context.Canceled)

	upserts, _ := h.index.writes()
	assert.Zero(t, upserts)
	assert.Equal(t, int32(1), h.emb.calls.Load(), "no per-chunk retries after cancellation")
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	h.assertTempClean(t)
}

func TestLargeFileQueue_TimeoutFailsJob(t *testing.T) {
	h := newHarnessWith(t, IngestConfig{ChunkWords: 10, StreamingBatchSize: 1, EmbedBatchSize: 1}, 200*time.Millisecond)
	h.emb.HangAfter = 1
	h.drive.put("i1", words("q", 30))

	out, err := h.orch.ProcessRecord(context.Background(), key1, upsert("huge.txt", 300*config.MB, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, out)

	var failed []models.LargeFileJob
	h.queue.SetHandler(h.orch.ProcessJob, func(j models.LargeFileJob) { failed = append(failed, j) })

	n, err := h.queue.RunPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, failed, 1)
	assert.Equal(t, "i1", failed[0].ItemID)
	assert.False(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	assert.Empty(t, h.index.chunksOf("i1"))
	h.assertTempClean(t)

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLargeFileQueue_RunPendingDrains(t *testing.T) {
	h := newHarness(t)
	h.drive.put("i1", words("q", 320))

	_, err := h.orch.ProcessRecord(context.Background(), key1, upsert("huge.txt", 300*config.MB, "2025-03-01T10:00:00Z"))
	require.NoError(t, err)
	h.queue.SetHandler(h.orch.ProcessJob, nil)

	n, err := h.queue.RunPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, h.processed(t, key1, "2025-03-01T10:00:00Z"))
	assert.Equal(t, []int{0, 1}, h.index.chunksOf("i1"))

	n, err = h.queue.RunPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewFileMeta_BadTimestampFallsBackToNow(t *testing.T) {
	before := time.Now().UTC()
	m := newFileMeta(slog.Default(), key1, upsert("a.txt", 1, "yesterday"), classifier.Standard)
	assert.False(t, m.LastModified.Before(before.Add(-time.Second)))

	m = newFileMeta(slog.Default(), key1, upsert("a.txt", 1, "2025-03-01T10:00:00.5Z"), classifier.Standard)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 5e8, time.UTC), m.LastModified)
}

func TestProcessChanges_CountsOutcomesAndKeepsGoing(t *testing.T) {
	h := newHarness(t)
	h.drive.put("ok", words("w", 10))
	h.drive.FailFor["bad"] = errors.New("boom")

	records := []models.ChangeRecord{
		{Kind: models.ChangeUpsert, ItemID: "ok", Name: "a.txt", Size: 100, MimeType: "text/plain", LastModified: "2025-03-01T10:00:00Z"},
		{Kind: models.ChangeUpsert, ItemID: "bad", Name: "b.txt", Size: 100, MimeType: "text/plain", LastModified: "2025-03-01T10:00:00Z"},
		{Kind: models.ChangeUpsert, ItemID: "vid", Name: "archive.mp4", Size: 100, MimeType: "video/mp4"},
		{Kind: models.ChangeDeleted, ItemID: "gone"},
	}
	sum := h.orch.ProcessChanges(context.Background(), "t1", "d1", records)

	assert.Equal(t, 1, sum.Indexed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Deleted)
	assert.Error(t, sum.Err())
}

func TestLatestPerItem(t *testing.T) {
	in := []models.ChangeRecord{
		{ItemID: "a", LastModified: "1"},
		{ItemID: "b"},
		{ItemID: "a", Kind: models.ChangeDeleted},
	}
	out := latestPerItem(in)
	require.Len(t, out, 2)
	assert.Equal(t, models.ChangeDeleted, out[0].Kind)
	assert.Equal(t, "b", out[1].ItemID)
}

package ingestion_engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/core/classifier"
	objectclient "github.com/markdave123-py/drivesync/internal/core/object-client"
	"github.com/markdave123-py/drivesync/internal/models"
)

// ErrNoChunksEmbedded means every chunk of a file failed to embed; nothing was
// written and the item stays unmarked so the next cycle retries it.
var ErrNoChunksEmbedded = errors.New("no chunk could be embedded")

// ProcessedTracker remembers which item versions are already indexed.
type ProcessedTracker interface {
	IsProcessed(ctx context.Context, k models.ItemKey, lastModified string) (bool, error)
	MarkProcessed(ctx context.Context, k models.ItemKey, lastModified string) error
	Forget(ctx context.Context, k models.ItemKey) error
}

// Outcome is the terminal state of one change record.
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeIndexed
	OutcomeDeleted
	OutcomeUnchanged
	OutcomeSkipped
	OutcomeNoContent
	OutcomeQueued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIndexed:
		return "indexed"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNoContent:
		return "no-content"
	case OutcomeQueued:
		return "queued"
	default:
		return "failed"
	}
}

// Summary counts the outcomes of one delta cycle.
type Summary struct {
	Indexed   int `json:"indexed"`
	Deleted   int `json:"deleted"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	NoContent int `json:"no_content"`
	Queued    int `json:"queued"`
	Failed    int `json:"failed"`

	mu   sync.Mutex
	errs []error
}

func (s *Summary) add(o Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case OutcomeIndexed:
		s.Indexed++
	case OutcomeDeleted:
		s.Deleted++
	case OutcomeUnchanged:
		s.Unchanged++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeNoContent:
		s.NoContent++
	case OutcomeQueued:
		s.Queued++
	default:
		s.Failed++
		if err != nil {
			s.errs = append(s.errs, err)
		}
	}
}

// Err joins the per-file failures of the cycle.
func (s *Summary) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.errs...)
}

// Deps are the collaborators of the orchestrator. Archive and Queue are optional.
type Deps struct {
	Index      core.IndexClient
	Tracker    ProcessedTracker
	Downloader core.ContentDownloader
	Extractor  core.DocumentExtractor
	Embedder   core.EmbeddingProvider
	Classifier *classifier.Classifier
	Archive    core.ObjectClient
	Queue      *LargeFileQueue
	Logger     *slog.Logger
}

// Orchestrator applies resolved change records to the index.
type Orchestrator struct {
	index      core.IndexClient
	tracker    ProcessedTracker
	downloader core.ContentDownloader
	extractor  core.DocumentExtractor
	embedder   core.EmbeddingProvider
	classifier *classifier.Classifier
	archive    core.ObjectClient
	queue      *LargeFileQueue
	streamPool *ants.Pool
	cfg        IngestConfig
	logger     *slog.Logger
}

func NewOrchestrator(d Deps, cfg IngestConfig) (*Orchestrator, error) {
	if d.Index == nil || d.Tracker == nil || d.Downloader == nil || d.Extractor == nil || d.Embedder == nil {
		return nil, fmt.Errorf("orchestrator: index, tracker, downloader, extractor and embedder are required")
	}
	cfg = cfg.withDefaults()
	if d.Classifier == nil {
		d.Classifier = classifier.New(classifier.DefaultThresholds())
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	pool, err := ants.NewPool(cfg.StreamingWorkers)
	if err != nil {
		return nil, fmt.Errorf("streaming pool: %w", err)
	}

	return &Orchestrator{
		index:      d.Index,
		tracker:    d.Tracker,
		downloader: d.Downloader,
		extractor:  d.Extractor,
		embedder:   d.Embedder,
		classifier: d.Classifier,
		archive:    d.Archive,
		queue:      d.Queue,
		streamPool: pool,
		cfg:        cfg,
		logger:     d.Logger.With("component", "orchestrator"),
	}, nil
}

// Close releases the streaming pool.
func (o *Orchestrator) Close() {
	o.streamPool.Release()
}

// ProcessChanges applies one delta cycle. Files run in parallel up to
// FileConcurrency; a failing file never aborts the others.
func (o *Orchestrator) ProcessChanges(ctx context.Context, tenantID, driveID string, records []models.ChangeRecord) *Summary {
	sum := &Summary{}
	records = latestPerItem(records)

	var g errgroup.Group
	g.SetLimit(o.cfg.FileConcurrency)
	for _, rec := range records {
		g.Go(func() error {
			key := models.ItemKey{TenantID: tenantID, DriveID: driveID, ItemID: rec.ItemID}
			out, err := o.ProcessRecord(ctx, key, rec)
			sum.add(out, err)
			return nil
		})
	}
	_ = g.Wait()

	o.logger.Info("delta cycle applied",
		"tenant", tenantID, "drive", driveID, "records", len(records),
		"indexed", sum.Indexed, "deleted", sum.Deleted, "unchanged", sum.Unchanged,
		"skipped", sum.Skipped, "no_content", sum.NoContent, "queued", sum.Queued, "failed", sum.Failed)
	return sum
}

// latestPerItem keeps the last record of every item, in first-seen order.
func latestPerItem(records []models.ChangeRecord) []models.ChangeRecord {
	idx := make(map[string]int, len(records))
	out := make([]models.ChangeRecord, 0, len(records))
	for _, r := range records {
		if i, ok := idx[r.ItemID]; ok {
			out[i] = r
			continue
		}
		idx[r.ItemID] = len(out)
		out = append(out, r)
	}
	return out
}

// ProcessRecord drives a single change record to a terminal outcome.
func (o *Orchestrator) ProcessRecord(ctx context.Context, key models.ItemKey, rec models.ChangeRecord) (Outcome, error) {
	log := o.logger.With("tenant", key.TenantID, "drive", key.DriveID, "item", key.ItemID, "file", rec.Name)

	var (
		out Outcome
		err error
	)
	if rec.Kind == models.ChangeDeleted {
		out, err = o.processDeletion(ctx, log, key)
	} else {
		out, err = o.processUpsert(ctx, log, key, rec)
	}
	if err != nil {
		log.Error("file processing failed", "err", err)
	}
	return out, err
}

func (o *Orchestrator) processDeletion(ctx context.Context, log *slog.Logger, key models.ItemKey) (Outcome, error) {
	log = log.With("stage", "delete")
	if _, err := o.index.DeleteByFilter(ctx, itemFilter(key)); err != nil {
		return OutcomeFailed, fmt.Errorf("delete chunks: %w", err)
	}
	if err := o.tracker.Forget(ctx, key); err != nil {
		return OutcomeFailed, fmt.Errorf("forget processed record: %w", err)
	}
	o.removeArchive(ctx, log, key)
	log.Info("item removed from index")
	return OutcomeDeleted, nil
}

func (o *Orchestrator) processUpsert(ctx context.Context, log *slog.Logger, key models.ItemKey, rec models.ChangeRecord) (Outcome, error) {
	dec := o.classifier.Classify(rec.Name, rec.MimeType, rec.Size)
	if !dec.Eligible() {
		log.Info("file skipped", "stage", "classify", "reason", dec.Reason)
		return OutcomeSkipped, nil
	}

	done, err := o.tracker.IsProcessed(ctx, key, rec.LastModified)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		log.Debug("version already indexed", "stage", "idempotency", "last_modified", rec.LastModified)
		return OutcomeUnchanged, nil
	}

	log = log.With("tier", dec.Tier.String())
	log.Info("processing decision", "stage", "classify", "reason", dec.Reason,
		"size", rec.Size, "estimated_cost_usd", classifier.EstimateCost(rec.Size, rec.Name))

	switch dec.Tier {
	case classifier.Standard:
		return o.indexStandard(ctx, log, key, rec)
	case classifier.Streaming:
		return o.runStreaming(ctx, log, key, rec)
	case classifier.Queued:
		return o.enqueueLarge(ctx, log, key, rec)
	default:
		return OutcomeSkipped, nil
	}
}

// indexStandard handles files small enough to extract in one piece.
func (o *Orchestrator) indexStandard(ctx context.Context, log *slog.Logger, key models.ItemKey, rec models.ChangeRecord) (Outcome, error) {
	path, cleanup, err := o.download(ctx, log, key, rec)
	if err != nil {
		return OutcomeFailed, err
	}
	defer cleanup()

	text, err := o.extractor.Extract(ctx, path, rec.Name, rec.MimeType)
	if errors.Is(err, core.ErrUnsupportedFormat) {
		log.Info("file skipped", "stage", "extract", "reason", err.Error())
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("extract: %w", err)
	}

	texts := ChunkWords(text, o.cfg.ChunkWords)
	if len(texts) == 0 {
		log.Info("no extractable text", "stage", "extract")
		return OutcomeNoContent, nil
	}
	if !o.checkCapacity(ctx, log, len(texts)) {
		return OutcomeSkipped, nil
	}

	items := make([]chunk, len(texts))
	for i, t := range texts {
		items[i] = chunk{Pos: i, Text: t}
	}
	meta := newFileMeta(log, key, rec, classifier.Standard)
	docs, dropped, err := o.embedChunks(ctx, log.With("stage", "embed"), meta, items)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("embed abandoned: %w", err)
	}
	if len(docs) == 0 {
		return OutcomeFailed, fmt.Errorf("%w: %d chunks", ErrNoChunksEmbedded, len(items))
	}

	if err := ctx.Err(); err != nil {
		return OutcomeFailed, fmt.Errorf("abandoned before write: %w", err)
	}
	// replace the previous version as a set
	if _, err := o.index.DeleteByFilter(ctx, itemFilter(key)); err != nil {
		return OutcomeFailed, fmt.Errorf("delete previous chunks: %w", err)
	}
	if err := o.upsertBatches(ctx, docs, o.cfg.UploadBatchSize); err != nil {
		return OutcomeFailed, err
	}

	if err := ctx.Err(); err != nil {
		return OutcomeFailed, fmt.Errorf("abandoned after write: %w", err)
	}
	o.storeArchive(ctx, log, key, strings.NewReader(text))
	if err := o.tracker.MarkProcessed(ctx, key, rec.LastModified); err != nil {
		return OutcomeFailed, fmt.Errorf("mark processed: %w", err)
	}
	log.Info("file indexed", "stage", "index", "chunks", len(docs), "dropped", dropped)
	return OutcomeIndexed, nil
}

// runStreaming runs a streaming-tier file on the bounded streaming pool under
// the large-file hard timeout.
func (o *Orchestrator) runStreaming(ctx context.Context, log *slog.Logger, key models.ItemKey, rec models.ChangeRecord) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LargeFileTimeout)
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	if err := o.streamPool.Submit(func() {
		out, err := o.indexStreaming(ctx, log, key, rec, classifier.Streaming)
		done <- result{out, err}
	}); err != nil {
		return OutcomeFailed, fmt.Errorf("submit streaming job: %w", err)
	}
	r := <-done
	return r.out, r.err
}

func (o *Orchestrator) enqueueLarge(ctx context.Context, log *slog.Logger, key models.ItemKey, rec models.ChangeRecord) (Outcome, error) {
	if o.queue == nil {
		return OutcomeFailed, fmt.Errorf("no large-file queue configured")
	}
	job, err := o.queue.Enqueue(ctx, models.LargeFileJob{
		DriveID:      key.DriveID,
		ItemID:       key.ItemID,
		FileName:     rec.Name,
		FileSize:     rec.Size,
		MimeType:     rec.MimeType,
		LastModified: rec.LastModified,
		TenantID:     key.TenantID,
	})
	if err != nil {
		return OutcomeFailed, err
	}
	log.Info("file queued", "stage", "queue", "job", job.ID)
	return OutcomeQueued, nil
}

// ProcessJob is the large-file queue handler: the streaming contract applied to one job.
func (o *Orchestrator) ProcessJob(ctx context.Context, job models.LargeFileJob) error {
	key := models.ItemKey{TenantID: job.TenantID, DriveID: job.DriveID, ItemID: job.ItemID}
	rec := job.Record()
	log := o.logger.With("tenant", key.TenantID, "drive", key.DriveID, "item", key.ItemID, "file", rec.Name, "tier", classifier.Queued.String(), "job", job.ID)

	done, err := o.tracker.IsProcessed(ctx, key, rec.LastModified)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if done {
		log.Debug("version already indexed", "stage", "idempotency")
		return nil
	}

	_, err = o.indexStreaming(ctx, log, key, rec, classifier.Queued)
	return err
}

// indexStreaming embeds and writes chunks while the text is still being
// extracted. The previous chunk set is removed first. A run that fails or
// outlives its deadline removes what it wrote and leaves the item unmarked.
func (o *Orchestrator) indexStreaming(ctx context.Context, log *slog.Logger, key models.ItemKey, rec models.ChangeRecord, tier classifier.Tier) (Outcome, error) {
	path, cleanup, err := o.download(ctx, log, key, rec)
	if err != nil {
		return OutcomeFailed, err
	}
	defer cleanup()

	if !o.checkCapacity(ctx, log, classifier.EstimateChunks(rec.Size, rec.Name, o.cfg.ChunkWords)) {
		return OutcomeSkipped, nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(sctx)

	lines, err := o.extractor.ExtractStream(gctx, g, path, rec.Name, rec.MimeType)
	if errors.Is(err, core.ErrUnsupportedFormat) {
		log.Info("file skipped", "stage", "extract", "reason", err.Error())
		return OutcomeSkipped, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("extract: %w", err)
	}

	if _, err := o.index.DeleteByFilter(ctx, itemFilter(key)); err != nil {
		cancel()
		_ = g.Wait()
		return OutcomeFailed, fmt.Errorf("delete previous chunks: %w", err)
	}

	var arch *os.File
	var archW *bufio.Writer
	if o.archive != nil {
		if arch, err = os.CreateTemp(o.cfg.TempDir, "drivesync-text-*.txt"); err == nil {
			defer func() {
				arch.Close()
				os.Remove(arch.Name())
			}()
			archW = bufio.NewWriter(arch)
			lines = teeLines(gctx, g, lines, archW)
		} else {
			log.Warn("archive disabled for file", "err", err)
		}
	}

	chunks := streamChunk(gctx, g, lines, o.cfg.ChunkWords)
	meta := newFileMeta(log, key, rec, tier)
	var written, dropped int
	g.Go(func() error {
		var err error
		written, dropped, err = o.embedAndPersist(gctx, log.With("stage", "embed"), meta, chunks, o.cfg.StreamingBatchSize)
		return err
	})

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		o.dropPartial(ctx, log, key)
		return OutcomeFailed, fmt.Errorf("streaming pipeline after %d chunks: %w", written, err)
	}
	if written == 0 && dropped == 0 {
		log.Info("no extractable text", "stage", "extract")
		return OutcomeNoContent, nil
	}
	if written == 0 {
		return OutcomeFailed, fmt.Errorf("%w: %d chunks", ErrNoChunksEmbedded, dropped)
	}

	if archW != nil {
		if err := archW.Flush(); err == nil {
			if _, err := arch.Seek(0, io.SeekStart); err == nil {
				o.storeArchive(ctx, log, key, arch)
			}
		}
	}
	if err := o.tracker.MarkProcessed(ctx, key, rec.LastModified); err != nil {
		return OutcomeFailed, fmt.Errorf("mark processed: %w", err)
	}
	log.Info("file indexed", "stage", "index", "chunks", written, "dropped", dropped)
	return OutcomeIndexed, nil
}

// download writes the item into a temp file. cleanup removes it and is safe
// to call on every exit path.
func (o *Orchestrator) download(ctx context.Context, log *slog.Logger, key models.ItemKey, rec models.ChangeRecord) (string, func(), error) {
	f, err := os.CreateTemp(o.cfg.TempDir, "drivesync-*"+filepath.Ext(rec.Name))
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("temp file not removed", "path", path, "err", err)
		}
	}

	start := time.Now()
	n, err := o.downloader.Download(ctx, key.DriveID, key.ItemID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("download: %w", err)
	}
	log.Debug("file downloaded", "stage", "download", "bytes", n, "elapsed", time.Since(start))
	return path, cleanup, nil
}

func (o *Orchestrator) checkCapacity(ctx context.Context, log *slog.Logger, newChunks int) bool {
	if o.cfg.IndexCapacity <= 0 {
		return true
	}
	current, err := o.index.Count(ctx)
	if err != nil {
		log.Warn("index capacity unknown, continuing", "stage", "capacity", "err", err)
		return true
	}
	ok, reason := classifier.CheckCapacity(current, newChunks, o.cfg.IndexCapacity)
	if !ok {
		log.Warn("file skipped", "stage", "capacity", "reason", reason)
	}
	return ok
}

func (o *Orchestrator) storeArchive(ctx context.Context, log *slog.Logger, key models.ItemKey, r io.Reader) {
	if o.archive == nil {
		return
	}
	if _, err := o.archive.UploadFile(ctx, objectclient.ArchiveKey(key), r, "text/plain; charset=utf-8"); err != nil {
		log.Warn("text archive failed", "stage", "archive", "err", err)
	}
}

func (o *Orchestrator) removeArchive(ctx context.Context, log *slog.Logger, key models.ItemKey) {
	if o.archive == nil {
		return
	}
	if err := o.archive.DeleteFile(ctx, objectclient.ArchiveKey(key)); err != nil {
		log.Warn("archived text not removed", "stage", "archive", "err", err)
	}
}

// dropPartial removes the chunks an abandoned streaming run already wrote. It
// runs detached from ctx, which is usually the one that expired.
func (o *Orchestrator) dropPartial(ctx context.Context, log *slog.Logger, key models.ItemKey) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := o.index.DeleteByFilter(dctx, itemFilter(key)); err != nil {
		log.Warn("partial chunks not removed", "stage", "index", "err", err)
	}
}

func teeLines(ctx context.Context, g *errgroup.Group, in <-chan string, w io.Writer) <-chan string {
	out := make(chan string, 32)
	g.Go(func() error {
		defer close(out)
		for l := range in {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return err
			}
			select {
			case out <- l:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return out
}

func itemFilter(k models.ItemKey) core.IndexFilter {
	return core.IndexFilter{TenantID: k.TenantID, DriveID: k.DriveID, ItemID: k.ItemID}
}

// newFileMeta falls back to the current time when the source timestamp is
// unusable, so retention treats the item the same on every index backend.
func newFileMeta(log *slog.Logger, key models.ItemKey, rec models.ChangeRecord, tier classifier.Tier) fileMeta {
	lm, err := time.Parse(time.RFC3339, rec.LastModified)
	if err != nil {
		log.Warn("unparsable last modified time, using now", "last_modified", rec.LastModified, "err", err)
		lm = time.Now()
	}
	return fileMeta{
		Key:          key,
		Title:        rec.Name,
		LastModified: lm.UTC(),
		SizeCategory: tier.String(),
	}
}

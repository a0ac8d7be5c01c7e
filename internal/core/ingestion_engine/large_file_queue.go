package ingestion_engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

const (
	queuePrefix = "queue/large/"

	// ProcessingTypeQueued tags jobs of the queued tier.
	ProcessingTypeQueued = "queued"
)

// JobHandler processes one large-file job.
type JobHandler func(ctx context.Context, job models.LargeFileJob) error

// LargeFileQueue is a KV-persisted job queue drained by a small ants pool.
// Jobs survive restarts; one pending job is kept per item and a newer version
// of the item replaces it.
type LargeFileQueue struct {
	kv      core.KVStore
	pool    *ants.Pool
	timeout time.Duration
	logger  *slog.Logger

	handler   JobHandler
	onFailure func(models.LargeFileJob)

	wake     chan struct{}
	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

func NewLargeFileQueue(kv core.KVStore, workers int, timeout time.Duration, logger *slog.Logger) (*LargeFileQueue, error) {
	if workers < 1 {
		workers = 1
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LargeFileQueue{
		kv:       kv,
		pool:     pool,
		timeout:  timeout,
		logger:   logger.With("component", "large-file-queue"),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]bool),
	}, nil
}

// SetHandler installs the job processor and the hook called when a job fails.
func (q *LargeFileQueue) SetHandler(h JobHandler, onFailure func(models.LargeFileJob)) {
	q.handler = h
	q.onFailure = onFailure
}

func jobKey(j models.LargeFileJob) string {
	return queuePrefix + url.PathEscape(j.TenantID) + "/" + url.PathEscape(j.DriveID) + "/" + url.PathEscape(j.ItemID)
}

// Enqueue persists the job and wakes the dispatcher.
func (q *LargeFileQueue) Enqueue(ctx context.Context, job models.LargeFileJob) (models.LargeFileJob, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.QueuedAt.IsZero() {
		job.QueuedAt = time.Now().UTC()
	}
	job.ProcessingType = ProcessingTypeQueued

	b, err := json.Marshal(job)
	if err != nil {
		return job, err
	}
	if err := q.kv.Put(ctx, jobKey(job), b); err != nil {
		return job, fmt.Errorf("persist large-file job: %w", err)
	}

	q.signal()
	return job, nil
}

// Pending lists the jobs still waiting or running.
func (q *LargeFileQueue) Pending(ctx context.Context) ([]models.LargeFileJob, error) {
	var jobs []models.LargeFileJob
	err := q.kv.Scan(ctx, queuePrefix, func(_ string, v []byte) error {
		var j models.LargeFileJob
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		jobs = append(jobs, j)
		return nil
	})
	return jobs, err
}

// Start dispatches persisted jobs until ctx is cancelled. Jobs left over from a
// previous run are picked up immediately.
func (q *LargeFileQueue) Start(ctx context.Context) {
	q.signal()
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				q.logger.Info("large-file queue shutting down")
				return
			case <-q.wake:
			case <-t.C:
			}
			q.dispatch(ctx)
		}
	}()
}

func (q *LargeFileQueue) dispatch(ctx context.Context) {
	jobs, err := q.Pending(ctx)
	if err != nil {
		q.logger.Error("scan large-file queue", "err", err)
		return
	}

	for _, job := range jobs {
		k := jobKey(job)
		q.mu.Lock()
		busy := q.inflight[k]
		if !busy {
			q.inflight[k] = true
		}
		q.mu.Unlock()
		if busy {
			continue
		}

		q.wg.Add(1)
		job := job
		// blocks while the pool is saturated
		if err := q.pool.Submit(func() {
			defer q.wg.Done()
			q.run(ctx, job)
		}); err != nil {
			q.wg.Done()
			q.release(k)
			q.logger.Error("submit large-file job", "job", job.ID, "err", err)
			return
		}
	}
}

func (q *LargeFileQueue) run(ctx context.Context, job models.LargeFileJob) {
	k := jobKey(job)
	defer q.release(k)

	log := q.logger.With("job", job.ID, "tenant", job.TenantID, "drive", job.DriveID, "item", job.ItemID, "file", job.FileName)
	if q.handler == nil {
		log.Error("no handler installed for large-file queue")
		return
	}

	jctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := time.Now()
	err := q.handler(jctx, job)
	if errors.Is(ctx.Err(), context.Canceled) {
		// shutdown: leave the job persisted for the next run
		return
	}

	if err != nil {
		log.Error("large-file job failed", "err", err, "elapsed", time.Since(start))
		if q.onFailure != nil {
			q.onFailure(job)
		}
	} else {
		log.Info("large-file job done", "elapsed", time.Since(start))
	}
	q.complete(ctx, k, job.ID)
}

// complete removes the job unless a newer version of the item replaced it meanwhile.
func (q *LargeFileQueue) complete(ctx context.Context, k, id string) {
	v, err := q.kv.Get(ctx, k)
	if errors.Is(err, core.ErrNotFound) {
		return
	}
	if err != nil {
		q.logger.Error("read large-file job", "key", k, "err", err)
		return
	}
	var cur models.LargeFileJob
	if err := json.Unmarshal(v, &cur); err == nil && cur.ID != id {
		q.signal()
		return
	}
	if err := q.kv.Delete(ctx, k); err != nil {
		q.logger.Error("delete large-file job", "key", k, "err", err)
	}
}

func (q *LargeFileQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *LargeFileQueue) release(k string) {
	q.mu.Lock()
	delete(q.inflight, k)
	q.mu.Unlock()
}

// RunPending processes every persisted job once and waits for all of them.
// One-shot processes without a running dispatcher use it in place of Start.
func (q *LargeFileQueue) RunPending(ctx context.Context) (int, error) {
	jobs, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	q.logger.Info("running pending large-file jobs", "jobs", len(jobs))
	q.dispatch(ctx)
	q.wg.Wait()
	return len(jobs), nil
}

// Wait blocks until every submitted job has returned.
func (q *LargeFileQueue) Wait() {
	q.wg.Wait()
}

// Close waits for running jobs and releases the pool.
func (q *LargeFileQueue) Close() {
	q.wg.Wait()
	q.pool.Release()
}

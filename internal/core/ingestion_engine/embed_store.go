package ingestion_engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/drivesync/internal/models"
)

// fileMeta is what every chunk document of one item version carries.
type fileMeta struct {
	Key          models.ItemKey
	Title        string
	LastModified time.Time
	SizeCategory string
}

func (m fileMeta) document(c chunk, vec []float32, now time.Time) models.IndexDocument {
	return models.IndexDocument{
		ID:            models.DocumentKey(m.Key, c.Pos),
		Title:         m.Title,
		Content:       c.Text,
		Chunk:         c.Pos,
		Vector:        vec,
		SourceDriveID: m.Key.DriveID,
		SourceItemID:  m.Key.ItemID,
		TenantID:      m.Key.TenantID,
		LastModified:  m.LastModified,
		SizeCategory:  m.SizeCategory,
		IndexedAt:     now,
	}
}

// embedChunks embeds items in requests of EmbedBatchSize. When a batch request
// fails, its chunks are retried one by one and the ones that still fail are
// dropped. The returned documents keep their original chunk positions.
// Once ctx is done nothing more is dropped: the file is abandoned with ctx.Err().
func (o *Orchestrator) embedChunks(ctx context.Context, log *slog.Logger, meta fileMeta, items []chunk) ([]models.IndexDocument, int, error) {
	docs := make([]models.IndexDocument, 0, len(items))
	dropped := 0
	now := time.Now().UTC()

	for start := 0; start < len(items); start += o.cfg.EmbedBatchSize {
		batch := items[start:min(start+o.cfg.EmbedBatchSize, len(items))]

		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Text
		}

		vecs, err := o.embedder.EmbedTexts(ctx, texts)
		if cerr := ctx.Err(); cerr != nil {
			return nil, dropped, cerr
		}
		if err == nil && len(vecs) == len(batch) {
			for i := range batch {
				docs = append(docs, meta.document(batch[i], vecs[i], now))
			}
			continue
		}
		if err == nil {
			err = fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(batch))
		}
		log.Warn("batch embedding failed, retrying per chunk", "chunks", len(batch), "err", err)

		for _, c := range batch {
			v, err := o.embedder.EmbedTexts(ctx, []string{c.Text})
			if cerr := ctx.Err(); cerr != nil {
				return nil, dropped, cerr
			}
			if err != nil || len(v) != 1 {
				dropped++
				log.Warn("chunk dropped", "chunk", c.Pos, "err", err)
				continue
			}
			docs = append(docs, meta.document(c, v[0], now))
		}
	}
	return docs, dropped, nil
}

// upsertBatches writes docs to the index batchSize at a time.
func (o *Orchestrator) upsertBatches(ctx context.Context, docs []models.IndexDocument, batchSize int) error {
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		if err := o.index.Upsert(ctx, docs[start:end]); err != nil {
			return fmt.Errorf("upsert chunks %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

// embedAndPersist consumes the chunk stream of a large file, embedding and
// writing batchSize chunks at a time. It reports how many chunks were written
// and how many were dropped.
func (o *Orchestrator) embedAndPersist(
	ctx context.Context,
	log *slog.Logger,
	meta fileMeta,
	in <-chan chunk,
	batchSize int,
) (written, dropped int, err error) {
	batch := make([]chunk, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		docs, d, err := o.embedChunks(ctx, log, meta, batch)
		dropped += d
		batch = batch[:0]
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		if err := o.index.Upsert(ctx, docs); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
		written += len(docs)
		return nil
	}

	for c := range in {
		batch = append(batch, c)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return written, dropped, err
			}
		}
	}
	if err := flush(); err != nil {
		return written, dropped, err
	}
	// a cancelled producer closes the stream early
	if err := ctx.Err(); err != nil {
		return written, dropped, err
	}
	return written, dropped, nil
}

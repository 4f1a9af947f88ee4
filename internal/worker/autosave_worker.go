package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/repository"
)

const (
	AnswerBatchSize   = 100
	AnswerPollTimeout = 1 * time.Second
	retryDelay        = 5 * time.Second
)

// AnswerWriter persists a batch of answers.
type AnswerWriter interface {
	UpsertBatch(ctx context.Context, records []repository.AnswerRecord) error
}

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	writer AnswerWriter
	rdb    *redis.Client
	log    zerolog.Logger
	queue  string
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(writer AnswerWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		writer: writer,
		rdb:    rdb,
		log:    log.With().Str("component", "autosave_worker").Logger(),
		queue:  config.WorkerKey.PersistAnswersQueue,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

// processNext blocks for one payload, then takes whatever else is queued up
// to the batch size so bursts are written in one transaction.
func (w *AutosaveWorker) processNext(ctx context.Context) {
	result, err := w.rdb.BLPop(ctx, AnswerPollTimeout, w.queue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	raw := []string{result[1]}
	if more, err := w.rdb.LPopCount(ctx, w.queue, AnswerBatchSize-1).Result(); err == nil {
		raw = append(raw, more...)
	} else if !errors.Is(err, redis.Nil) {
		w.log.Warn().Err(err).Msg("LPopCount error")
	}

	if err := w.persist(ctx, raw); err != nil {
		w.log.Error().Err(err).Int("count", len(raw)).Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.requeue(context.Background(), raw)
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}
	}
}

func (w *AutosaveWorker) persist(ctx context.Context, raw []string) error {
	records := decodeRecords(raw, w.log)
	return w.writer.UpsertBatch(ctx, records)
}

func (w *AutosaveWorker) requeue(ctx context.Context, raw []string) {
	vals := make([]interface{}, len(raw))
	for i, r := range raw {
		vals[i] = r
	}
	if err := w.rdb.RPush(ctx, w.queue, vals...).Err(); err != nil {
		w.log.Error().Err(err).Int("count", len(raw)).Msg("Requeue failed, answers remain only in Redis hash")
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPopCount(ctx, w.queue, AnswerBatchSize).Result()
		if err != nil || len(raw) == 0 {
			break
		}

		if err := w.persist(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.requeue(ctx, raw)
			break
		}
		drained += len(raw)
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}

// decodeRecords parses queue payloads, dropping malformed ones. A later
// payload for the same session and item replaces an earlier one.
func decodeRecords(raw []string, log zerolog.Logger) []repository.AnswerRecord {
	type key struct{ session, item string }
	index := make(map[key]int, len(raw))
	records := make([]repository.AnswerRecord, 0, len(raw))

	for _, r := range raw {
		var rec repository.AnswerRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			log.Error().Err(err).Msg("Unmarshal error")
			continue
		}
		k := key{rec.SessionID.String(), rec.ItemID.String()}
		if i, ok := index[k]; ok {
			records[i] = rec
			continue
		}
		index[k] = len(records)
		records = append(records, rec)
	}
	return records
}

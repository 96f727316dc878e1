package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	"github.com/JakeFAU/knowledge-ingest/internal/store"
)

// StoreSink writes the progress stream to the run ledger. Fetch events are
// folded into one site delta per (run, site, status class) per batch.
type StoreSink struct {
	repo   store.LedgerRepository
	logger *zap.Logger
}

// NewStoreSink returns a sink writing to repo. A nil repo makes it a no-op.
func NewStoreSink(repo store.LedgerRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume folds batch and writes it. Run starts are written first and run
// completions last so a finished run never lacks its outcome rows.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	var lb ledgerBatch
	for _, evt := range batch {
		lb.add(evt)
	}
	return lb.flush(ctx, s.repo)
}

// Close is a no-op; the repository is owned by the caller.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type siteKey struct {
	run   uuid.UUID
	site  string
	class string
}

type siteDelta struct {
	fetches int64
	bytes   int64
	last    time.Time
}

// ledgerBatch is one Consume call's worth of ledger writes.
type ledgerBatch struct {
	starts   []progress.Event
	finishes []progress.Event
	order    []siteKey
	sites    map[siteKey]*siteDelta
	outcomes []store.OutcomeRecord
}

func (b *ledgerBatch) add(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		b.starts = append(b.starts, evt)
	case progress.StageRunDone, progress.StageRunError:
		b.finishes = append(b.finishes, evt)
	case progress.StageFetchDone:
		b.addFetch(evt)
	case progress.StageOutcome:
		b.outcomes = append(b.outcomes, outcomeRecord(evt))
	}
}

func (b *ledgerBatch) addFetch(evt progress.Event) {
	if evt.Site == "" {
		return
	}
	key := siteKey{run: evt.RunUUID(), site: evt.Site, class: string(evt.StatusClass)}
	if b.sites == nil {
		b.sites = make(map[siteKey]*siteDelta)
	}
	d, ok := b.sites[key]
	if !ok {
		d = &siteDelta{}
		b.sites[key] = d
		b.order = append(b.order, key)
	}
	d.fetches++
	d.bytes += evt.Bytes
	if evt.TS.After(d.last) {
		d.last = evt.TS
	}
}

func (b *ledgerBatch) flush(ctx context.Context, repo store.LedgerRepository) error {
	for _, evt := range b.starts {
		if err := repo.UpsertRunStart(ctx, evt.RunUUID(), evt.TS); err != nil {
			return fmt.Errorf("upsert run start: %w", err)
		}
	}
	for _, key := range b.order {
		d := b.sites[key]
		if err := repo.UpsertSiteStats(ctx, key.run, key.site, d.fetches, d.bytes, key.class, d.last); err != nil {
			return fmt.Errorf("upsert site stats: %w", err)
		}
	}
	if len(b.outcomes) > 0 {
		if err := repo.InsertOutcomes(ctx, b.outcomes); err != nil {
			return fmt.Errorf("insert outcomes: %w", err)
		}
	}
	for _, evt := range b.finishes {
		status, msg := store.RunSuccess, (*string)(nil)
		if evt.Stage == progress.StageRunError {
			status = store.RunError
			if evt.Note != "" {
				note := evt.Note
				msg = &note
			}
		}
		if err := repo.CompleteRun(ctx, evt.RunUUID(), evt.TS, status, msg); err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
	}
	return nil
}

func outcomeRecord(evt progress.Event) store.OutcomeRecord {
	return store.OutcomeRecord{
		RunID:       evt.RunUUID(),
		At:          evt.TS,
		Outcome:     evt.Outcome,
		Site:        evt.Site,
		URL:         evt.URL,
		Domain:      evt.Domain,
		ContentHash: evt.ContentHash,
		Location:    evt.DocumentID,
		Attempts:    evt.Attempts,
		Reason:      evt.Reason,
		Note:        evt.Note,
	}
}

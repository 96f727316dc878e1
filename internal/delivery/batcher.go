package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// BatchConfig tunes batch mode.
type BatchConfig struct {
	// MaxSize flushes a batch as soon as it holds this many documents.
	MaxSize int
	// Window flushes a non-empty batch this long after its first document.
	Window time.Duration
	// Timeout bounds each batch call.
	Timeout time.Duration
}

type batchItem struct {
	doc  crawler.Document
	done chan ItemResult
}

type pendingBatch struct {
	domain string
	items  []*batchItem
	timer  *time.Timer
}

// Batcher groups documents for the same domain into PutBatch calls. Callers
// block in Submit until their own item's result is known, so retry and
// circuit decisions stay per document.
type Batcher struct {
	ctx      context.Context
	sink     Sink
	cfg      BatchConfig
	throttle *crawler.Throttle
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch
	wg      sync.WaitGroup
}

// NewBatcher creates a Batcher. Batch calls run under ctx, so canceling it
// aborts in-flight batches.
func NewBatcher(ctx context.Context, sink Sink, cfg BatchConfig, throttle *crawler.Throttle, logger *zap.Logger) (*Batcher, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if cfg.MaxSize < 1 {
		return nil, errors.New("batch size must be >= 1")
	}
	if cfg.Window <= 0 {
		cfg.Window = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if throttle == nil {
		throttle = crawler.NewThrottle(1)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		ctx:      ctx,
		sink:     sink,
		cfg:      cfg,
		throttle: throttle,
		logger:   logger.Named("batcher"),
		pending:  make(map[string]*pendingBatch),
	}, nil
}

// Submit queues doc for domain and waits for its result.
func (b *Batcher) Submit(ctx context.Context, domain string, doc crawler.Document) (string, error) {
	item := &batchItem{doc: doc, done: make(chan ItemResult, 1)}

	b.mu.Lock()
	batch, ok := b.pending[domain]
	if !ok {
		batch = &pendingBatch{domain: domain}
		b.pending[domain] = batch
		batch.timer = time.AfterFunc(b.cfg.Window, func() { b.flushPending(batch) })
	}
	batch.items = append(batch.items, item)
	if len(batch.items) >= b.cfg.MaxSize {
		delete(b.pending, domain)
		batch.timer.Stop()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.flush(batch)
		}()
	}
	b.mu.Unlock()

	select {
	case res := <-item.done:
		return res.ID, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close flushes every pending batch and waits for in-flight batch calls.
func (b *Batcher) Close() {
	b.mu.Lock()
	batches := make([]*pendingBatch, 0, len(b.pending))
	for domain, batch := range b.pending {
		batch.timer.Stop()
		delete(b.pending, domain)
		batches = append(batches, batch)
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.flush(batch)
	}
	b.wg.Wait()
}

func (b *Batcher) flushPending(batch *pendingBatch) {
	b.mu.Lock()
	if b.pending[batch.domain] != batch {
		b.mu.Unlock()
		return
	}
	delete(b.pending, batch.domain)
	b.wg.Add(1)
	b.mu.Unlock()

	defer b.wg.Done()
	b.flush(batch)
}

func (b *Batcher) flush(batch *pendingBatch) {
	docs := make([]crawler.Document, len(batch.items))
	for i, item := range batch.items {
		docs[i] = item.doc
	}

	var results []ItemResult
	err := b.throttle.Do(b.ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
		var putErr error
		results, putErr = b.sink.PutBatch(callCtx, batch.domain, docs)
		return putErr
	})
	if err == nil && len(results) != len(docs) {
		err = fmt.Errorf("batch returned %d results for %d documents", len(results), len(docs))
	}
	if err != nil {
		b.logger.Warn("batch call failed",
			zap.String("domain", batch.domain), zap.Int("size", len(docs)), zap.Error(err))
		for _, item := range batch.items {
			item.done <- ItemResult{Err: err}
		}
		return
	}
	b.logger.Debug("batch delivered", zap.String("domain", batch.domain), zap.Int("size", len(docs)))
	for i, item := range batch.items {
		item.done <- results[i]
	}
}

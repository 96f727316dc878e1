package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
)

// RedeliverResult counts what happened to the stored records.
type RedeliverResult struct {
	Considered int
	Delivered  int
	Remaining  int
	Abandoned  int
}

// Redeliver pushes stored fallback records through the sink again, one
// errgroup task per domain. domain "" selects every domain. Delivered records
// are removed from the store; the rest keep their merged attempt history.
func (p *Pipeline) Redeliver(ctx context.Context, r *run.Run, domain string) (RedeliverResult, run.Summary, error) {
	if r == nil {
		return RedeliverResult{}, run.Summary{}, run.ErrNilRun
	}
	logger := r.Logger().Named("redeliver")

	records, err := p.deps.Fallback.List(ctx, domain)
	if err != nil {
		err = fmt.Errorf("list fallback records: %w", err)
		return RedeliverResult{}, r.Finish(err), err
	}
	byDomain := make(map[string][]fallback.Record)
	for _, rec := range records {
		byDomain[rec.Domain] = append(byDomain[rec.Domain], rec)
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	throttle := crawler.NewThrottle(p.cfg.MaxWorkers)
	manager, batcher, err := p.newManager(ctx, r, throttle)
	if err != nil {
		return RedeliverResult{}, r.Finish(err), err
	}

	var (
		mu     sync.Mutex
		result = RedeliverResult{Considered: len(records)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxWorkers)
	for _, d := range domains {
		recs := byDomain[d]
		g.Go(func() error {
			for _, rec := range recs {
				if manager.AuthFailed() || gctx.Err() != nil {
					mu.Lock()
					result.Remaining++
					mu.Unlock()
					continue
				}
				outcome := manager.Redeliver(gctx, rec)
				mu.Lock()
				switch outcome.Kind {
				case crawler.OutcomeDelivered:
					result.Delivered++
				case crawler.OutcomeFallback:
					result.Remaining++
				default:
					result.Abandoned++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if batcher != nil {
		batcher.Close()
	}

	runErr := r.Fatal()
	if runErr == nil {
		runErr = ctx.Err()
	}
	logger.Info("redelivery finished",
		zap.String("domain", domain),
		zap.Int("considered", result.Considered),
		zap.Int("delivered", result.Delivered),
		zap.Int("remaining", result.Remaining),
		zap.Int("abandoned", result.Abandoned),
	)
	return result, r.Finish(runErr), runErr
}

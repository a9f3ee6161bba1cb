package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lend/v1/cache"
	"github.com/mirkobrombin/go-lend/v1/metrics"
	"github.com/mirkobrombin/go-lend/v1/model"
)

// AuditReport summarizes one Audit pass.
type AuditReport struct {
	Checked    int
	Mismatches int
	Healed     int
}

// Audit compares every cached record with the store. A cached record that
// differs from the stored one, or whose key is gone from the store, counts as
// a mismatch and is dropped from the cache when heal is true. Audit does not
// take key locks, so a record mutated during the pass may be reported.
func (s *Service) Audit(ctx context.Context, heal bool) (AuditReport, error) {
	var rep AuditReport
	in, ok := cache.Inspect[model.Record](s.cache)
	if !ok {
		return rep, ErrAuditUnsupported
	}
	for _, key := range in.Keys(ctx) {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		cached, ok := in.Peek(ctx, key)
		if !ok {
			continue
		}
		rep.Checked++
		stored, found, err := s.store.Get(ctx, key)
		if err != nil {
			return rep, err
		}
		if found && stored == cached {
			continue
		}
		rep.Mismatches++
		metrics.AuditMismatches.Inc()
		s.logger.Warn("cached record disagrees with store",
			zap.String("key", key), zap.Bool("stored", found), zap.Bool("heal", heal))
		if heal {
			s.invalidate(ctx, key)
			rep.Healed++
		}
	}
	return rep, nil
}

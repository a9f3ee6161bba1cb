package validator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lend/v1/inventory"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// ParseMode maps the configuration names noop, alert and heal to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "noop":
		return ModeNoop, nil
	case "alert":
		return ModeAlert, nil
	case "heal":
		return ModeAutoHeal, nil
	}
	return ModeNoop, fmt.Errorf("validator: unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeAlert:
		return "alert"
	case ModeAutoHeal:
		return "heal"
	default:
		return "noop"
	}
}

// Auditor compares cached records with the store.
type Auditor interface {
	Audit(ctx context.Context, heal bool) (inventory.AuditReport, error)
}

// Validator periodically audits the cache against the store.
type Validator struct {
	auditor    Auditor
	mode       Mode
	interval   time.Duration
	logger     *zap.Logger
	mismatches atomic.Uint64
}

// New creates a new Validator. A nil logger disables logging.
func New(a Auditor, mode Mode, interval time.Duration, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{auditor: a, mode: mode, interval: interval, logger: logger}
}

// Run starts the validation loop. In ModeNoop it returns immediately.
func (v *Validator) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan runs one audit pass, healing only in ModeAutoHeal.
func (v *Validator) Scan(ctx context.Context) {
	rep, err := v.auditor.Audit(ctx, v.mode == ModeAutoHeal)
	if err != nil {
		v.logger.Warn("audit failed", zap.Error(err))
		return
	}
	v.mismatches.Add(uint64(rep.Mismatches))
	if rep.Mismatches > 0 {
		v.logger.Warn("cache drift detected",
			zap.String("mode", v.mode.String()),
			zap.Int("checked", rep.Checked),
			zap.Int("mismatches", rep.Mismatches),
			zap.Int("healed", rep.Healed))
	}
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}

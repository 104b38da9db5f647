package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowmesh/pipeline/types"
)

// Applier is the durable side of the sync channel. The store implements
// it; every method must be idempotent under redelivery.
type Applier interface {
	ApplyRunPatch(ctx context.Context, patch types.StatusPatch) error
	ApplyStepPatch(ctx context.Context, patch types.StatusPatch) error
	ApplyApprovalRequest(ctx context.Context, req types.ApprovalRequest) error
}

// Observer counts relay outcomes. Kind is run, step, or approval;
// outcome is applied, conflict, or error.
type Observer interface {
	RecordSync(kind, outcome string)
}

// Config tunes the relay loop.
type Config struct {
	// ScanInterval is the pause between sweeps.
	ScanInterval time.Duration `yaml:"scan_interval" json:"scan_interval"`
	// BatchSize is the SCAN page size.
	BatchSize int64 `yaml:"batch_size" json:"batch_size"`
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 500 * time.Millisecond,
		BatchSize:    100,
	}
}

// Relay drains the sync channel into the durable store. Multiple relay
// instances may run against the same channel; the store's transition
// checks resolve their races.
type Relay struct {
	redis    redis.Cmdable
	applier  Applier
	config   Config
	logger   *zap.Logger
	observer Observer
}

// New creates a relay.
func New(client redis.Cmdable, applier Applier, config Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = DefaultConfig().ScanInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	return &Relay{
		redis:   client,
		applier: applier,
		config:  config,
		logger:  logger.With(zap.String("component", "relay")),
	}
}

// SetObserver installs a metrics observer.
func (r *Relay) SetObserver(obs Observer) { r.observer = obs }

// Run sweeps the channel until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.ScanInterval)
	defer ticker.Stop()

	r.logger.Info("relay started", zap.Duration("scan_interval", r.config.ScanInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("sweep applied records", zap.Int("count", n))
			}
		}
	}
}

// Sweep applies every currently visible channel record once. It returns
// the number of records settled, counting conflicts: a conflicting
// record is consumed, not retried, because redelivering it can never
// succeed.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	settled := 0

	// Approval requests go first so that a needs_approval run status
	// never lands before its approval row exists.
	n, err := r.sweepPrefix(ctx, approvalKeyPrefix+"*", "approval", r.applyApproval)
	settled += n
	if err != nil {
		return settled, err
	}

	n, err = r.sweepPrefix(ctx, stepKeyPrefix+"*", "step", r.applyStep)
	settled += n
	if err != nil {
		return settled, err
	}

	n, err = r.sweepPrefix(ctx, runKeyPrefix+"*", "run", r.applyRun)
	settled += n
	return settled, err
}

func (r *Relay) sweepPrefix(ctx context.Context, pattern, kind string, apply func(context.Context, []byte) error) (int, error) {
	settled := 0
	var cursor uint64
	for {
		keys, next, err := r.redis.Scan(ctx, cursor, pattern, r.config.BatchSize).Result()
		if err != nil {
			return settled, err
		}

		for _, key := range keys {
			payload, err := r.redis.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				// Another relay instance consumed it.
				continue
			}
			if err != nil {
				return settled, err
			}

			switch applyErr := apply(ctx, payload); {
			case applyErr == nil:
				r.observe(kind, "applied")
			case types.IsConflict(applyErr):
				// Stale or duplicate record: drop it like an applied one.
				r.observe(kind, "conflict")
				r.logger.Debug("conflicting sync record dropped",
					zap.String("key", key),
					zap.String("reason", applyErr.Error()),
				)
			default:
				// Durable write failed: keep the key so the next sweep
				// retries it.
				r.observe(kind, "error")
				r.logger.Warn("sync record apply failed, will retry",
					zap.String("key", key),
					zap.Error(applyErr),
				)
				continue
			}

			if err := r.redis.Del(ctx, key).Err(); err != nil {
				return settled, err
			}
			settled++
		}

		cursor = next
		if cursor == 0 {
			return settled, nil
		}
	}
}

func (r *Relay) applyRun(ctx context.Context, payload []byte) error {
	var patch types.StatusPatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		return types.NewError(types.ErrStaleUpdate, "undecodable run record").WithCause(err)
	}
	return r.applier.ApplyRunPatch(ctx, patch)
}

func (r *Relay) applyStep(ctx context.Context, payload []byte) error {
	var patch types.StatusPatch
	if err := json.Unmarshal(payload, &patch); err != nil {
		return types.NewError(types.ErrStaleUpdate, "undecodable step record").WithCause(err)
	}
	return r.applier.ApplyStepPatch(ctx, patch)
}

func (r *Relay) applyApproval(ctx context.Context, payload []byte) error {
	var req types.ApprovalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return types.NewError(types.ErrStaleUpdate, "undecodable approval record").WithCause(err)
	}
	return r.applier.ApplyApprovalRequest(ctx, req)
}

func (r *Relay) observe(kind, outcome string) {
	if r.observer != nil {
		r.observer.RecordSync(kind, outcome)
	}
}

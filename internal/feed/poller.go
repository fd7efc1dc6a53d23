package feed

import (
	"context"
	"sync/atomic"
	"time"

	"qms/virtual-queue/internal/store"

	"go.uber.org/zap"
)

type PollerOptions struct {
	Interval  time.Duration
	BatchSize int
	Logger    *zap.Logger
}

// Poller tails the store's change log and publishes every new change to the hub. It
// starts from the newest change at boot: nothing committed before that is replayed.
type Poller struct {
	changes  store.ChangeLog
	hub      *Hub
	interval time.Duration
	batch    int
	logger   *zap.Logger

	offset  int64
	running int32
}

func NewPoller(changes store.ChangeLog, hub *Hub, options PollerOptions) *Poller {
	interval := options.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := options.BatchSize
	if batch <= 0 {
		batch = 100
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{changes: changes, hub: hub, interval: interval, batch: batch, logger: logger}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	seq, err := p.changes.LatestChangeSeq(ctx)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&p.offset, seq)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("poll change log", zap.Error(err))
			}
		}
	}
}

// Poll publishes the next batch of changes after the current offset and returns how
// many it read. Overlapping calls return immediately.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&p.running, 0)

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	changes, err := p.changes.ListChanges(pollCtx, atomic.LoadInt64(&p.offset), p.batch)
	if err != nil {
		return 0, err
	}
	for _, change := range changes {
		p.hub.Publish(change)
		atomic.StoreInt64(&p.offset, change.Seq)
	}
	return len(changes), nil
}

func (p *Poller) Offset() int64 {
	return atomic.LoadInt64(&p.offset)
}

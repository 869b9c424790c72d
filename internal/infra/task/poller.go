// Package task runs background work that drives transfers forward when
// provider webhooks do not arrive, and re-advances payments whose events
// were dropped under lock contention.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/domain/management"
	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PendingLister lists transfers that are still waiting on a provider.
type PendingLister interface {
	ListPendingTransfers(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Transfer, error)
}

// StatusPoller fetches and applies the provider status of one transfer.
type StatusPoller interface {
	PollTransfer(ctx context.Context, transferID uuid.UUID) (bool, error)
}

// Reconciler re-advances steps and payments left behind after their
// transfers settled.
type Reconciler interface {
	ReconcileStalled(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// Recorder observes poll outcomes.
type Recorder interface {
	RecordPoll(changed bool, err error)
}

// Config contains poller configuration.
type Config struct {
	Interval    time.Duration
	OlderThan   time.Duration
	BatchSize   int
	Concurrency int
}

// DefaultConfig returns the default poller configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:    time.Minute,
		OlderThan:   5 * time.Minute,
		BatchSize:   100,
		Concurrency: 4,
	}
}

// Poller periodically polls providers for transfers stuck in pending.
type Poller struct {
	lister     PendingLister
	poller     StatusPoller
	reconciler Reconciler
	recorder   Recorder
	logger     *zap.Logger
	config     *Config

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewPoller creates a new transfer poller. recorder may be nil.
func NewPoller(lister PendingLister, poller StatusPoller, recorder Recorder, logger *zap.Logger, config *Config) *Poller {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	return &Poller{
		lister:   lister,
		poller:   poller,
		recorder: recorder,
		logger:   logger.Named("transfer-poller"),
		config:   config,
		stopCh:   make(chan struct{}),
	}
}

// WithReconciler makes every batch end with a sweep for stalled steps and
// payments. Call before Start.
func (p *Poller) WithReconciler(r Reconciler) *Poller {
	p.reconciler = r
	return p
}

// Start launches the polling loop. It returns immediately.
func (p *Poller) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.logger.Info("starting transfer poller",
			zap.Duration("interval", p.config.Interval),
			zap.Duration("older_than", p.config.OlderThan),
			zap.Int("concurrency", p.config.Concurrency))

		p.wg.Add(1)
		go p.loop(ctx)
	})
}

// Stop stops the poller and waits for the in-flight batch to finish.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping transfer poller")
		close(p.stopCh)
	})
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("poll batch failed", zap.Error(err))
			}
		}
	}
}

// RunOnce polls one batch of pending transfers and returns how many it
// examined. Per-transfer failures are logged and do not abort the batch.
// The stalled sweep runs after the batch when a reconciler is set.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	transfers, err := p.lister.ListPendingTransfers(ctx, p.config.OlderThan, p.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending transfers: %w", err)
	}

	if len(transfers) > 0 {
		p.pollBatch(ctx, transfers)
	}

	if p.reconciler != nil {
		if _, err := p.reconciler.ReconcileStalled(ctx, p.config.OlderThan, p.config.BatchSize); err != nil {
			return len(transfers), fmt.Errorf("reconcile stalled payments: %w", err)
		}
	}
	return len(transfers), nil
}

func (p *Poller) pollBatch(ctx context.Context, transfers []*model.Transfer) {
	var (
		mu      sync.Mutex
		changed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for _, t := range transfers {
		id := t.ID
		g.Go(func() error {
			ok, err := p.poller.PollTransfer(gctx, id)
			if errors.Is(err, management.ErrAdvanceInProgress) {
				p.logger.Debug("transfer busy, skipping", zap.String("transfer_id", id.String()))
				return nil
			}
			p.record(ok, err)
			if err != nil {
				p.logger.Warn("failed to poll transfer",
					zap.String("transfer_id", id.String()),
					zap.Error(err))
				return nil
			}
			if ok {
				mu.Lock()
				changed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Debug("poll batch done",
		zap.Int("pending", len(transfers)),
		zap.Int("changed", changed))
}

func (p *Poller) record(changed bool, err error) {
	if p.recorder != nil {
		p.recorder.RecordPoll(changed, err)
	}
}

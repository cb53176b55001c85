// Package syncer schedules background data refreshes. The periodic
// ticker, the app-foreground trigger, and manual refresh all funnel
// through one entry point so the minimum-gap and single-run rules hold
// no matter who asks.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/cache"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/models"
)

// Connections lists the established connections to sync.
// Satisfied by the token lifecycle manager.
type Connections interface {
	ListConnections(ctx context.Context) ([]string, error)
}

// DataSource is the provider surface the orchestrator drives.
// Satisfied by the provider client.
type DataSource interface {
	Accounts(ctx context.Context, connectionID string) ([]models.Account, error)
	Balance(ctx context.Context, connectionID, accountID string) (*models.Balance, error)
	Transactions(ctx context.Context, connectionID, accountID string) (*models.TransactionList, error)
}

// State is the orchestrator's run state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Orchestrator walks every connection sequentially, account by
// account. Sequential on purpose: a burst of parallel fetches would
// eat the local throttle windows that interactive reads depend on.
type Orchestrator struct {
	cfg          *config.Config
	conns        Connections
	source       DataSource
	balances     *cache.Engine[models.Balance]
	transactions *cache.Engine[models.TransactionList]
	clock        clockwork.Clock
	metrics      metrics.Recorder

	mu       sync.Mutex
	state    State
	lastSync time.Time
}

func New(
	cfg *config.Config,
	conns Connections,
	source DataSource,
	balances *cache.Engine[models.Balance],
	transactions *cache.Engine[models.TransactionList],
	rec metrics.Recorder,
	clock clockwork.Clock,
) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		conns:        conns,
		source:       source,
		balances:     balances,
		transactions: transactions,
		clock:        clock,
		metrics:      rec,
		state:        StateIdle,
	}
}

// State reports whether a sync is currently running.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastSync returns the completion time of the last sync that ran.
func (o *Orchestrator) LastSync() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

// PerformSync runs one full pass. Non-forced requests within the
// minimum gap of the previous run are skipped, as is any request while
// a pass is already running. Per-connection failures are isolated: one
// revoked or flaky bank does not stop the others.
func (o *Orchestrator) PerformSync(ctx context.Context, force bool) error {
	now := o.clock.Now()

	o.mu.Lock()
	if o.state == StateRunning {
		o.mu.Unlock()
		o.metrics.RecordSyncSkipped("already_running")
		return nil
	}
	if !force && !o.lastSync.IsZero() && now.Sub(o.lastSync) < o.cfg.SyncMinGap {
		o.mu.Unlock()
		o.metrics.RecordSyncSkipped("min_gap")
		return nil
	}
	o.state = StateRunning
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
	}()

	start := o.clock.Now()
	ids, err := o.conns.ListConnections(ctx)
	if err != nil {
		o.metrics.RecordSyncRun("failure", o.clock.Since(start))
		return err
	}

	var failed int
	for _, connectionID := range ids {
		if err := o.syncConnection(ctx, connectionID); err != nil {
			failed++
			log.Printf("[Syncer] Connection %s failed: %v", connectionID, err)
		}
		if ctx.Err() != nil {
			o.metrics.RecordSyncRun("cancelled", o.clock.Since(start))
			return apperr.Wrap(apperr.KindCancelled, "sync interrupted", ctx.Err())
		}
	}

	o.mu.Lock()
	o.lastSync = o.clock.Now()
	o.mu.Unlock()

	switch {
	case failed == 0:
		o.metrics.RecordSyncRun("success", o.clock.Since(start))
	case failed < len(ids):
		o.metrics.RecordSyncRun("partial", o.clock.Since(start))
	default:
		o.metrics.RecordSyncRun("failure", o.clock.Since(start))
	}
	log.Printf("[Syncer] Sync finished: %d connections, %d failed", len(ids), failed)
	return nil
}

// syncConnection refreshes one connection: account list first, then
// transactions and a forced balance per account. Transactions go
// through the normal TTL path, balances are always refetched so the
// headline numbers are current after a sync.
func (o *Orchestrator) syncConnection(ctx context.Context, connectionID string) error {
	accounts, err := o.source.Accounts(ctx, connectionID)
	if err != nil {
		return err
	}

	var lastErr error
	for _, account := range accounts {
		accountID := account.AccountID

		if scope, err := o.transactions.Scope(connectionID, accountID); err == nil {
			_, err = o.transactions.Get(ctx, scope, false, func(ctx context.Context) (models.TransactionList, error) {
				list, err := o.source.Transactions(ctx, connectionID, accountID)
				if err != nil {
					return models.TransactionList{}, err
				}
				return *list, nil
			})
			if err != nil {
				lastErr = err
				log.Printf("[Syncer] Transactions for %s/%s failed: %v", connectionID, accountID, err)
			}
		}

		if scope, err := o.balances.Scope(connectionID, accountID); err == nil {
			_, err = o.balances.Get(ctx, scope, true, func(ctx context.Context) (models.Balance, error) {
				balance, err := o.source.Balance(ctx, connectionID, accountID)
				if err != nil {
					return models.Balance{}, err
				}
				return *balance, nil
			})
			if err != nil {
				lastErr = err
				log.Printf("[Syncer] Balance for %s/%s failed: %v", connectionID, accountID, err)
			}
		}
	}
	return lastErr
}

// OnForeground is the app-activation trigger. Same entry point, same
// gap rules; returning to the app within the minimum gap does nothing.
func (o *Orchestrator) OnForeground(ctx context.Context) error {
	return o.PerformSync(ctx, false)
}

// Run drives the periodic cadence until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := o.PerformSync(ctx, false); err != nil {
				log.Printf("[Syncer] Periodic sync failed: %v", err)
			}
		}
	}
}

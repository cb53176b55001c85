package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramzidaher/Penny-sub000/internal/apperr"
	"github.com/ramzidaher/Penny-sub000/internal/cache"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/metrics"
	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/secstore"
	"github.com/ramzidaher/Penny-sub000/internal/session"
)

type fakeConns struct {
	ids []string
}

func (f *fakeConns) ListConnections(ctx context.Context) ([]string, error) {
	return f.ids, nil
}

type fakeSource struct {
	mu            sync.Mutex
	accountsCalls int
	balanceCalls  int
	txCalls       int
	accountsErr   map[string]error

	started chan struct{}
	release chan struct{}
}

func (f *fakeSource) Accounts(ctx context.Context, connectionID string) ([]models.Account, error) {
	f.mu.Lock()
	f.accountsCalls++
	err := f.accountsErr[connectionID]
	started := f.started
	release := f.release
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return []models.Account{
		{AccountID: "acct-1", Currency: "GBP"},
		{AccountID: "acct-2", Currency: "GBP"},
	}, nil
}

func (f *fakeSource) Balance(ctx context.Context, connectionID, accountID string) (*models.Balance, error) {
	f.mu.Lock()
	f.balanceCalls++
	f.mu.Unlock()
	return &models.Balance{AccountID: accountID, Currency: "GBP", Current: 100}, nil
}

func (f *fakeSource) Transactions(ctx context.Context, connectionID, accountID string) (*models.TransactionList, error) {
	f.mu.Lock()
	f.txCalls++
	f.mu.Unlock()
	return &models.TransactionList{AccountID: accountID}, nil
}

func (f *fakeSource) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountsCalls, f.balanceCalls, f.txCalls
}

func newTestOrchestrator(t *testing.T, clock clockwork.Clock, conns []string, source *fakeSource) *Orchestrator {
	t.Helper()
	cfg := config.Load()
	sess := session.Open("user-a")
	store := secstore.New(secstore.NewMemoryPrimitive(), secstore.NewMemoryPrimitive())

	balances := cache.NewEngine[models.Balance](
		"balance", cfg.BalanceTTL, cfg.StaleThreshold, sess, store, metrics.NewNoopRecorder(), clock)
	transactions := cache.NewEngine[models.TransactionList](
		"transactions", cfg.TransactionTTL, cfg.StaleThreshold, sess, store, metrics.NewNoopRecorder(), clock)

	return New(cfg, &fakeConns{ids: conns}, source, balances, transactions, metrics.NewNoopRecorder(), clock)
}

func TestPerformSync_WalksEveryConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	o := newTestOrchestrator(t, clock, []string{"tl_1_a", "tl_1_b"}, source)

	require.NoError(t, o.PerformSync(context.Background(), false))

	accounts, balances, txs := source.counts()
	assert.Equal(t, 2, accounts)
	assert.Equal(t, 4, balances, "one forced balance per account")
	assert.Equal(t, 4, txs)
	assert.Equal(t, StateIdle, o.State())
	assert.False(t, o.LastSync().IsZero())
}

func TestPerformSync_MinGap(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	o := newTestOrchestrator(t, clock, []string{"tl_1_a"}, source)
	ctx := context.Background()

	require.NoError(t, o.PerformSync(ctx, false))
	accounts1, _, _ := source.counts()

	// Within the minimum gap a non-forced sync is a no-op.
	clock.Advance(30 * time.Minute)
	require.NoError(t, o.PerformSync(ctx, false))
	accounts2, _, _ := source.counts()
	assert.Equal(t, accounts1, accounts2)

	// A forced sync ignores the gap.
	require.NoError(t, o.PerformSync(ctx, true))
	accounts3, _, _ := source.counts()
	assert.Equal(t, accounts1+1, accounts3)

	// Past the gap the periodic path runs again.
	clock.Advance(2 * time.Hour)
	require.NoError(t, o.PerformSync(ctx, false))
	accounts4, _, _ := source.counts()
	assert.Equal(t, accounts1+2, accounts4)
}

func TestPerformSync_ForegroundUsesSameGapRules(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	o := newTestOrchestrator(t, clock, []string{"tl_1_a"}, source)
	ctx := context.Background()

	require.NoError(t, o.OnForeground(ctx))
	accounts1, _, _ := source.counts()
	require.Equal(t, 1, accounts1)

	clock.Advance(10 * time.Minute)
	require.NoError(t, o.OnForeground(ctx))
	accounts2, _, _ := source.counts()
	assert.Equal(t, 1, accounts2, "re-foregrounding within the gap does nothing")
}

func TestPerformSync_FailureIsolation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{
		accountsErr: map[string]error{
			"tl_1_bad": apperr.New(apperr.KindNeedsReconnect, "revoked"),
		},
	}
	o := newTestOrchestrator(t, clock, []string{"tl_1_bad", "tl_1_good"}, source)

	require.NoError(t, o.PerformSync(context.Background(), false))

	_, balances, _ := source.counts()
	assert.Equal(t, 2, balances, "the healthy connection still syncs")
}

func TestPerformSync_SingleRunAtATime(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	o := newTestOrchestrator(t, clock, []string{"tl_1_a"}, source)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.PerformSync(ctx, false)
	}()
	<-source.started
	assert.Equal(t, StateRunning, o.State())

	// A second request while one is in flight is skipped outright.
	require.NoError(t, o.PerformSync(ctx, true))
	close(source.release)
	<-done

	accounts, _, _ := source.counts()
	assert.Equal(t, 1, accounts)
	assert.Equal(t, StateIdle, o.State())
}

func TestPerformSync_BalancesForcedTransactionsCached(t *testing.T) {
	clock := clockwork.NewFakeClock()
	source := &fakeSource{}
	o := newTestOrchestrator(t, clock, []string{"tl_1_a"}, source)
	ctx := context.Background()

	require.NoError(t, o.PerformSync(ctx, false))
	_, balances1, txs1 := source.counts()

	// Well within the transaction TTL, a forced sync refetches balances
	// but serves transactions from cache.
	clock.Advance(5 * time.Minute)
	require.NoError(t, o.PerformSync(ctx, true))
	_, balances2, txs2 := source.counts()
	assert.Equal(t, balances1+2, balances2)
	assert.Equal(t, txs1, txs2)
}

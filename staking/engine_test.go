package staking

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/heliactyl-staking/models"
	"github.com/arkantrust/heliactyl-staking/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "staking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s Store) (*Engine, *testClock) {
	t.Helper()
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	e, err := New(s, DefaultParams(), WithClock(clock.Now))
	require.NoError(t, err)
	return e, clock
}

func fund(t *testing.T, e *Engine, userID string, coins int64) {
	t.Helper()
	_, err := e.SetCoins(userID, decimal.NewFromInt(coins))
	require.NoError(t, err)
}

func requireBalance(t *testing.T, e *Engine, userID string, want string) {
	t.Helper()
	got, err := e.Balance(userID)
	require.NoError(t, err)
	require.True(t, got.Equal(decimal.RequireFromString(want)), "balance %s, want %s", got, want)
}

// requireSamePosition compares positions by value; decimals that went through
// the store may carry a different exponent.
func requireSamePosition(t *testing.T, want, got models.StakingPosition) {
	t.Helper()
	require.Equal(t, want.PositionID, got.PositionID)
	require.True(t, want.Amount.Equal(got.Amount), "amount %s, want %s", got.Amount, want.Amount)
	require.Equal(t, want.LockPeriod, got.LockPeriod)
	require.Equal(t, want.StartTime, got.StartTime)
	require.Equal(t, want.LastClaimTime, got.LastClaimTime)
}

func TestNewRejectsInvalidParams(t *testing.T) {
	p := DefaultParams()
	p.EarlyWithdrawalPenalty = 2
	_, err := New(newTestStore(t), p)
	require.Error(t, err)
}

func TestStakeRejectsBelowMinimum(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 1000)

	for lock := range e.Params().LockPeriods {
		for _, amount := range []string{"9.99", "0", "-5", "1"} {
			_, err := e.Stake("u1", decimal.RequireFromString(amount), lock)
			require.ErrorIs(t, err, ErrInvalidAmount, "lock %s amount %s", lock, amount)
			require.ErrorIs(t, err, ErrInvalidInput)
		}
	}
	requireBalance(t, e, "u1", "1000")
}

func TestStakeRejectsUnknownLockPeriod(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 1000)

	_, err := e.Stake("u1", decimal.NewFromInt(100), "7d")
	require.ErrorIs(t, err, ErrInvalidLockPeriod)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStakeDebitsBalanceAndRecordsPosition(t *testing.T) {
	s := newTestStore(t)
	e, clock := newTestEngine(t, s)
	fund(t, e, "u1", 300)

	pos, err := e.Stake("u1", decimal.RequireFromString("120.5"), "90d")
	require.NoError(t, err)
	require.Len(t, pos.PositionID, 32)
	require.True(t, pos.Amount.Equal(decimal.RequireFromString("120.5")))
	require.Equal(t, "90d", pos.LockPeriod)
	require.Equal(t, clock.Now().UnixMilli(), pos.StartTime)
	require.Equal(t, pos.StartTime, pos.LastClaimTime)

	requireBalance(t, e, "u1", "179.5")

	views, migrated, err := e.ListPositions("u1")
	require.NoError(t, err)
	require.False(t, migrated)
	require.Len(t, views, 1)
	requireSamePosition(t, pos, views[0].StakingPosition)

	txs, err := e.Transactions("u1")
	require.NoError(t, err)
	last := txs[len(txs)-1]
	require.Equal(t, "u1", last.SenderID)
	require.Equal(t, models.MasterAccount, last.ReceiverID)
	require.True(t, last.Amount.Equal(pos.Amount))
	require.Equal(t, "Staked with 90d lock", last.Description)
}

func TestStakePositionIDsAreUnique(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 1000)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		pos, err := e.Stake("u1", decimal.NewFromInt(10), "30d")
		require.NoError(t, err)
		require.False(t, seen[pos.PositionID])
		seen[pos.PositionID] = true
	}
}

func TestStakeUnstakeScenario(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))

	_, err := e.Stake("broke", decimal.NewFromInt(10), "30d")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	fund(t, e, "u1", 100)
	pos, err := e.Stake("u1", decimal.NewFromInt(50), "30d")
	require.NoError(t, err)
	requireBalance(t, e, "u1", "50")

	views, _, err := e.ListPositions("u1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.True(t, views[0].Amount.Equal(decimal.NewFromInt(50)))
	require.True(t, views[0].IsLocked)

	res, err := e.Unstake("u1", pos.PositionID)
	require.NoError(t, err)
	require.True(t, res.PenaltyApplied)
	require.True(t, res.Earnings.IsZero())
	require.True(t, res.Principal.Equal(decimal.NewFromInt(50)))
	require.True(t, res.Returned.Equal(decimal.NewFromInt(50)))
	requireBalance(t, e, "u1", "100")
}

func TestUnstakeAppliesPenaltyOnlyWhileLocked(t *testing.T) {
	e, clock := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 5000)
	p := e.Params()

	locked, err := e.Stake("u1", decimal.NewFromInt(1000), "90d")
	require.NoError(t, err)
	unlocked, err := e.Stake("u1", decimal.NewFromInt(1000), "30d")
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)
	now := clock.Now().UnixMilli()

	res, err := e.Unstake("u1", locked.PositionID)
	require.NoError(t, err)
	raw := p.CalculateEarnings(locked.Amount, locked.LastClaimTime, now, "90d")
	require.True(t, res.PenaltyApplied)
	require.True(t, res.Earnings.Equal(p.round(raw*0.5)), "earnings %s", res.Earnings)
	require.True(t, res.Principal.Equal(locked.Amount))
	require.True(t, res.Returned.Equal(locked.Amount.Add(res.Earnings)))

	res, err = e.Unstake("u1", unlocked.PositionID)
	require.NoError(t, err)
	raw = p.CalculateEarnings(unlocked.Amount, unlocked.LastClaimTime, now, "30d")
	require.False(t, res.PenaltyApplied)
	require.True(t, res.Earnings.Equal(p.round(raw)), "earnings %s", res.Earnings)
	require.True(t, res.Principal.Equal(unlocked.Amount))

	txs, err := e.Transactions("u1")
	require.NoError(t, err)
	var descriptions []string
	for _, tx := range txs {
		descriptions = append(descriptions, tx.Description)
	}
	require.Contains(t, descriptions, "Unstaked position "+unlocked.PositionID)
	require.Contains(t, descriptions, "Staking earnings for position "+unlocked.PositionID)
}

func TestUnstakeRemovesPosition(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 100)

	a, err := e.Stake("u1", decimal.NewFromInt(10), "30d")
	require.NoError(t, err)
	b, err := e.Stake("u1", decimal.NewFromInt(20), "180d")
	require.NoError(t, err)

	_, err = e.Unstake("u1", a.PositionID)
	require.NoError(t, err)

	views, _, err := e.ListPositions("u1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, b.PositionID, views[0].PositionID)

	_, err = e.Unstake("u1", a.PositionID)
	require.ErrorIs(t, err, ErrPositionNotFound)
	_, err = e.Unstake("u2", b.PositionID)
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestClaimAdvancesClockWithoutDoubleCounting(t *testing.T) {
	e, clock := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 2000)

	pos, err := e.Stake("u1", decimal.NewFromInt(1000), "180d")
	require.NoError(t, err)

	clock.Advance(10 * 24 * time.Hour)
	expected := e.Params().round(e.CalculateEarnings(pos.Amount, pos.LastClaimTime, pos.LockPeriod))

	res, err := e.Claim("u1", pos.PositionID)
	require.NoError(t, err)
	require.True(t, res.ClaimedAmount.Equal(expected))
	require.True(t, res.NewBalance.Equal(decimal.NewFromInt(1000).Add(expected)))
	require.Equal(t, clock.Now().UnixMilli(), res.Position.LastClaimTime)
	require.Equal(t, pos.StartTime, res.Position.StartTime)
	require.True(t, res.Position.Amount.Equal(pos.Amount))

	require.Zero(t, e.CalculateEarnings(res.Position.Amount, res.Position.LastClaimTime, res.Position.LockPeriod))
	_, err = e.Claim("u1", pos.PositionID)
	require.ErrorIs(t, err, ErrNothingToClaim)

	// Claiming never closes the lock early.
	views, _, err := e.ListPositions("u1")
	require.NoError(t, err)
	require.True(t, views[0].IsLocked)
}

func TestClaimKeepsSubUnitEarningsAccruing(t *testing.T) {
	e, clock := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 10)

	pos, err := e.Stake("u1", decimal.NewFromInt(10), "30d")
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	_, err = e.Claim("u1", pos.PositionID)
	require.ErrorIs(t, err, ErrNothingToClaim)

	views, _, err := e.ListPositions("u1")
	require.NoError(t, err)
	require.Equal(t, pos.LastClaimTime, views[0].LastClaimTime)
	require.Greater(t, views[0].CurrentEarnings, 0.0)
}

func TestClaimSubCentEarnings(t *testing.T) {
	e, clock := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 10)

	pos, err := e.Stake("u1", decimal.NewFromInt(10), "30d")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := e.Claim("u1", pos.PositionID)
	require.NoError(t, err)
	require.True(t, res.ClaimedAmount.IsPositive())
	require.True(t, res.ClaimedAmount.LessThan(decimal.RequireFromString("0.01")), "claimed %s", res.ClaimedAmount)
	requireBalance(t, e, "u1", res.ClaimedAmount.String())
}

func TestClaimUnknownPosition(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))
	_, err := e.Claim("u1", "missing")
	require.ErrorIs(t, err, ErrPositionNotFound)
	_, err = e.Claim("u1", "")
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestPositionDetail(t *testing.T) {
	e, clock := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 100)

	pos, err := e.Stake("u1", decimal.NewFromInt(50), "30d")
	require.NoError(t, err)
	clock.Advance(10 * 24 * time.Hour)

	d, err := e.PositionDetail("u1", pos.PositionID)
	require.NoError(t, err)
	require.Equal(t, pos.PositionID, d.PositionID)
	require.InDelta(t, 1825, d.BaseAPR, 1e-9)
	require.InDelta(t, 1825*1.2, d.BonusAPR, 1e-9)
	require.Equal(t, 30, d.LockPeriodDays)
	require.InDelta(t, 50, d.EarlyWithdrawalPenalty, 1e-9)
	require.InDelta(t, 50*0.05*1.2*30, d.ProjectedEarnings, 1e-9)
	require.Equal(t, pos.StartTime+30*day, d.UnlockTime)
	require.Equal(t, 20*day, d.TimeRemaining)
	require.True(t, d.IsLocked)
	require.Greater(t, d.CurrentEarnings, 0.0)
	require.Equal(t, clock.Now().UnixMilli(), d.LastUpdate)

	clock.Advance(40 * 24 * time.Hour)
	d, err = e.PositionDetail("u1", pos.PositionID)
	require.NoError(t, err)
	require.Zero(t, d.TimeRemaining)
	require.False(t, d.IsLocked)

	_, err = e.PositionDetail("u1", "missing")
	require.ErrorIs(t, err, ErrPositionNotFound)
}

func TestConcurrentStakesDoNotLoseUpdates(t *testing.T) {
	e, _ := newTestEngine(t, newTestStore(t))
	fund(t, e, "u1", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Stake("u1", decimal.NewFromInt(20), "30d")
		}()
	}
	wg.Wait()

	// 1000 / 20 = 50 stakes fit; the other 10 must fail without side effects.
	requireBalance(t, e, "u1", "0")
	views, _, err := e.ListPositions("u1")
	require.NoError(t, err)
	require.Len(t, views, 50)
}

var errInjected = errors.New("injected store failure")

// failingStore runs every write to completion and then fails the commit.
type failingStore struct {
	*store.Store
}

func (f failingStore) Update(fn func(*store.Tx) error) error {
	return f.Store.Update(func(tx *store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errInjected
	})
}

func TestStoreFailureLeavesNoPartialState(t *testing.T) {
	s := newTestStore(t)
	good, _ := newTestEngine(t, s)
	fund(t, good, "u1", 100)
	pos, err := good.Stake("u1", decimal.NewFromInt(40), "30d")
	require.NoError(t, err)

	bad, clock := newTestEngine(t, failingStore{s})
	clock.Advance(45 * 24 * time.Hour)

	_, err = bad.Stake("u1", decimal.NewFromInt(10), "30d")
	require.ErrorIs(t, err, errInjected)
	_, err = bad.Unstake("u1", pos.PositionID)
	require.ErrorIs(t, err, errInjected)
	_, err = bad.Claim("u1", pos.PositionID)
	require.ErrorIs(t, err, errInjected)

	requireBalance(t, good, "u1", "60")
	views, _, err := good.ListPositions("u1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	requireSamePosition(t, pos, views[0].StakingPosition)
}

func TestMetricsCountOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	e, err := New(newTestStore(t), DefaultParams(), WithClock(clock.Now), WithMetrics(m))
	require.NoError(t, err)
	fund(t, e, "u1", 100)

	pos, err := e.Stake("u1", decimal.NewFromInt(50), "30d")
	require.NoError(t, err)
	_, err = e.Stake("u1", decimal.NewFromInt(500), "30d")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = e.Unstake("u1", pos.PositionID)
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(m.stakes.WithLabelValues("30d")))
	require.Equal(t, 50.0, testutil.ToFloat64(m.coinsIn))
	require.Equal(t, 1.0, testutil.ToFloat64(m.unstakes.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("stake", "insufficient_balance")))
}

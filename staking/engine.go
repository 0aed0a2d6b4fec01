// Package staking implements the coin staking engine: compound interest
// accrual on locked positions, claims, early withdrawal penalties and the
// migration of the old single-stake format.
//
// Every mutating operation runs its whole read-modify-write cycle inside one
// store write transaction. The store serializes writers, so two operations for
// the same user never interleave, and a failure at any step leaves balance,
// positions and transaction log exactly as they were.
package staking

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/arkantrust/heliactyl-staking/models"
	"github.com/arkantrust/heliactyl-staking/store"
)

// Store is the persistence the engine needs: serialized read-write
// transactions and read-only snapshots.
type Store interface {
	View(fn func(*store.Tx) error) error
	Update(fn func(*store.Tx) error) error
}

// Engine runs staking operations against a Store.
type Engine struct {
	store   Store
	params  Params
	now     func() time.Time
	metrics *Metrics
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records operations on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger used for operation audit lines.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine. It fails when params are invalid.
func New(s Store, params Params, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("staking params: %w", err)
	}
	e := &Engine{
		store:  s,
		params: params,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Params returns the engine's economic constants.
func (e *Engine) Params() Params { return e.params }

func (e *Engine) nowMs() int64 { return e.now().UnixMilli() }

// maxAmountLen bounds the textual length of a user supplied amount.
const maxAmountLen = 64

// ParseAmount parses a user supplied coin amount as a float64, so the decimal
// it returns always has an exponent within the float64 range. NaN, infinities,
// out of range values and non-numeric strings fail with ErrInvalidAmount.
func ParseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" || len(raw) > maxAmountLen {
		return decimal.Zero, ErrInvalidAmount
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, ErrInvalidAmount
	}
	return decimal.NewFromFloat(f), nil
}

// CalculateEarnings returns what principal has accrued since lastClaimTime
// under lockPeriod, as of now.
func (e *Engine) CalculateEarnings(principal decimal.Decimal, lastClaimTime int64, lockPeriod string) float64 {
	return e.params.CalculateEarnings(principal, lastClaimTime, e.nowMs(), lockPeriod)
}

// Stake moves amount from the user's balance into a new position locked for
// lockPeriod. Each call opens a new position.
func (e *Engine) Stake(userID string, amount decimal.Decimal, lockPeriod string) (models.StakingPosition, error) {
	if _, ok := e.params.LockPeriods[lockPeriod]; !ok {
		e.metrics.reject("stake", ErrInvalidLockPeriod)
		return models.StakingPosition{}, ErrInvalidLockPeriod
	}
	if amount.LessThan(e.params.MinStakeAmount) {
		e.metrics.reject("stake", ErrInvalidAmount)
		return models.StakingPosition{}, ErrInvalidAmount
	}
	principal := amount.RoundBank(e.params.BalanceScale)

	var position models.StakingPosition
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.nowMs()
		if _, err := e.migrateTx(tx, userID, now); err != nil {
			return err
		}

		coins, err := tx.Coins(userID)
		if err != nil {
			return err
		}
		if coins.LessThan(principal) {
			return ErrInsufficientBalance
		}

		positions, _, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		id, err := newPositionID(positions)
		if err != nil {
			return err
		}
		position = models.StakingPosition{
			PositionID:    id,
			Amount:        principal,
			LockPeriod:    lockPeriod,
			StartTime:     now,
			LastClaimTime: now,
		}
		positions = append(positions, position)

		if err := tx.SetPositions(userID, positions); err != nil {
			return err
		}
		if err := tx.SetCoins(userID, coins.Sub(principal)); err != nil {
			return err
		}
		_, err = tx.AppendTransaction(models.TransactionRecord{
			SenderID:    userID,
			ReceiverID:  models.MasterAccount,
			Amount:      principal,
			Description: fmt.Sprintf("Staked with %s lock", lockPeriod),
			Timestamp:   now,
		})
		return err
	})
	if err != nil {
		return models.StakingPosition{}, e.fail("stake", err)
	}

	e.metrics.staked(lockPeriod, principal)
	e.logger.Info("staking: position opened",
		slog.String("user", userID),
		slog.String("position", position.PositionID),
		slog.String("amount", principal.String()),
		slog.String("lock_period", lockPeriod),
	)
	return position, nil
}

// Unstake closes a position and credits principal plus earnings. Earnings of
// a position still inside its lock period are cut by the early withdrawal
// penalty; principal is never reduced.
func (e *Engine) Unstake(userID, positionID string) (models.UnstakeResult, error) {
	var result models.UnstakeResult
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.nowMs()
		if _, err := e.migrateTx(tx, userID, now); err != nil {
			return err
		}

		positions, _, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		idx := indexOf(positions, positionID)
		if idx < 0 {
			return ErrPositionNotFound
		}
		position := positions[idx]

		isLocked := now-position.StartTime < e.params.lockDurationMs(position.LockPeriod)
		earnings := e.params.CalculateEarnings(position.Amount, position.LastClaimTime, now, position.LockPeriod)
		if isLocked {
			earnings *= 1 - e.params.EarlyWithdrawalPenalty
		}
		earned := e.params.round(earnings)
		total := position.Amount.Add(earned)

		coins, err := tx.Coins(userID)
		if err != nil {
			return err
		}
		if err := tx.SetCoins(userID, coins.Add(total)); err != nil {
			return err
		}

		positions = append(positions[:idx], positions[idx+1:]...)
		if err := tx.SetPositions(userID, positions); err != nil {
			return err
		}

		if _, err := tx.AppendTransaction(models.TransactionRecord{
			SenderID:    models.MasterAccount,
			ReceiverID:  userID,
			Amount:      position.Amount,
			Description: fmt.Sprintf("Unstaked position %s", positionID),
			Timestamp:   now,
		}); err != nil {
			return err
		}
		if earned.IsPositive() {
			if _, err := tx.AppendTransaction(models.TransactionRecord{
				SenderID:    models.MasterAccount,
				ReceiverID:  userID,
				Amount:      earned,
				Description: fmt.Sprintf("Staking earnings for position %s", positionID),
				Timestamp:   now,
			}); err != nil {
				return err
			}
		}

		result = models.UnstakeResult{
			Returned:       total,
			Principal:      position.Amount,
			Earnings:       earned,
			PenaltyApplied: isLocked,
		}
		return nil
	})
	if err != nil {
		return models.UnstakeResult{}, e.fail("unstake", err)
	}

	e.metrics.unstaked(result.PenaltyApplied, result.Principal, result.Earnings)
	e.logger.Info("staking: position closed",
		slog.String("user", userID),
		slog.String("position", positionID),
		slog.String("returned", result.Returned.String()),
		slog.Bool("penalty", result.PenaltyApplied),
	)
	return result, nil
}

// Claim credits the earnings accrued since the last claim and restarts
// accrual from now. Claims are never penalized, locked or not.
//
// Earnings that round to zero coins are not claimable; they keep accruing
// instead of being discarded.
func (e *Engine) Claim(userID, positionID string) (models.ClaimResult, error) {
	var result models.ClaimResult
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.nowMs()
		if _, err := e.migrateTx(tx, userID, now); err != nil {
			return err
		}

		positions, _, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		idx := indexOf(positions, positionID)
		if idx < 0 {
			return ErrPositionNotFound
		}
		position := positions[idx]

		earnings := e.params.CalculateEarnings(position.Amount, position.LastClaimTime, now, position.LockPeriod)
		if earnings <= 0 {
			return ErrNothingToClaim
		}
		credit := e.params.round(earnings)
		if !credit.IsPositive() {
			return ErrNothingToClaim
		}

		coins, err := tx.Coins(userID)
		if err != nil {
			return err
		}
		balance := coins.Add(credit)
		if err := tx.SetCoins(userID, balance); err != nil {
			return err
		}

		position.LastClaimTime = now
		positions[idx] = position
		if err := tx.SetPositions(userID, positions); err != nil {
			return err
		}

		if _, err := tx.AppendTransaction(models.TransactionRecord{
			SenderID:    models.MasterAccount,
			ReceiverID:  userID,
			Amount:      credit,
			Description: fmt.Sprintf("Claimed earnings for position %s", positionID),
			Timestamp:   now,
		}); err != nil {
			return err
		}

		result = models.ClaimResult{
			ClaimedAmount: credit,
			NewBalance:    balance,
			Position:      position,
		}
		return nil
	})
	if err != nil {
		return models.ClaimResult{}, e.fail("claim", err)
	}

	e.metrics.claimed(result.ClaimedAmount)
	e.logger.Info("staking: earnings claimed",
		slog.String("user", userID),
		slog.String("position", positionID),
		slog.String("amount", result.ClaimedAmount.String()),
	)
	return result, nil
}

// ListPositions returns the user's positions with their current earnings and
// lock state. Users still on the old single-stake format are migrated first;
// migrated reports whether that happened on this call.
func (e *Engine) ListPositions(userID string) (views []models.PositionView, migrated bool, err error) {
	pos, err := e.MigrateLegacy(userID)
	if err != nil {
		return nil, false, err
	}

	err = e.store.View(func(tx *store.Tx) error {
		positions, _, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		now := e.nowMs()
		views = make([]models.PositionView, 0, len(positions))
		for _, p := range positions {
			views = append(views, e.view(p, now))
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("list positions: %w", err)
	}
	return views, pos != nil, nil
}

// PositionDetail returns one position with its rates, projections and time
// left in the lock.
func (e *Engine) PositionDetail(userID, positionID string) (models.PositionDetail, error) {
	var position models.StakingPosition
	err := e.store.View(func(tx *store.Tx) error {
		positions, _, err := tx.Positions(userID)
		if err != nil {
			return err
		}
		idx := indexOf(positions, positionID)
		if idx < 0 {
			return ErrPositionNotFound
		}
		position = positions[idx]
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPositionNotFound) {
			return models.PositionDetail{}, err
		}
		return models.PositionDetail{}, fmt.Errorf("position detail: %w", err)
	}

	now := e.nowMs()
	view := e.view(position, now)
	lock := e.params.LockPeriods[position.LockPeriod]
	baseAPR := e.params.BaseAPR()
	remaining := view.UnlockTime - now
	if remaining < 0 {
		remaining = 0
	}
	return models.PositionDetail{
		PositionView:           view,
		BaseAPR:                baseAPR,
		BonusAPR:               baseAPR * (1 + lock.Bonus),
		LockPeriodDays:         lock.Days,
		EarlyWithdrawalPenalty: e.params.EarlyWithdrawalPenalty * 100,
		ProjectedEarnings:      e.params.ProjectedEarnings(position.Amount, position.LockPeriod),
		TimeRemaining:          remaining,
		LastUpdate:             now,
	}, nil
}

// Balance returns the user's coin balance.
func (e *Engine) Balance(userID string) (decimal.Decimal, error) {
	var coins decimal.Decimal
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		coins, err = tx.Coins(userID)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance: %w", err)
	}
	return coins, nil
}

func (e *Engine) view(p models.StakingPosition, now int64) models.PositionView {
	unlock := p.StartTime + e.params.lockDurationMs(p.LockPeriod)
	return models.PositionView{
		StakingPosition: p,
		CurrentEarnings: e.params.CalculateEarnings(p.Amount, p.LastClaimTime, now, p.LockPeriod),
		UnlockTime:      unlock,
		IsLocked:        now < unlock,
	}
}

// fail counts business rule rejections and wraps store failures.
func (e *Engine) fail(op string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrPositionNotFound),
		errors.Is(err, ErrNothingToClaim):
		e.metrics.reject(op, err)
		return err
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func indexOf(positions []models.StakingPosition, positionID string) int {
	if positionID == "" {
		return -1
	}
	for i, p := range positions {
		if p.PositionID == positionID {
			return i
		}
	}
	return -1
}

// newPositionID returns 128 random bits, hex encoded, not already used in
// positions.
func newPositionID(positions []models.StakingPosition) (string, error) {
	buf := make([]byte, 16)
	for {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate position id: %w", err)
		}
		id := hex.EncodeToString(buf)
		if indexOf(positions, id) < 0 {
			return id, nil
		}
	}
}

package staking

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

const msPerDay = 24 * 60 * 60 * 1000

// LockPeriod is one row of the lock period table.
type LockPeriod struct {
	Days  int     `yaml:"days" toml:"days"`
	Bonus float64 `yaml:"bonus" toml:"bonus"`
}

// DurationMs is the lock length in milliseconds.
func (l LockPeriod) DurationMs() int64 {
	return int64(l.Days) * msPerDay
}

// Params are the economic constants of the engine.
type Params struct {
	// DailyInterestRate is divided by 365 to get the per-day compounding rate.
	// The name is historic; 0.05 yields roughly 5% a year before bonuses.
	DailyInterestRate      float64
	MinStakeAmount         decimal.Decimal
	EarlyWithdrawalPenalty float64
	LockPeriods            map[string]LockPeriod
	// BalanceScale is the number of decimal places kept whenever coins are
	// persisted. Rounding is half-even.
	BalanceScale int32
}

// DefaultParams returns the panel's stock staking economy.
func DefaultParams() Params {
	return Params{
		DailyInterestRate:      0.05,
		MinStakeAmount:         decimal.NewFromInt(10),
		EarlyWithdrawalPenalty: 0.5,
		LockPeriods: map[string]LockPeriod{
			"30d":  {Days: 30, Bonus: 0.2},
			"90d":  {Days: 90, Bonus: 0.5},
			"180d": {Days: 180, Bonus: 1.0},
		},
		BalanceScale: 8,
	}
}

// Validate checks the parameters for values that would break the engine's
// invariants.
func (p Params) Validate() error {
	if p.DailyInterestRate < 0 || math.IsNaN(p.DailyInterestRate) || math.IsInf(p.DailyInterestRate, 0) {
		return fmt.Errorf("daily interest rate must be a finite non-negative number")
	}
	if !p.MinStakeAmount.IsPositive() {
		return fmt.Errorf("minimum stake amount must be positive")
	}
	if p.EarlyWithdrawalPenalty < 0 || p.EarlyWithdrawalPenalty > 1 {
		return fmt.Errorf("early withdrawal penalty must be within [0, 1]")
	}
	if len(p.LockPeriods) == 0 {
		return fmt.Errorf("at least one lock period is required")
	}
	for name, lock := range p.LockPeriods {
		if lock.Days <= 0 {
			return fmt.Errorf("lock period %q: days must be positive", name)
		}
		if lock.Bonus < 0 {
			return fmt.Errorf("lock period %q: bonus must not be negative", name)
		}
	}
	if p.BalanceScale < 0 {
		return fmt.Errorf("balance scale must not be negative")
	}
	return nil
}

// bonus returns the lock period's bonus, zero for unknown periods.
func (p Params) bonus(lockPeriod string) float64 {
	return p.LockPeriods[lockPeriod].Bonus
}

// lockDurationMs returns the lock length, zero for unknown periods so that a
// position with an unrecognised lock is treated as unlocked.
func (p Params) lockDurationMs(lockPeriod string) int64 {
	return p.LockPeriods[lockPeriod].DurationMs()
}

// CalculateEarnings returns the compound interest accrued on principal between
// lastClaimTime and now (both epoch milliseconds):
//
//	principal * ((1 + rate/365 * (1 + bonus)) ^ days - 1)
//
// Days are fractional. Nothing is rounded here. A lastClaimTime in the future
// accrues nothing.
func (p Params) CalculateEarnings(principal decimal.Decimal, lastClaimTime, now int64, lockPeriod string) float64 {
	elapsed := now - lastClaimTime
	if elapsed <= 0 {
		return 0
	}
	days := float64(elapsed) / msPerDay
	effectiveRate := p.DailyInterestRate / 365 * (1 + p.bonus(lockPeriod))
	return principal.InexactFloat64() * (math.Pow(1+effectiveRate, days) - 1)
}

// ProjectedEarnings is the flat, non-compounded estimate shown for a full lock
// term: principal * rate * (1 + bonus) * lockDays.
func (p Params) ProjectedEarnings(principal decimal.Decimal, lockPeriod string) float64 {
	lock := p.LockPeriods[lockPeriod]
	return principal.InexactFloat64() * p.DailyInterestRate * (1 + lock.Bonus) * float64(lock.Days)
}

// BaseAPR is the advertised yearly percentage before the lock bonus.
func (p Params) BaseAPR() float64 {
	return p.DailyInterestRate * 365 * 100
}

// round converts an engine float to a persisted coin amount.
func (p Params) round(v float64) decimal.Decimal {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).RoundBank(p.BalanceScale)
}

// Package models defines the persisted and presented types of the staking
// service.
package models

import "github.com/shopspring/decimal"

func init() {
	// Balances travel as JSON numbers, the way the panel has always stored
	// them, rather than as quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// StakingPosition is a single staking commitment owned by one user.
//
// Positions are stored as an ordered list under staking-positions-{userId}.
// The order is insertion order and carries no meaning beyond lookup.
type StakingPosition struct {
	// PositionID is 128 random bits, hex encoded. It is unique within the
	// owner's list and never reused.
	PositionID string `json:"positionId"`

	// Amount is the staked principal in coins. It never changes after the
	// position is opened and is always positive.
	Amount decimal.Decimal `json:"amount"`

	// LockPeriod is the key into the lock period table ("30d", "90d", "180d").
	LockPeriod string `json:"lockPeriod"`

	// StartTime is the creation time in epoch milliseconds. Immutable.
	StartTime int64 `json:"startTime"`

	// LastClaimTime is the epoch millisecond at which earnings were last
	// settled. It starts equal to StartTime and only moves forward.
	LastClaimTime int64 `json:"lastClaimTime"`
}

// PositionView is a stored position enriched with values derived at read
// time.
type PositionView struct {
	StakingPosition

	CurrentEarnings float64 `json:"currentEarnings"`
	UnlockTime      int64   `json:"unlockTime"`
	IsLocked        bool    `json:"isLocked"`
}

// PositionDetail extends PositionView with the rates and projections shown on
// the position detail page.
type PositionDetail struct {
	PositionView

	BaseAPR                float64 `json:"baseAPR"`
	BonusAPR               float64 `json:"bonusAPR"`
	LockPeriodDays         int     `json:"lockPeriodDays"`
	EarlyWithdrawalPenalty float64 `json:"earlyWithdrawalPenalty"`
	ProjectedEarnings      float64 `json:"projectedEarnings"`
	TimeRemaining          int64   `json:"timeRemaining"`
	LastUpdate             int64   `json:"lastUpdate"`
}

// UnstakeResult reports what a closed position paid out.
type UnstakeResult struct {
	Returned       decimal.Decimal `json:"returned"`
	Principal      decimal.Decimal `json:"principal"`
	Earnings       decimal.Decimal `json:"earnings"`
	PenaltyApplied bool            `json:"penaltyApplied"`
}

// ClaimResult reports a settled claim.
type ClaimResult struct {
	ClaimedAmount decimal.Decimal `json:"claimedAmount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	Position      StakingPosition `json:"position"`
}

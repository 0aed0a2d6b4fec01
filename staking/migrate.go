package staking

import (
	"fmt"
	"log/slog"

	"github.com/arkantrust/heliactyl-staking/models"
	"github.com/arkantrust/heliactyl-staking/store"
)

// legacyLockPeriod is the lock given to stakes carried over from the old
// format.
const legacyLockPeriod = "30d"

// MigrateLegacy converts the user's old single-stake record (staked-{id},
// lastStakeTime-{id}) into a 30 day position and deletes the old keys. It only
// acts when the user has no position list yet, so calling it again is a no-op.
// It returns the created position, or nil when nothing was migrated.
func (e *Engine) MigrateLegacy(userID string) (*models.StakingPosition, error) {
	var pending bool
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		pending, err = hasLegacyStake(tx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("migrate legacy stake: %w", err)
	}
	if !pending {
		return nil, nil
	}

	var migrated *models.StakingPosition
	err = e.store.Update(func(tx *store.Tx) error {
		var err error
		migrated, err = e.migrateTx(tx, userID, e.nowMs())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("migrate legacy stake: %w", err)
	}
	if migrated != nil {
		e.metrics.migrated(1)
		e.logger.Info("staking: legacy stake migrated",
			slog.String("user", userID),
			slog.String("position", migrated.PositionID),
			slog.String("amount", migrated.Amount.String()),
		)
	}
	return migrated, nil
}

// MigrateAll migrates every user that still has an old-format stake and
// returns how many positions were created.
func (e *Engine) MigrateAll() (int, error) {
	count := 0
	err := e.store.Update(func(tx *store.Tx) error {
		now := e.nowMs()
		for _, userID := range tx.LegacyStakers() {
			pos, err := e.migrateTx(tx, userID, now)
			if err != nil {
				return fmt.Errorf("user %s: %w", userID, err)
			}
			if pos != nil {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("migrate legacy stakes: %w", err)
	}
	e.metrics.migrated(count)
	return count, nil
}

// hasLegacyStake reports whether the user has a positive old-format stake and
// no position list yet.
func hasLegacyStake(tx *store.Tx, userID string) (bool, error) {
	_, exists, err := tx.Positions(userID)
	if err != nil || exists {
		return false, err
	}
	legacy, ok, err := tx.LegacyStake(userID)
	if err != nil || !ok {
		return false, err
	}
	return legacy.Amount.IsPositive(), nil
}

func (e *Engine) migrateTx(tx *store.Tx, userID string, now int64) (*models.StakingPosition, error) {
	positions, exists, err := tx.Positions(userID)
	if err != nil || exists {
		return nil, err
	}
	legacy, ok, err := tx.LegacyStake(userID)
	if err != nil || !ok || !legacy.Amount.IsPositive() {
		return nil, err
	}

	start := legacy.LastStakeTime
	if start <= 0 {
		start = now
	}
	id, err := newPositionID(positions)
	if err != nil {
		return nil, err
	}
	position := models.StakingPosition{
		PositionID:    id,
		Amount:        legacy.Amount.RoundBank(e.params.BalanceScale),
		LockPeriod:    legacyLockPeriod,
		StartTime:     start,
		LastClaimTime: start,
	}
	if err := tx.SetPositions(userID, append(positions, position)); err != nil {
		return nil, err
	}
	if err := tx.DeleteLegacyStake(userID); err != nil {
		return nil, err
	}
	return &position, nil
}

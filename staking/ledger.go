package staking

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/arkantrust/heliactyl-staking/models"
	"github.com/arkantrust/heliactyl-staking/store"
)

// MaxAdminCoins bounds the balances the admin API may set or add.
var MaxAdminCoins = decimal.NewFromInt(999999999999999)

// SetCoins overwrites the user's balance. Zero removes the balance record.
// The difference to the previous balance is written to the transaction log
// against the MASTER account.
func (e *Engine) SetCoins(userID string, coins decimal.Decimal) (decimal.Decimal, error) {
	if coins.IsNegative() || coins.GreaterThan(MaxAdminCoins) {
		return decimal.Zero, ErrInvalidAmount
	}
	coins = coins.RoundBank(e.params.BalanceScale)

	err := e.store.Update(func(tx *store.Tx) error {
		previous, err := tx.Coins(userID)
		if err != nil {
			return err
		}
		if coins.IsZero() {
			err = tx.Delete(store.CoinsKey(userID))
		} else {
			err = tx.SetCoins(userID, coins)
		}
		if err != nil {
			return err
		}

		delta := coins.Sub(previous)
		if delta.IsZero() {
			return nil
		}
		rec := models.TransactionRecord{
			SenderID:    models.MasterAccount,
			ReceiverID:  userID,
			Amount:      delta,
			Description: "Balance set by admin",
			Timestamp:   e.nowMs(),
		}
		if delta.IsNegative() {
			rec.SenderID, rec.ReceiverID, rec.Amount = userID, models.MasterAccount, delta.Neg()
		}
		_, err = tx.AppendTransaction(rec)
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("set coins: %w", err)
	}
	e.logger.Info("ledger: balance set", slog.String("user", userID), slog.String("coins", coins.String()))
	return coins, nil
}

// AddCoins credits amount to the user's balance and returns the new balance.
func (e *Engine) AddCoins(userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThan(decimal.NewFromInt(1)) || amount.GreaterThan(MaxAdminCoins) {
		return decimal.Zero, ErrInvalidAmount
	}
	amount = amount.RoundBank(e.params.BalanceScale)

	var balance decimal.Decimal
	err := e.store.Update(func(tx *store.Tx) error {
		coins, err := tx.Coins(userID)
		if err != nil {
			return err
		}
		balance = coins.Add(amount)
		if err := tx.SetCoins(userID, balance); err != nil {
			return err
		}
		_, err = tx.AppendTransaction(models.TransactionRecord{
			SenderID:    models.MasterAccount,
			ReceiverID:  userID,
			Amount:      amount,
			Description: "Coins added by admin",
			Timestamp:   e.nowMs(),
		})
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("add coins: %w", err)
	}
	e.logger.Info("ledger: coins added", slog.String("user", userID), slog.String("amount", amount.String()))
	return balance, nil
}

// Transactions returns the log entries where the user is sender or receiver,
// oldest first.
func (e *Engine) Transactions(userID string) ([]models.TransactionRecord, error) {
	var items []models.TransactionRecord
	err := e.store.View(func(tx *store.Tx) error {
		var err error
		items, err = tx.Transactions(func(r models.TransactionRecord) bool { return r.Involves(userID) })
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transactions: %w", err)
	}
	return items, nil
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MasterAccount is the synthetic counterparty standing in for the staking pool
// and for admin balance adjustments.
const MasterAccount = "MASTER"

// TransactionRecord is one entry of the append-only transaction log.
type TransactionRecord struct {
	// ID is a UUID assigned when the record is appended.
	ID string `json:"id"`

	SenderID    string          `json:"senderId"`
	ReceiverID  string          `json:"receiverId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`

	// Timestamp is the epoch millisecond the record was written.
	Timestamp int64 `json:"timestamp"`
}

// Involves reports whether userID is either side of the transaction.
func (t TransactionRecord) Involves(userID string) bool {
	return t.SenderID == userID || t.ReceiverID == userID
}

// IdempotencyRecord is a cached HTTP response for a client supplied
// Idempotency-Key.
//
// A retried request carrying the same key receives the stored status and body
// without the handler running again. This is what makes a retried POST /stake
// safe: without the key every call opens a new position.
type IdempotencyRecord struct {
	StatusCode  int       `json:"statusCode"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body"`
	StoredAt    time.Time `json:"storedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

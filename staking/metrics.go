package staking

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics are the Prometheus collectors updated by the engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	stakes     *prometheus.CounterVec
	unstakes   *prometheus.CounterVec
	claims     prometheus.Counter
	migrations prometheus.Counter
	coinsIn    prometheus.Counter
	coinsOut   *prometheus.CounterVec
	rejected   *prometheus.CounterVec
}

// NewMetrics creates the staking collectors under namespace and registers them
// with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		stakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "positions_opened_total",
			Help:      "Staking positions opened, by lock period.",
		}, []string{"lock_period"}),
		unstakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "positions_closed_total",
			Help:      "Staking positions closed, by whether the early withdrawal penalty applied.",
		}, []string{"penalty"}),
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "claims_total",
			Help:      "Successful earnings claims.",
		}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "legacy_migrations_total",
			Help:      "Legacy single-position stakes converted to position lists.",
		}),
		coinsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "coins_staked_total",
			Help:      "Principal moved from balances into positions.",
		}),
		coinsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "coins_paid_total",
			Help:      "Coins paid back to balances, by kind (principal or earnings).",
		}, []string{"kind"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "staking",
			Name:      "rejected_total",
			Help:      "Operations rejected by a business rule.",
		}, []string{"op", "reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.stakes, m.unstakes, m.claims, m.migrations, m.coinsIn, m.coinsOut, m.rejected)
	}
	return m
}

func (m *Metrics) staked(lockPeriod string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.stakes.WithLabelValues(lockPeriod).Inc()
	m.coinsIn.Add(amount.InexactFloat64())
}

func (m *Metrics) unstaked(penalty bool, principal, earnings decimal.Decimal) {
	if m == nil {
		return
	}
	m.unstakes.WithLabelValues(strconv.FormatBool(penalty)).Inc()
	m.coinsOut.WithLabelValues("principal").Add(principal.InexactFloat64())
	m.coinsOut.WithLabelValues("earnings").Add(earnings.InexactFloat64())
}

func (m *Metrics) claimed(earnings decimal.Decimal) {
	if m == nil {
		return
	}
	m.claims.Inc()
	m.coinsOut.WithLabelValues("earnings").Add(earnings.InexactFloat64())
}

func (m *Metrics) migrated(n int) {
	if m == nil || n == 0 {
		return
	}
	m.migrations.Add(float64(n))
}

func (m *Metrics) reject(op string, err error) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(op, reason(err)).Inc()
}

func reason(err error) string {
	switch err {
	case ErrInvalidLockPeriod:
		return "invalid_lock_period"
	case ErrInvalidAmount:
		return "invalid_amount"
	case ErrInsufficientBalance:
		return "insufficient_balance"
	case ErrPositionNotFound:
		return "position_not_found"
	case ErrNothingToClaim:
		return "nothing_to_claim"
	default:
		return "other"
	}
}

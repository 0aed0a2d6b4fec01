package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/arkantrust/heliactyl-staking/middleware"
	"github.com/arkantrust/heliactyl-staking/staking"
	"github.com/arkantrust/heliactyl-staking/store"
)

type fixture struct {
	t      *testing.T
	engine *staking.Engine
	store  *store.Store
	router http.Handler
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{t: t, store: s, now: time.UnixMilli(1_700_000_000_000)}
	f.engine, err = staking.New(s, staking.DefaultParams(), staking.WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)

	h := New(f.engine, nil)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				if user := req.Header.Get("X-Test-User"); user != "" {
					req = req.WithContext(middleware.WithUserID(req.Context(), user))
				}
				next.ServeHTTP(w, req)
			})
		})
		r.Post("/stake", h.Stake)
		r.Post("/unstake", h.Unstake)
		r.Post("/stake/claim", h.Claim)
		r.Get("/stake/positions", h.ListPositions)
		r.Get("/stake/positions/{positionId}", h.PositionDetail)
		r.Get("/stake/balance", h.Balance)
	})
	r.Get("/api/v6/coins", h.Coins)
	r.Post("/api/v6/setcoins", h.SetCoins)
	r.Post("/api/v6/addcoins", h.AddCoins)
	r.Get("/api/v6/transactions", h.Transactions)
	f.router = r
	return f
}

func (f *fixture) do(method, path, user, body string) (*httptest.ResponseRecorder, map[string]any) {
	f.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)

	var decoded map[string]any
	require.NoError(f.t, json.Unmarshal(res.Body.Bytes(), &decoded), res.Body.String())
	return res, decoded
}

func (f *fixture) fund(user string, coins int64) {
	f.t.Helper()
	_, err := f.engine.AddCoins(user, decimal.NewFromInt(coins))
	require.NoError(f.t, err)
}

func TestStakeValidation(t *testing.T) {
	f := newFixture(t)
	f.fund("u1", 5)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown lock", `{"amount":50,"lockPeriod":"7d"}`, "Invalid lock period"},
		{"lock checked first", `{"amount":"abc","lockPeriod":"7d"}`, "Invalid lock period"},
		{"below minimum", `{"amount":9.99,"lockPeriod":"30d"}`, "Invalid amount. Minimum stake is 10 coins."},
		{"not a number", `{"amount":"abc","lockPeriod":"30d"}`, "Invalid amount. Minimum stake is 10 coins."},
		{"missing amount", `{"lockPeriod":"30d"}`, "Invalid amount. Minimum stake is 10 coins."},
		{"tiny exponent", `{"amount":1e-200000000,"lockPeriod":"30d"}`, "Invalid amount. Minimum stake is 10 coins."},
		{"huge exponent", `{"amount":"1e999999999","lockPeriod":"30d"}`, "Invalid amount. Minimum stake is 10 coins."},
		{"insufficient", `{"amount":"10","lockPeriod":"30d"}`, "Insufficient balance"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, body := f.do(http.MethodPost, "/stake", "u1", tc.body)
			require.Equal(t, http.StatusBadRequest, res.Code)
			require.Equal(t, tc.want, body["error"])
		})
	}

	res, body := f.do(http.MethodPost, "/stake", "u1", `not json`)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "invalid JSON body", body["error"])
}

func TestStakeUnstakeRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.fund("u1", 100)

	res, body := f.do(http.MethodPost, "/stake", "u1", `{"amount":50,"lockPeriod":"30d"}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "Staked successfully", body["message"])
	position := body["position"].(map[string]any)
	require.Equal(t, 50.0, position["amount"])
	require.Equal(t, "30d", position["lockPeriod"])
	require.Len(t, position["positionId"], 32)

	_, body = f.do(http.MethodGet, "/stake/balance", "u1", "")
	require.Equal(t, 50.0, body["coins"])

	res, body = f.do(http.MethodPost, "/unstake", "u1", `{"positionId":"`+position["positionId"].(string)+`"}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "Unstaked successfully", body["message"])
	require.Equal(t, 50.0, body["returned"])
	require.Equal(t, 50.0, body["principal"])
	require.Equal(t, 0.0, body["earnings"])
	require.Equal(t, true, body["penaltyApplied"])

	_, body = f.do(http.MethodGet, "/stake/balance", "u1", "")
	require.Equal(t, 100.0, body["coins"])

	res, body = f.do(http.MethodPost, "/unstake", "u1", `{"positionId":"`+position["positionId"].(string)+`"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "Invalid position", body["error"])
}

func TestClaimAndPositions(t *testing.T) {
	f := newFixture(t)
	f.fund("u1", 1000)

	_, body := f.do(http.MethodPost, "/stake", "u1", `{"amount":"1000","lockPeriod":"180d"}`)
	id := body["position"].(map[string]any)["positionId"].(string)

	res, body := f.do(http.MethodPost, "/stake/claim", "u1", `{"positionId":"`+id+`"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "No earnings to claim", body["error"])

	f.now = f.now.Add(10 * 24 * time.Hour)

	res, body = f.do(http.MethodGet, "/stake/positions", "u1", "")
	require.Equal(t, http.StatusOK, res.Code)
	require.NotContains(t, body, "message")
	positions := body["positions"].([]any)
	require.Len(t, positions, 1)
	view := positions[0].(map[string]any)
	require.Equal(t, true, view["isLocked"])
	require.Greater(t, view["currentEarnings"].(float64), 0.0)

	res, body = f.do(http.MethodPost, "/stake/claim", "u1", `{"positionId":"`+id+`"}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "Earnings claimed successfully", body["message"])
	claimed := body["claimedAmount"].(float64)
	require.Greater(t, claimed, 0.0)
	require.InDelta(t, claimed, body["newBalance"].(float64), 1e-9)
	require.Equal(t, float64(f.now.UnixMilli()), body["position"].(map[string]any)["lastClaimTime"])

	res, body = f.do(http.MethodGet, "/stake/positions/"+id, "u1", "")
	require.Equal(t, http.StatusOK, res.Code)
	detail := body["position"].(map[string]any)
	require.Equal(t, 180.0, detail["lockPeriodDays"])
	require.Equal(t, 50.0, detail["earlyWithdrawalPenalty"])
	require.InDelta(t, 1825.0, detail["baseAPR"].(float64), 1e-9)
	require.InDelta(t, 3650.0, detail["bonusAPR"].(float64), 1e-9)
	require.Equal(t, 170.0*24*60*60*1000, detail["timeRemaining"])

	res, body = f.do(http.MethodGet, "/stake/positions/nope", "u1", "")
	require.Equal(t, http.StatusNotFound, res.Code)
	require.Equal(t, "Position not found", body["error"])

	// Positions belong to their owner.
	res, _ = f.do(http.MethodGet, "/stake/positions/"+id, "u2", "")
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestListPositionsReportsMigration(t *testing.T) {
	f := newFixture(t)
	err := f.store.Update(func(tx *store.Tx) error {
		if err := tx.Set(store.LegacyStakedKey("u1"), 200); err != nil {
			return err
		}
		return tx.Set(store.LegacyLastStakeKey("u1"), f.now.UnixMilli())
	})
	require.NoError(t, err)

	_, body := f.do(http.MethodGet, "/stake/positions", "u1", "")
	require.Equal(t, "Staking data migrated to new format", body["message"])
	require.Len(t, body["positions"], 1)

	_, body = f.do(http.MethodGet, "/stake/positions", "u1", "")
	require.NotContains(t, body, "message")
	require.Len(t, body["positions"], 1)
}

func TestEmptyPositionsIsArray(t *testing.T) {
	f := newFixture(t)
	res, _ := f.do(http.MethodGet, "/stake/positions", "u1", "")
	require.JSONEq(t, `{"positions":[]}`, res.Body.String())
}

func TestHandlersRequireUser(t *testing.T) {
	f := newFixture(t)
	res, _ := f.do(http.MethodGet, "/stake/balance", "", "")
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAdminCoins(t *testing.T) {
	f := newFixture(t)

	res, body := f.do(http.MethodPost, "/api/v6/setcoins", "", `{"id":"u1","coins":250}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "success", body["status"])

	res, body = f.do(http.MethodPost, "/api/v6/addcoins", "", `{"id":"u1","coins":50}`)
	require.Equal(t, http.StatusOK, res.Code)

	_, body = f.do(http.MethodGet, "/api/v6/coins?id=u1", "", "")
	require.Equal(t, "success", body["status"])
	require.Equal(t, 300.0, body["coins"])

	_, body = f.do(http.MethodGet, "/api/v6/transactions?id=u1", "", "")
	require.Len(t, body["transactions"], 2)

	cases := []struct {
		path, body, want string
	}{
		{"/api/v6/setcoins", `[]`, "body must be an object"},
		{"/api/v6/setcoins", `{"coins":1}`, "id must be a string"},
		{"/api/v6/setcoins", `{"id":"u1","coins":"5"}`, "coins must be number"},
		{"/api/v6/setcoins", `{"id":"u1","coins":-1}`, "too small or big coins"},
		{"/api/v6/addcoins", `{"id":"u1","coins":0}`, "too small or big coins"},
		{"/api/v6/addcoins", `{"id":"u1","coins":1000000000000000}`, "too small or big coins"},
		{"/api/v6/addcoins", `{"id":"u1","coins":1e-200000000}`, "too small or big coins"},
		{"/api/v6/addcoins", `{"id":"u1","coins":1e999999999}`, "too small or big coins"},
		{"/api/v6/addcoins", `{"id":"u1","coins":true}`, "coins must be number"},
	}
	for _, tc := range cases {
		res, body := f.do(http.MethodPost, tc.path, "", tc.body)
		require.Equal(t, http.StatusBadRequest, res.Code, tc.body)
		require.Equal(t, tc.want, body["status"], tc.body)
	}

	res, body = f.do(http.MethodGet, "/api/v6/coins", "", "")
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "missing id", body["status"])
}

package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/arkantrust/heliactyl-staking/staking"
)

type coinsRequest struct {
	ID    *string         `json:"id"`
	Coins json.RawMessage `json:"coins"`
}

// Coins handles GET /api/v6/coins?id=.
func (h *Handler) Coins(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeStatus(w, http.StatusBadRequest, "missing id")
		return
	}
	coins, err := h.engine.Balance(id)
	if err != nil {
		h.adminFail(w, "coins", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "coins": coins})
}

// SetCoins handles POST /api/v6/setcoins. Zero removes the balance.
func (h *Handler) SetCoins(w http.ResponseWriter, r *http.Request) {
	id, coins, ok := decodeCoins(w, r)
	if !ok {
		return
	}
	if _, err := h.engine.SetCoins(id, coins); err != nil {
		h.adminFail(w, "setcoins", err)
		return
	}
	writeStatus(w, http.StatusOK, "success")
}

// AddCoins handles POST /api/v6/addcoins.
func (h *Handler) AddCoins(w http.ResponseWriter, r *http.Request) {
	id, coins, ok := decodeCoins(w, r)
	if !ok {
		return
	}
	if _, err := h.engine.AddCoins(id, coins); err != nil {
		h.adminFail(w, "addcoins", err)
		return
	}
	writeStatus(w, http.StatusOK, "success")
}

// Transactions handles GET /api/v6/transactions?id=.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeStatus(w, http.StatusBadRequest, "missing id")
		return
	}
	items, err := h.engine.Transactions(id)
	if err != nil {
		h.adminFail(w, "transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "transactions": items})
}

func decodeCoins(w http.ResponseWriter, r *http.Request) (string, decimal.Decimal, bool) {
	var body coinsRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		writeStatus(w, http.StatusBadRequest, "body must be an object")
		return "", decimal.Zero, false
	}
	if body.ID == nil || strings.TrimSpace(*body.ID) == "" {
		writeStatus(w, http.StatusBadRequest, "id must be a string")
		return "", decimal.Zero, false
	}
	raw := bytes.TrimSpace(body.Coins)
	if len(raw) == 0 || raw[0] == '"' || bytes.Equal(raw, []byte("null")) {
		writeStatus(w, http.StatusBadRequest, "coins must be number")
		return "", decimal.Zero, false
	}
	if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		writeStatus(w, http.StatusBadRequest, "coins must be number")
		return "", decimal.Zero, false
	}
	coins, err := staking.ParseAmount(string(raw))
	if err != nil {
		writeStatus(w, http.StatusBadRequest, "too small or big coins")
		return "", decimal.Zero, false
	}
	return strings.TrimSpace(*body.ID), coins, true
}

func (h *Handler) adminFail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, staking.ErrInvalidAmount) {
		writeStatus(w, http.StatusBadRequest, "too small or big coins")
		return
	}
	h.logger.Error("admin request failed", slog.String("op", op), slog.String("error", err.Error()))
	writeStatus(w, http.StatusInternalServerError, "internal error")
}

// Package handlers provides the HTTP handlers for the staking routes and the
// admin coin API.
//
// Handlers decode and validate the request, call the staking engine and map
// its errors onto status codes. Business rule failures come back as 400 (or
// 404 for an unknown position on the detail route) with an {"error": ...}
// body and leave nothing changed; anything else is logged and answered with a
// generic 500.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/arkantrust/heliactyl-staking/middleware"
	"github.com/arkantrust/heliactyl-staking/models"
	"github.com/arkantrust/heliactyl-staking/staking"
)

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	engine *staking.Engine
	logger *slog.Logger
}

// New creates a new Handler around the given engine.
func New(engine *staking.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

type stakeRequest struct {
	// Amount is accepted as a JSON number or a numeric string.
	Amount     json.RawMessage `json:"amount"`
	LockPeriod string          `json:"lockPeriod"`
}

type positionRequest struct {
	PositionID string `json:"positionId"`
}

// Stake handles POST /stake. Every successful call opens a new position;
// clients that retry should send an Idempotency-Key.
func (h *Handler) Stake(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var body stakeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := h.engine.Params()
	if _, ok := params.LockPeriods[body.LockPeriod]; !ok {
		h.fail(w, userID, staking.ErrInvalidLockPeriod)
		return
	}
	amount, err := staking.ParseAmount(string(body.Amount))
	if err != nil {
		h.fail(w, userID, err)
		return
	}

	position, err := h.engine.Stake(userID, amount, body.LockPeriod)
	if err != nil {
		h.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Staked successfully",
		"position": position,
	})
}

// Unstake handles POST /unstake.
func (h *Handler) Unstake(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var body positionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.engine.Unstake(userID, body.PositionID)
	if err != nil {
		h.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Unstaked successfully",
		"returned":       result.Returned,
		"principal":      result.Principal,
		"earnings":       result.Earnings,
		"penaltyApplied": result.PenaltyApplied,
	})
}

// Claim handles POST /stake/claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var body positionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.engine.Claim(userID, body.PositionID)
	if err != nil {
		h.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "Earnings claimed successfully",
		"claimedAmount": result.ClaimedAmount,
		"newBalance":    result.NewBalance,
		"position":      result.Position,
	})
}

// ListPositions handles GET /stake/positions.
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	positions, migrated, err := h.engine.ListPositions(userID)
	if err != nil {
		h.fail(w, userID, err)
		return
	}
	resp := map[string]any{"positions": positions}
	if migrated {
		resp["message"] = "Staking data migrated to new format"
	}
	writeJSON(w, http.StatusOK, resp)
}

// PositionDetail handles GET /stake/positions/{positionId}.
func (h *Handler) PositionDetail(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	detail, err := h.engine.PositionDetail(userID, chi.URLParam(r, "positionId"))
	if errors.Is(err, staking.ErrPositionNotFound) {
		writeError(w, http.StatusNotFound, "Position not found")
		return
	}
	if err != nil {
		h.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.PositionDetail{"position": detail})
}

// Balance handles GET /stake/balance.
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	coins, err := h.engine.Balance(userID)
	if err != nil {
		h.fail(w, userID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"coins": coins})
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		// The router mounts these handlers behind the authenticator.
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return userID, true
}

// fail maps engine errors onto responses.
func (h *Handler) fail(w http.ResponseWriter, userID string, err error) {
	switch {
	case errors.Is(err, staking.ErrInvalidLockPeriod):
		writeError(w, http.StatusBadRequest, "Invalid lock period")
	case errors.Is(err, staking.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, h.invalidAmountMessage())
	case errors.Is(err, staking.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "Insufficient balance")
	case errors.Is(err, staking.ErrPositionNotFound):
		writeError(w, http.StatusBadRequest, "Invalid position")
	case errors.Is(err, staking.ErrNothingToClaim):
		writeError(w, http.StatusBadRequest, "No earnings to claim")
	default:
		h.logger.Error("staking request failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) invalidAmountMessage() string {
	return fmt.Sprintf("Invalid amount. Minimum stake is %s coins.", h.engine.Params().MinStakeAmount)
}

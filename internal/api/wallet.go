package api

import (
	"encoding/json"
	"net/http"

	"github.com/consulta/meterd/internal/session"
)

// walletResponse is the wallet view returned to clients. The balance is in
// credits; storage keeps millicredits.
type walletResponse struct {
	UserID  string  `json:"userId"`
	Balance float64 `json:"balance"`
}

// handleWallet returns the caller's wallet balance.
func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	balance, err := s.wallets.Balance(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to read wallet")
		writeError(w, http.StatusInternalServerError, "Failed to read wallet")
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{
		UserID:  userID,
		Balance: session.CreditsFromMillis(balance),
	})
}

// topUpRequest is the body of a wallet top-up. Amount is in credits.
type topUpRequest struct {
	Amount float64 `json:"amount"`
}

// handleTopUp credits the caller's wallet.
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	amount := session.MillisFromCredits(req.Amount)
	if amount <= 0 {
		writeError(w, http.StatusBadRequest, "Amount must be positive")
		return
	}

	balance, err := s.wallets.Credit(r.Context(), userID, amount)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to credit wallet")
		writeError(w, http.StatusInternalServerError, "Failed to credit wallet")
		return
	}

	s.logger.Info().
		Str("user_id", userID).
		Float64("amount", req.Amount).
		Msg("Wallet topped up")

	writeJSON(w, http.StatusOK, walletResponse{
		UserID:  userID,
		Balance: session.CreditsFromMillis(balance),
	})
}

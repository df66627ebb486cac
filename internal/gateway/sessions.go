package gateway

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/scopes"
	"github.com/agentgate/backend/internal/signing"
	"github.com/agentgate/backend/internal/store"
)

// createSessionRequest accepts both shapes of POST /sessions. The new
// shape carries scopes and onChainParams; the legacy shape carries the
// flat allowedTargets, allowedSelectors, and approvedContracts lists.
type createSessionRequest struct {
	SessionID           string                    `json:"sessionId"`
	SessionKeyAddress   string                    `json:"sessionKeyAddress"`
	EncryptedPrivateKey *hybridcrypto.Encrypted   `json:"encryptedPrivateKey"`
	Scopes              []scopes.Scope            `json:"scopes,omitempty"`
	OnChainParams       *scopes.OnChainParams     `json:"onChainParams,omitempty"`
	AllowedTargets      []string                  `json:"allowedTargets,omitempty"`
	AllowedSelectors    []string                  `json:"allowedSelectors,omitempty"`
	ApprovedContracts   []scopes.ApprovedContract `json:"approvedContracts,omitempty"`
	ValidAfter          int64                     `json:"validAfter"`
	ValidUntil          int64                     `json:"validUntil"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sessions, err := s.store.ListActiveSessionKeys(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.SessionKey{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}

	params := req.OnChainParams
	if params == nil && (len(req.AllowedTargets) > 0 || len(req.AllowedSelectors) > 0) {
		// Legacy shape: reconstruct the on-chain tuple from the flat lists.
		synthesized := scopes.OnChainParams{
			AllowedTargets:   lowercaseAll(req.AllowedTargets),
			AllowedSelectors: lowercaseAll(req.AllowedSelectors),
		}
		if synthesized.AllowedSelectors == nil {
			synthesized.AllowedSelectors = []string{}
		}
		if len(req.ApprovedContracts) > 0 {
			synthesized.ApprovedContracts =
				scopes.Flatten([]scopes.Scope{scopes.DefaultPaymentScope(req.ApprovedContracts)}).ApprovedContracts
		}
		params = &synthesized
	}

	key, err := store.NewSessionKey(store.CreateSessionKeyInput{
		UserID:              user.ID,
		SessionID:           req.SessionID,
		SessionKeyAddress:   req.SessionKeyAddress,
		EncryptedPrivateKey: req.EncryptedPrivateKey,
		Scopes:              req.Scopes,
		OnChainParams:       params,
		ApprovedContracts:   req.ApprovedContracts,
		ValidAfter:          time.Unix(req.ValidAfter, 0).UTC(),
		ValidUntil:          time.Unix(req.ValidUntil, 0).UTC(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateSessionKey(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}

	sessionsCreated.Inc()
	s.logger.Info("session key registered",
		"userId", user.ID, "sessionId", key.SessionID, "validUntil", key.ValidUntil)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "session": key})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	session, err := s.store.GetSessionKey(r.Context(), user.ID, mux.Vars(r)["sessionId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	alreadyRevoked, err := s.store.RevokeSessionKey(r.Context(), user.ID, mux.Vars(r)["sessionId"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"alreadyRevoked": alreadyRevoked,
	})
}

// signRequest is the wire shape of POST /sessions/:sessionId/sign.
// Numeric fields accept both JSON numbers and decimal strings.
type signRequest struct {
	From         string          `json:"from"`
	To           string          `json:"to"`
	Value        json.RawMessage `json:"value"`
	ValidAfter   json.RawMessage `json:"validAfter"`
	ValidBefore  json.RawMessage `json:"validBefore"`
	Nonce        string          `json:"nonce"`
	ChainID      int64           `json:"chainId"`
	TokenAddress string          `json:"tokenAddress"`
}

func (s *Server) handleSignSession(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticateUser(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}

	value, err := parseBigInt(req.Value, "value")
	if err != nil {
		s.writeError(w, err)
		return
	}
	validAfter, err := parseBigInt(req.ValidAfter, "validAfter")
	if err != nil {
		s.writeError(w, err)
		return
	}
	validBefore, err := parseBigInt(req.ValidBefore, "validBefore")
	if err != nil {
		s.writeError(w, err)
		return
	}
	nonce, err := parseBytes32(req.Nonce)
	if err != nil {
		s.writeError(w, err)
		return
	}
	chainID := req.ChainID
	if chainID == 0 {
		chainID = s.cfg.ChainID
	}

	// Each EIP-3009 nonce gets exactly one signature out of this service.
	fresh, err := s.paymentNonces.Register(r.Context(), "0x"+hex.EncodeToString(nonce[:]))
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "payment nonce check", err))
		return
	}
	if !fresh {
		s.writeError(w, apperr.Newf(apperr.KindConflict, "nonce has already been signed"))
		return
	}

	envelope, err := s.signer.SignTransfer(r.Context(), user.ID, mux.Vars(r)["sessionId"], signing.TransferRequest{
		From:         req.From,
		To:           req.To,
		Value:        value,
		ValidAfter:   validAfter,
		ValidBefore:  validBefore,
		Nonce:        nonce,
		ChainID:      big.NewInt(chainID),
		TokenAddress: req.TokenAddress,
	})
	if err != nil {
		signingOperations.WithLabelValues("error").Inc()
		s.writeError(w, err)
		return
	}
	signingOperations.WithLabelValues("ok").Inc()

	body := map[string]any{"signature": "0x" + hex.EncodeToString(envelope)}
	if domain, ok := s.cfg.Tokens.Lookup(chainID, req.TokenAddress); ok {
		body["tokenDomain"] = map[string]string{"name": domain.Name, "version": domain.Version}
	}
	writeJSON(w, http.StatusOK, body)
}

func parseBigInt(raw json.RawMessage, field string) (*big.Int, error) {
	if len(raw) == 0 {
		return nil, apperr.Newf(apperr.KindValidation, "%s is required", field)
	}
	text := strings.Trim(string(raw), `"`)
	n, ok := new(big.Int).SetString(text, 10)
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "%s must be a decimal integer", field)
	}
	return n, nil
}

func parseBytes32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(raw) != 32 {
		return out, apperr.Newf(apperr.KindValidation, "nonce must be 0x-prefixed 32-byte hex")
	}
	copy(out[:], raw)
	return out, nil
}

func lowercaseAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

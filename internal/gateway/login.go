package gateway

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/nonce"
)

// loginMessage is the text a wallet signs during login. It embeds the
// server-issued nonce so a captured signature cannot be presented twice.
func loginMessage(token string) string {
	return fmt.Sprintf("Sign in to AgentGate\nNonce: %s", token)
}

// handleLoginNonce issues a single-use login challenge.
func (s *Server) handleLoginNonce(w http.ResponseWriter, r *http.Request) {
	token, err := s.loginNonces.Generate(r.Context())
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "issue login nonce", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nonce":     token,
		"message":   loginMessage(token),
		"expiresIn": int(nonce.LoginTTL.Seconds()),
	})
}

type loginVerifyRequest struct {
	WalletAddress string `json:"walletAddress"`
	Nonce         string `json:"nonce"`
	Signature     string `json:"signature"`
}

// handleLoginVerify consumes the challenge, recovers the signer from the
// personal_sign signature, and mints the wallet session cookie.
func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req loginVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindValidation, "invalid request body", err))
		return
	}
	if req.WalletAddress == "" || req.Nonce == "" || req.Signature == "" {
		s.writeError(w, apperr.Newf(apperr.KindValidation, "walletAddress, nonce, and signature are required"))
		return
	}

	// Consume first. A signature over a spent or expired nonce is a replay
	// no matter how valid the recovery is.
	ok, err := s.loginNonces.Consume(r.Context(), req.Nonce)
	if err != nil {
		s.writeError(w, apperr.Wrap(apperr.KindInternal, "consume login nonce", err))
		return
	}
	if !ok {
		s.writeError(w, apperr.Newf(apperr.KindUnauthorized, "nonce is invalid, expired, or already used"))
		return
	}

	signer, err := recoverPersonalSigner(loginMessage(req.Nonce), req.Signature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !strings.EqualFold(signer, req.WalletAddress) {
		s.writeError(w, apperr.Newf(apperr.KindUnauthorized, "signature does not match walletAddress"))
		return
	}

	user, err := s.store.GetOrCreateUser(r.Context(), strings.ToLower(req.WalletAddress))
	if err != nil {
		s.writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     UserCookieName,
		Value:    SignUserCookie(s.cfg.SessionSecret, req.WalletAddress),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.Info("wallet login", "userId", user.ID, "wallet", user.WalletAddress)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

// recoverPersonalSigner recovers the address behind an eth_personalSign
// signature over msg.
func recoverPersonalSigner(msg, signature string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return "", apperr.Newf(apperr.KindValidation, "signature must be 0x-prefixed 65-byte hex")
	}
	// Wallets emit V as 27/28; secp256k1 recovery wants 0/1.
	cp := make([]byte, 65)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), cp)
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthorized, "signature recovery failed", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

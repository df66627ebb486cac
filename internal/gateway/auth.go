package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/store"
)

// UserCookieName carries the authenticated-wallet capability minted by
// the front-end after SIWE login. The backend only verifies it.
const UserCookieName = "agentgate_user"

// SignUserCookie produces the cookie value for a wallet address:
// lowercased address, a dot, and an HMAC-SHA256 tag over the address.
func SignUserCookie(secret, walletAddress string) string {
	addr := strings.ToLower(walletAddress)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(addr))
	return addr + "." + hex.EncodeToString(mac.Sum(nil))
}

func verifyUserCookie(secret, value string) (string, bool) {
	i := strings.LastIndexByte(value, '.')
	if i <= 0 {
		return "", false
	}
	addr, tag := value[:i], value[i+1:]
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(addr))
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(tag), []byte(want)) {
		return "", false
	}
	return addr, true
}

// authenticateUser resolves the caller to a user record. Two capabilities
// are accepted: the HMAC-signed wallet cookie, or the platform client's
// credentials acting on behalf of a wallet (server-to-server calls from
// the consent UI).
func (s *Server) authenticateUser(r *http.Request) (*store.User, error) {
	if c, err := r.Cookie(UserCookieName); err == nil {
		if addr, ok := verifyUserCookie(s.cfg.SessionSecret, c.Value); ok {
			return s.store.GetOrCreateUser(r.Context(), addr)
		}
		return nil, apperr.Newf(apperr.KindUnauthorized, "invalid session cookie")
	}

	clientID := r.Header.Get("X-Mcp-Client-Id")
	clientSecret := r.Header.Get("X-Mcp-Client-Secret")
	wallet := r.Header.Get("X-Wallet-Address")
	if clientID != "" || clientSecret != "" {
		if clientID != s.cfg.McpClientID ||
			!hmac.Equal([]byte(clientSecret), []byte(s.cfg.McpClientSecret)) {
			return nil, apperr.Newf(apperr.KindUnauthorized, "invalid platform client credentials")
		}
		if wallet == "" {
			return nil, apperr.Newf(apperr.KindUnauthorized, "missing X-Wallet-Address")
		}
		return s.store.GetOrCreateUser(r.Context(), strings.ToLower(wallet))
	}

	return nil, apperr.Newf(apperr.KindUnauthorized, "authentication required")
}

// Package signing produces session-key signatures. Every operation loads
// the session, checks scope admissibility, decrypts the key material, and
// asserts the decrypted key matches the registered session key address
// before anything is signed.
package signing

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/eip712"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/scopes"
	"github.com/agentgate/backend/internal/store"
)

// Service signs on behalf of delegated session keys.
type Service struct {
	store     store.Store
	serverKey *rsa.PrivateKey
	logger    *slog.Logger
}

func NewService(st store.Store, serverKey *rsa.PrivateKey, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, serverKey: serverKey, logger: logger}
}

// TransferRequest describes one EIP-3009 transfer to authorize.
type TransferRequest struct {
	From         string
	To           string
	Value        *big.Int
	ValidAfter   *big.Int
	ValidBefore  *big.Int
	Nonce        [32]byte
	ChainID      *big.Int
	TokenAddress string
}

// SignTransfer authorizes a token transfer and returns the packed
// 149-byte session signature.
func (s *Service) SignTransfer(ctx context.Context, userID, sessionID string, req TransferRequest) ([]byte, error) {
	session, err := s.store.GetSessionKey(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	if !s.isTokenApproved(session, req.TokenAddress) {
		return nil, apperr.New(apperr.KindContractNotApproved,
			fmt.Sprintf("contract %s is not approved for this session", req.TokenAddress)).
			WithDetails(map[string]any{
				"approvedContracts": s.approvedContracts(session),
				"availableScopes":   scopeIDs(session.Scopes),
			})
	}

	now := time.Now()
	if now.Before(session.ValidAfter) || now.After(session.ValidUntil) || !session.IsActive {
		return nil, apperr.Newf(apperr.KindForbidden, "session is not currently valid")
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(req.From, user.WalletAddress) {
		return nil, apperr.Newf(apperr.KindValidation,
			"from address must be the session owner wallet")
	}

	key, err := s.sessionPrivateKey(ctx, userID, sessionID, session.SessionKeyAddress)
	if err != nil {
		return nil, err
	}

	transfer := eip712.TransferWithAuthorization{
		From:        common.HexToAddress(req.From),
		To:          common.HexToAddress(req.To),
		Value:       req.Value,
		ValidAfter:  req.ValidAfter,
		ValidBefore: req.ValidBefore,
		Nonce:       req.Nonce,
	}
	structHash := transfer.StructHash()

	tokenAddr := common.HexToAddress(req.TokenAddress)
	var inner [32]byte
	copy(inner[:], structHash)
	outer := eip712.SessionSignatureStructHash(tokenAddr, inner)

	domain := eip712.AgentDelegatorDomain(common.HexToAddress(user.WalletAddress), req.ChainID)
	sig, err := eip712.SignTypedData(domain, outer, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "sign transfer", err)
	}

	sessionIDBytes, err := parseSessionID(session.SessionID)
	if err != nil {
		return nil, err
	}
	env := eip712.SessionEnvelope{
		SessionID:         sessionIDBytes,
		VerifyingContract: tokenAddr,
		StructHash:        inner,
	}
	copy(env.Signature[:], sig)

	s.logger.Info("signed transfer authorization",
		"sessionId", session.SessionID,
		"token", strings.ToLower(req.TokenAddress),
		"chainId", req.ChainID)
	return env.Pack(), nil
}

// SignExecution signs an ExecuteWithSession payload and returns the raw
// 65-byte ECDSA signature, not the envelope. Callers check execute-scope
// admissibility per target before requesting a signature; the engine does
// this for every resolved call in an on-chain step.
func (s *Service) SignExecution(ctx context.Context, userID, sessionID string, mode [32]byte, executionData []byte, chainID *big.Int) ([]byte, error) {
	session, err := s.store.GetSessionKey(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.Before(session.ValidAfter) || now.After(session.ValidUntil) || !session.IsActive {
		return nil, apperr.Newf(apperr.KindForbidden, "session is not currently valid")
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	key, err := s.sessionPrivateKey(ctx, userID, sessionID, session.SessionKeyAddress)
	if err != nil {
		return nil, err
	}

	sessionIDBytes, err := parseSessionID(session.SessionID)
	if err != nil {
		return nil, err
	}
	structHash := eip712.ExecuteWithSessionStructHash(sessionIDBytes, mode, executionData)
	domain := eip712.AgentDelegatorDomain(common.HexToAddress(user.WalletAddress), chainID)

	sig, err := eip712.SignTypedData(domain, structHash, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "sign execution", err)
	}
	return sig, nil
}

// sessionPrivateKey decrypts the stored key and asserts it derives the
// registered session key address.
func (s *Service) sessionPrivateKey(ctx context.Context, userID, sessionID, wantAddress string) (*ecdsa.PrivateKey, error) {
	enc, err := s.store.GetSessionKeySecret(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	plaintext, err := hybridcrypto.Decrypt(s.serverKey, enc)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "decrypt session key", err)
	}

	keyHex := strings.TrimPrefix(strings.TrimSpace(string(plaintext)), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parse session key", err)
	}
	derived := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(derived.Hex(), wantAddress) {
		return nil, apperr.Newf(apperr.KindSessionKeyMismatch,
			"decrypted key does not match registered session key address")
	}
	return key, nil
}

// isTokenApproved checks typed scopes first, then the legacy on-chain
// approved-contract list for sessions created before typed scopes.
func (s *Service) isTokenApproved(session *store.SessionKey, tokenAddress string) bool {
	if scopes.IsContractApproved(session.Scopes, tokenAddress) {
		return true
	}
	addr := strings.ToLower(tokenAddress)
	for _, ac := range session.OnChainParams.ApprovedContracts {
		if strings.ToLower(ac.Address) == addr {
			return true
		}
	}
	return false
}

func (s *Service) approvedContracts(session *store.SessionKey) []string {
	set := map[string]struct{}{}
	for _, addr := range scopes.ApprovedAddresses(session.Scopes) {
		set[addr] = struct{}{}
	}
	for _, ac := range session.OnChainParams.ApprovedContracts {
		set[strings.ToLower(ac.Address)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func scopeIDs(scopeSet []scopes.Scope) []string {
	out := make([]string, 0, len(scopeSet))
	for _, sc := range scopeSet {
		out = append(out, sc.ID)
	}
	return out
}

func parseSessionID(sessionID string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(sessionID, "0x"))
	if err != nil || len(raw) != 32 {
		return out, apperr.Newf(apperr.KindEncoding, "session id is not 32-byte hex")
	}
	copy(out[:], raw)
	return out, nil
}

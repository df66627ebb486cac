package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/backend/internal/apperr"
	"github.com/agentgate/backend/internal/eip712"
	"github.com/agentgate/backend/internal/hybridcrypto"
	"github.com/agentgate/backend/internal/scopes"
	"github.com/agentgate/backend/internal/store"
)

const usdce = "0xf951ec280000000000000000000000000005f77c"

type fixture struct {
	svc       *Service
	store     *store.Memory
	userID    string
	wallet    string
	sessionID string
	keyAddr   common.Address
}

// setup seeds a user and an active session whose encrypted private key is a
// real secp256k1 key sealed under a test RSA key.
func setup(t *testing.T, scopeSet []scopes.Scope) *fixture {
	t.Helper()
	ctx := context.Background()

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sessionKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyAddr := crypto.PubkeyToAddress(sessionKey.PublicKey)
	keyHex := "0x" + hex.EncodeToString(crypto.FromECDSA(sessionKey))

	enc, err := hybridcrypto.Encrypt(&serverKey.PublicKey, []byte(keyHex))
	require.NoError(t, err)

	m := store.NewMemory()
	user, err := m.GetOrCreateUser(ctx, "0xAAAA0000000000000000000000000000000000AA")
	require.NoError(t, err)

	sessionID := "0x" + strings.Repeat("12", 32)
	record, err := store.NewSessionKey(store.CreateSessionKeyInput{
		UserID:              user.ID,
		SessionID:           sessionID,
		SessionKeyAddress:   strings.ToLower(keyAddr.Hex()),
		EncryptedPrivateKey: enc,
		Scopes:              scopeSet,
		ValidAfter:          time.Now().Add(-time.Hour),
		ValidUntil:          time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, m.CreateSessionKey(ctx, record))

	return &fixture{
		svc:       NewService(m, serverKey, slog.Default()),
		store:     m,
		userID:    user.ID,
		wallet:    user.WalletAddress,
		sessionID: sessionID,
		keyAddr:   keyAddr,
	}
}

func paymentScopes() []scopes.Scope {
	return []scopes.Scope{{
		Kind: scopes.KindEIP712, ID: scopes.ScopePayments, Name: "Payments",
		ApprovedContracts: []scopes.ApprovedContract{{
			Address: usdce,
			Domain:  scopes.ContractDomain{Name: "USD Coin", Version: "2"},
		}},
	}}
}

func transferReq(f *fixture) TransferRequest {
	var nonce [32]byte
	copy(nonce[:], crypto.Keccak256([]byte("payment-nonce")))
	return TransferRequest{
		From:         f.wallet,
		To:           "0xbbbb0000000000000000000000000000000000bb",
		Value:        big.NewInt(1_000_000),
		ValidAfter:   big.NewInt(0),
		ValidBefore:  big.NewInt(time.Now().Add(time.Hour).Unix()),
		Nonce:        nonce,
		ChainID:      big.NewInt(25),
		TokenAddress: usdce,
	}
}

func TestSignTransfer_HappyPath(t *testing.T) {
	f := setup(t, paymentScopes())
	req := transferReq(f)

	sig, err := f.svc.SignTransfer(context.Background(), f.userID, f.sessionID, req)
	require.NoError(t, err)
	require.Len(t, sig, eip712.EnvelopeSize)

	env, err := eip712.ParseEnvelope(sig)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(usdce), env.VerifyingContract)
	assert.Equal(t, f.sessionID, "0x"+hex.EncodeToString(env.SessionID[:]))

	transfer := eip712.TransferWithAuthorization{
		From:        common.HexToAddress(req.From),
		To:          common.HexToAddress(req.To),
		Value:       req.Value,
		ValidAfter:  req.ValidAfter,
		ValidBefore: req.ValidBefore,
		Nonce:       req.Nonce,
	}
	assert.Equal(t, transfer.StructHash(), env.StructHash[:], "struct hash matches recomputation")

	// Signature recovers to the session key under the delegator domain.
	outer := eip712.SessionSignatureStructHash(env.VerifyingContract, env.StructHash)
	domain := eip712.AgentDelegatorDomain(common.HexToAddress(f.wallet), req.ChainID)
	signer, err := eip712.RecoverSigner(eip712.Digest(domain, outer), env.Signature[:])
	require.NoError(t, err)
	assert.Equal(t, f.keyAddr, signer)
}

func TestSignTransfer_ContractNotApproved(t *testing.T) {
	f := setup(t, paymentScopes())
	req := transferReq(f)
	req.TokenAddress = "0xdead00000000000000000000000000000000dead"

	_, err := f.svc.SignTransfer(context.Background(), f.userID, f.sessionID, req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindContractNotApproved, apperr.KindOf(err))

	appErr := apperr.Get(err)
	require.NotNil(t, appErr)
	assert.Equal(t, []string{usdce}, appErr.Details["approvedContracts"])
	assert.Equal(t, []string{scopes.ScopePayments}, appErr.Details["availableScopes"])
}

func TestIsTokenApproved_FallsBackToLegacyList(t *testing.T) {
	f := setup(t, paymentScopes())

	// Scopes do not mention the token, only the legacy on-chain list does.
	legacy := &store.SessionKey{
		Scopes: nil,
		OnChainParams: scopes.OnChainParams{
			ApprovedContracts: []scopes.ApprovedContractParam{{Address: usdce}},
		},
	}
	assert.True(t, f.svc.isTokenApproved(legacy, usdce))
	assert.True(t, f.svc.isTokenApproved(legacy, strings.ToUpper(usdce)), "case-insensitive")
	assert.False(t, f.svc.isTokenApproved(legacy, "0xdead00000000000000000000000000000000dead"))
}

func TestSignTransfer_FromMustBeOwnerWallet(t *testing.T) {
	f := setup(t, paymentScopes())
	req := transferReq(f)
	req.From = "0xcccc0000000000000000000000000000000000cc"

	_, err := f.svc.SignTransfer(context.Background(), f.userID, f.sessionID, req)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSignTransfer_RevokedSessionRejected(t *testing.T) {
	f := setup(t, paymentScopes())
	_, err := f.store.RevokeSessionKey(context.Background(), f.userID, f.sessionID)
	require.NoError(t, err)

	_, err = f.svc.SignTransfer(context.Background(), f.userID, f.sessionID, transferReq(f))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestSignTransfer_UnknownSession(t *testing.T) {
	f := setup(t, paymentScopes())
	_, err := f.svc.SignTransfer(context.Background(), f.userID,
		"0x"+strings.Repeat("34", 32), transferReq(f))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSignExecution_RawSignatureRecovers(t *testing.T) {
	f := setup(t, paymentScopes())
	ctx := context.Background()

	data := eip712.EncodeSingleExecution(eip712.Call{
		Target:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Value:    big.NewInt(0),
		Calldata: []byte{0x09, 0x5e, 0xa7, 0xb3},
	})
	chainID := big.NewInt(25)

	sig, err := f.svc.SignExecution(ctx, f.userID, f.sessionID, eip712.ModeSingleCall, data, chainID)
	require.NoError(t, err)
	require.Len(t, sig, 65, "raw ECDSA signature, not the envelope")

	var sessionID [32]byte
	raw, _ := hex.DecodeString(f.sessionID[2:])
	copy(sessionID[:], raw)
	structHash := eip712.ExecuteWithSessionStructHash(sessionID, eip712.ModeSingleCall, data)
	domain := eip712.AgentDelegatorDomain(common.HexToAddress(f.wallet), chainID)

	signer, err := eip712.RecoverSigner(eip712.Digest(domain, structHash), sig)
	require.NoError(t, err)
	assert.Equal(t, f.keyAddr, signer)
}

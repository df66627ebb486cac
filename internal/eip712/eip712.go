// Package eip712 computes EIP-712 struct hashes and signatures for the
// delegated-session signing flows: EIP-3009 transfer authorizations,
// SessionSignature envelopes, and ExecuteWithSession payloads.
package eip712

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain is an EIP-712 domain with the four standard fields.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// AgentDelegatorDomain is the domain every session signature is produced
// under. The verifying contract is the owner's smart wallet, so the wallet
// can reconstruct and verify the preimage on chain.
func AgentDelegatorDomain(walletAddress common.Address, chainID *big.Int) Domain {
	return Domain{
		Name:              "AgentDelegator",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: walletAddress,
	}
}

var (
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))

	transferWithAuthorizationTypeHash = crypto.Keccak256(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"))

	sessionSignatureTypeHash = crypto.Keccak256(
		[]byte("SessionSignature(address verifyingContract,bytes32 structHash)"))

	executeWithSessionTypeHash = crypto.Keccak256(
		[]byte("ExecuteWithSession(bytes32 sessionId,bytes32 mode,bytes executionData)"))
)

// Separator returns keccak256 of the abi-encoded domain fields.
func (d Domain) Separator() []byte {
	enc := make([]byte, 0, 5*32)
	enc = append(enc, domainTypeHash...)
	enc = append(enc, crypto.Keccak256([]byte(d.Name))...)
	enc = append(enc, crypto.Keccak256([]byte(d.Version))...)
	enc = append(enc, common.LeftPadBytes(d.ChainID.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(d.VerifyingContract.Bytes(), 32)...)
	return crypto.Keccak256(enc)
}

// Digest produces the final signing hash: keccak256(0x19 ‖ 0x01 ‖
// domainSeparator ‖ structHash).
func Digest(domain Domain, structHash []byte) []byte {
	msg := make([]byte, 0, 2+32+32)
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, domain.Separator()...)
	msg = append(msg, structHash...)
	return crypto.Keccak256(msg)
}

// TransferWithAuthorization mirrors the EIP-3009 struct for gas-free
// token transfers.
type TransferWithAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// StructHash computes keccak256(abi.encode(TYPEHASH, from, to, value,
// validAfter, validBefore, nonce)).
func (t TransferWithAuthorization) StructHash() []byte {
	enc := make([]byte, 0, 7*32)
	enc = append(enc, transferWithAuthorizationTypeHash...)
	enc = append(enc, common.LeftPadBytes(t.From.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(t.To.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(t.Value.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(t.ValidAfter.Bytes(), 32)...)
	enc = append(enc, common.LeftPadBytes(t.ValidBefore.Bytes(), 32)...)
	enc = append(enc, t.Nonce[:]...)
	return crypto.Keccak256(enc)
}

// SessionSignatureStructHash hashes the SessionSignature typed struct that
// binds an inner struct hash to the contract it will be verified against.
func SessionSignatureStructHash(verifyingContract common.Address, structHash [32]byte) []byte {
	enc := make([]byte, 0, 3*32)
	enc = append(enc, sessionSignatureTypeHash...)
	enc = append(enc, common.LeftPadBytes(verifyingContract.Bytes(), 32)...)
	enc = append(enc, structHash[:]...)
	return crypto.Keccak256(enc)
}

// ExecuteWithSessionStructHash hashes the ExecuteWithSession typed struct.
// executionData is dynamic bytes, so it enters the encoding as its keccak.
func ExecuteWithSessionStructHash(sessionID [32]byte, mode [32]byte, executionData []byte) []byte {
	enc := make([]byte, 0, 4*32)
	enc = append(enc, executeWithSessionTypeHash...)
	enc = append(enc, sessionID[:]...)
	enc = append(enc, mode[:]...)
	enc = append(enc, crypto.Keccak256(executionData)...)
	return crypto.Keccak256(enc)
}

// SignDigest signs a 32-byte digest and normalizes v to 27/28.
func SignDigest(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignTypedData signs Digest(domain, structHash) with the session key.
func SignTypedData(domain Domain, structHash []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return SignDigest(Digest(domain, structHash), key)
}

// RecoverSigner returns the address that produced sig over digest.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	cp := make([]byte, 65)
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, cp)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

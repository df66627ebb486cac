package eip712

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/backend/internal/apperr"
)

// EnvelopeSize is the exact length of a packed session signature:
// sessionId(32) ‖ verifyingContract(20) ‖ structHash(32) ‖ ecdsa(65).
const EnvelopeSize = 32 + 20 + 32 + 65

// SessionEnvelope is the unpacked form of the 149-byte session signature.
// The delegator contract reconstructs the EIP-712 preimage from these
// fields, so the layout is part of the on-chain interface.
type SessionEnvelope struct {
	SessionID         [32]byte
	VerifyingContract common.Address
	StructHash        [32]byte
	Signature         [65]byte
}

// Pack serializes the envelope into its canonical 149-byte layout.
func (e SessionEnvelope) Pack() []byte {
	out := make([]byte, 0, EnvelopeSize)
	out = append(out, e.SessionID[:]...)
	out = append(out, e.VerifyingContract.Bytes()...)
	out = append(out, e.StructHash[:]...)
	out = append(out, e.Signature[:]...)
	return out
}

// ParseEnvelope is the exact inverse of Pack.
func ParseEnvelope(data []byte) (SessionEnvelope, error) {
	if len(data) != EnvelopeSize {
		return SessionEnvelope{}, apperr.Newf(apperr.KindEncoding,
			"session signature must be %d bytes, got %d", EnvelopeSize, len(data))
	}
	var e SessionEnvelope
	copy(e.SessionID[:], data[0:32])
	e.VerifyingContract = common.BytesToAddress(data[32:52])
	copy(e.StructHash[:], data[52:84])
	copy(e.Signature[:], data[84:EnvelopeSize])
	return e, nil
}

package encryption

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SignatureSize is the length in bytes of an HMAC-SHA256 signature.
const SignatureSize = sha256.Size

// Signer computes HMAC-SHA256 signatures with a fixed signing key.
type Signer struct {
	signingKey []byte
}

// NewSigner creates a Signer for the given raw (already decoded) key.
func NewSigner(signingKey []byte) *Signer {
	key := make([]byte, len(signingKey))
	copy(key, signingKey)
	return &Signer{signingKey: key}
}

// SignPayload generates an HMAC-SHA256 signature for the given payload using the signing key.
func (s *Signer) SignPayload(payload []byte) []byte {
	h := hmac.New(sha256.New, s.signingKey)
	h.Write(payload)
	return h.Sum(nil)
}

// VerifyPayloadSignature checks whether signature is the HMAC-SHA256 of payload.
// The comparison runs in constant time.
func (s *Signer) VerifyPayloadSignature(payload, signature []byte) bool {
	if len(signature) != SignatureSize {
		return false
	}
	return hmac.Equal(signature, s.SignPayload(payload))
}

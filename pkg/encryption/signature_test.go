package encryption

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSigner_SignPayload_KnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	signer := NewSigner([]byte("Jefe"))

	sig := signer.SignPayload([]byte("what do ya want for nothing?"))

	assert.Equal(t, "W9zBRr9gdU5qBCQmCJV1x1oAPwidJzmDnexYuWTsOEM=", base64.StdEncoding.EncodeToString(sig))
	assert.Len(t, sig, SignatureSize)
}

func TestSigner_VerifyPayloadSignature(t *testing.T) {
	signer := NewSigner([]byte("secret"))
	payload := []byte("myhub.azure-devices.net%2Fdevices%2Fdev1\n1704070800")
	sig := signer.SignPayload(payload)

	assert.True(t, signer.VerifyPayloadSignature(payload, sig))
	assert.False(t, signer.VerifyPayloadSignature([]byte("tampered"), sig))
	assert.False(t, signer.VerifyPayloadSignature(payload, sig[:10]))
	assert.False(t, NewSigner([]byte("other")).VerifyPayloadSignature(payload, sig))
}

func TestNewSigner_CopiesKey(t *testing.T) {
	key := []byte("secret")
	signer := NewSigner(key)
	before := signer.SignPayload([]byte("x"))

	key[0] = 'X'

	assert.Equal(t, before, signer.SignPayload([]byte("x")))
}

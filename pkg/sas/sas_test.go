package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey      = "c2VjcmV0" // base64("secret")
	testResource = "myhub.azure-devices.net/devices/dev1"
)

var testNow = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func TestGenerateAt_GoldenDeviceToken(t *testing.T) {
	token, err := GenerateAt(testNow, "", testKey, testResource, time.Hour)

	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=myhub.azure-devices.net%2Fdevices%2Fdev1"+
			"&sig=lSA%2F9DKWoJl48Kat1Yw%2Fa2HmtLSgHYxeWwm%2FlY8Azys%3D&se=1704070800",
		token)
}

func TestGenerateAt_GoldenServiceToken(t *testing.T) {
	token, err := GenerateAt(testNow, "iothubowner", testKey, "myhub.azure-devices.net/messages/devicebound", time.Hour)

	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=myhub.azure-devices.net%2Fmessages%2Fdevicebound"+
			"&sig=tgVpeePAi70669s0uebNqCHHZoQkPc43nxxn1t7H2u8%3D&se=1704070800&skn=iothubowner",
		token)
}

func TestGenerateAt_EscapesKeyName(t *testing.T) {
	token, err := GenerateAt(testNow, "service owner", testKey, testResource, 0)

	require.NoError(t, err)
	assert.Equal(t,
		"SharedAccessSignature sr=myhub.azure-devices.net%2Fdevices%2Fdev1"+
			"&sig=l%2FS6pQtby0mfsjy5gUEkMxMBjz4ofWkuqyImmo9e2aI%3D&se=1704067200&skn=service+owner",
		token)
}

func TestGenerateAt_Deterministic(t *testing.T) {
	first, err := GenerateAt(testNow, "owner", testKey, testResource, 90*time.Minute)
	require.NoError(t, err)
	second, err := GenerateAt(testNow, "owner", testKey, testResource, 90*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestGenerateAt_ExpiryIsFlooredSeconds(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		ttl  time.Duration
		want int64
	}{
		{"whole seconds", testNow, time.Hour, 1704070800},
		{"fractional now", testNow.Add(999 * time.Millisecond), time.Second, 1704067201},
		{"fractional ttl", testNow, 1500 * time.Millisecond, 1704067201},
		{"zero ttl", testNow, 0, 1704067200},
		{"negative ttl", testNow, -90 * time.Second, 1704067110},
		{"negative fractional ttl", testNow, -500 * time.Millisecond, 1704067199},
		{"non-UTC clock", testNow.In(time.FixedZone("UTC+5", 5*3600)), time.Hour, 1704070800},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := NewToken(tt.now, "", testKey, testResource, tt.ttl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tok.Expiry)
		})
	}
}

func TestGenerateAt_SignatureMatchesCanonicalInput(t *testing.T) {
	token, err := GenerateAt(testNow, "owner", testKey, testResource, time.Hour)
	require.NoError(t, err)

	parsed, err := Parse(token)
	require.NoError(t, err)

	expiry := strconv.FormatInt(testNow.Unix()+3600, 10)
	assert.Equal(t, expiry, strconv.FormatInt(parsed.Expiry, 10))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(url.QueryEscape(testResource) + "\n" + expiry))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), parsed.Signature)
}

func TestGenerateAt_KeyNameOmission(t *testing.T) {
	withoutName, err := GenerateAt(testNow, "", testKey, testResource, time.Hour)
	require.NoError(t, err)
	assert.NotContains(t, withoutName, "skn=")

	withName, err := GenerateAt(testNow, "device", testKey, testResource, time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(withName, "&skn=device"))
}

func TestGenerateAt_InvalidKey(t *testing.T) {
	token, err := GenerateAt(testNow, "", "not base64!!", testResource, time.Hour)

	assert.ErrorIs(t, err, ErrInvalidKeyFormat)
	assert.Empty(t, token)
}

func TestGenerate_UsesWallClock(t *testing.T) {
	before := time.Now().Unix()
	token, err := Generate("", testKey, testResource, time.Hour)
	require.NoError(t, err)
	after := time.Now().Unix()

	parsed, err := Parse(token)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, parsed.Expiry, before+3600)
	assert.LessOrEqual(t, parsed.Expiry, after+3600)
}

func TestParse_RoundTrip(t *testing.T) {
	resource := "myhub.azure-devices.net/devices/dev 1+x"
	token, err := GenerateAt(testNow, "key/name", testKey, resource, time.Hour)
	require.NoError(t, err)

	parsed, err := Parse(token)
	require.NoError(t, err)

	assert.Equal(t, resource, parsed.SignedResource)
	assert.Equal(t, "key/name", parsed.KeyName)
	assert.Equal(t, testNow.Add(time.Hour), parsed.ExpiresAt())
	assert.Equal(t, token, parsed.String())
}

func TestParse_Malformed(t *testing.T) {
	tests := []string{
		"",
		"Bearer abc",
		"SharedAccessSignature sig=abc&se=1",
		"SharedAccessSignature sr=a&se=1",
		"SharedAccessSignature sr=a&sig=b",
		"SharedAccessSignature sr=a&sig=b&se=soon",
		"SharedAccessSignature sr=a&sig=b&se=%zz",
	}

	for _, tt := range tests {
		t.Run(tt, func(t *testing.T) {
			_, err := Parse(tt)
			assert.ErrorIs(t, err, ErrMalformedToken)
		})
	}
}

func TestVerify(t *testing.T) {
	token, err := GenerateAt(testNow, "", testKey, testResource, time.Hour)
	require.NoError(t, err)

	parsed, err := Verify(token, testKey, testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, testResource, parsed.SignedResource)

	_, err = Verify(token, base64.StdEncoding.EncodeToString([]byte("other")), testNow)
	assert.ErrorIs(t, err, ErrSignatureMismatch)

	_, err = Verify(token, testKey, testNow.Add(time.Hour))
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = Verify(token, "%%%", testNow)
	assert.ErrorIs(t, err, ErrInvalidKeyFormat)

	tampered := strings.Replace(token, "dev1", "dev2", 1)
	_, err = Verify(tampered, testKey, testNow)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerify_ZeroTTLIsExpired(t *testing.T) {
	token, err := GenerateAt(testNow, "", testKey, testResource, 0)
	require.NoError(t, err)

	_, err = Verify(token, testKey, testNow)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

// Package sas builds and checks Shared Access Signature tokens.
//
// A token has the form
//
//	SharedAccessSignature sr=<resource>&sig=<signature>&se=<expiry>[&skn=<key name>]
//
// where every value is query-escaped and the signature is the base64
// HMAC-SHA256 of "<escaped resource>\n<expiry>" under the base64-decoded key.
package sas

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benmeehan/iothub-amqp/pkg/encryption"
)

// Scheme is the prefix of every serialized token.
const Scheme = "SharedAccessSignature"

var (
	// ErrInvalidKeyFormat is returned when the shared key is not valid base64.
	ErrInvalidKeyFormat = errors.New("invalid key format: shared key must be base64")
	// ErrMalformedToken is returned by Parse for strings that are not SAS tokens.
	ErrMalformedToken = errors.New("malformed shared access signature")
	// ErrSignatureMismatch is returned by Verify when the signature does not match.
	ErrSignatureMismatch = errors.New("shared access signature mismatch")
	// ErrTokenExpired is returned by Verify for tokens past their expiry.
	ErrTokenExpired = errors.New("shared access signature expired")
)

// Token is the decoded form of a SAS token.
type Token struct {
	SignedResource string // resource URI, unescaped
	Signature      string // base64 signature, unescaped
	Expiry         int64  // seconds since the Unix epoch
	KeyName        string // empty when the token carries no skn
}

// ExpiresAt returns the expiry as a UTC time.
func (t *Token) ExpiresAt() time.Time {
	return time.Unix(t.Expiry, 0).UTC()
}

// StringToSign returns the canonical input the signature is computed over.
func (t *Token) StringToSign() string {
	return url.QueryEscape(t.SignedResource) + "\n" + strconv.FormatInt(t.Expiry, 10)
}

// String serializes the token.
func (t *Token) String() string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteString(" sr=")
	b.WriteString(url.QueryEscape(t.SignedResource))
	b.WriteString("&sig=")
	b.WriteString(url.QueryEscape(t.Signature))
	b.WriteString("&se=")
	b.WriteString(url.QueryEscape(strconv.FormatInt(t.Expiry, 10)))
	// Empty and unset key names are both treated as absent; "skn=" is never emitted.
	if t.KeyName != "" {
		b.WriteString("&skn=")
		b.WriteString(url.QueryEscape(t.KeyName))
	}
	return b.String()
}

// Generate returns a serialized token for resourceURI valid for ttl from now.
// An empty keyName omits the skn field.
func Generate(keyName, sharedKey, resourceURI string, ttl time.Duration) (string, error) {
	return GenerateAt(time.Now(), keyName, sharedKey, resourceURI, ttl)
}

// GenerateAt is Generate with an explicit clock reading.
// A zero or negative ttl yields a token that is already expired.
func GenerateAt(now time.Time, keyName, sharedKey, resourceURI string, ttl time.Duration) (string, error) {
	token, err := NewToken(now, keyName, sharedKey, resourceURI, ttl)
	if err != nil {
		return "", err
	}
	return token.String(), nil
}

// NewToken computes a signed Token.
func NewToken(now time.Time, keyName, sharedKey, resourceURI string, ttl time.Duration) (*Token, error) {
	key, err := decodeKey(sharedKey)
	if err != nil {
		return nil, err
	}

	token := &Token{
		SignedResource: resourceURI,
		Expiry:         expiryAt(now, ttl),
		KeyName:        keyName,
	}
	sig := encryption.NewSigner(key).SignPayload([]byte(token.StringToSign()))
	token.Signature = base64.StdEncoding.EncodeToString(sig)
	return token, nil
}

// Parse decodes a serialized token. It does not check the signature.
func Parse(s string) (*Token, error) {
	rest, ok := strings.CutPrefix(s, Scheme+" ")
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedToken, Scheme)
	}

	values, err := url.ParseQuery(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	for _, field := range []string{"sr", "sig", "se"} {
		if values.Get(field) == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedToken, field)
		}
	}

	expiry, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid se: %v", ErrMalformedToken, err)
	}

	return &Token{
		SignedResource: values.Get("sr"),
		Signature:      values.Get("sig"),
		Expiry:         expiry,
		KeyName:        values.Get("skn"),
	}, nil
}

// Verify parses s and checks its signature against sharedKey and its expiry
// against now. The parsed token is returned even when verification fails.
func Verify(s, sharedKey string, now time.Time) (*Token, error) {
	token, err := Parse(s)
	if err != nil {
		return nil, err
	}

	key, err := decodeKey(sharedKey)
	if err != nil {
		return token, err
	}

	sig, err := base64.StdEncoding.DecodeString(token.Signature)
	if err != nil {
		return token, fmt.Errorf("%w: signature is not base64", ErrMalformedToken)
	}

	if !encryption.NewSigner(key).VerifyPayloadSignature([]byte(token.StringToSign()), sig) {
		return token, ErrSignatureMismatch
	}

	if now.Unix() >= token.Expiry {
		return token, ErrTokenExpired
	}
	return token, nil
}

func decodeKey(sharedKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return key, nil
}

// expiryAt is floor(now + ttl) in whole seconds since the Unix epoch.
func expiryAt(now time.Time, ttl time.Duration) int64 {
	nanos := now.UnixNano() + int64(ttl)
	seconds := nanos / int64(time.Second)
	if nanos%int64(time.Second) < 0 {
		seconds--
	}
	return seconds
}

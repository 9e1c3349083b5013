package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCBSRejectedError_Error(t *testing.T) {
	assert.Equal(t, "cbs: token rejected with status 401: Unauthorized",
		(&CBSRejectedError{StatusCode: 401, Description: "Unauthorized"}).Error())
	assert.Equal(t, "cbs: token rejected with status 404",
		(&CBSRejectedError{StatusCode: 404}).Error())
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("authorize devicebound: %w", &CBSRejectedError{StatusCode: 401})

	code, ok := StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, int32(401), code)

	_, ok = StatusCode(ErrCBSNoResponse)
	assert.False(t, ok)
}

func TestTransportError(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("authorize: %w", NewTransportError("receive cbs response", cause))

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "authorize: receive cbs response: connection reset")
}

func TestIsAuthorizationFailure(t *testing.T) {
	assert.True(t, IsAuthorizationFailure(&CBSRejectedError{StatusCode: 401}))
	assert.True(t, IsAuthorizationFailure(fmt.Errorf("x: %w", ErrCBSNoResponse)))
	assert.True(t, IsAuthorizationFailure(NewTransportError("send", errors.New("eof"))))
	assert.False(t, IsAuthorizationFailure(ErrInvalidKeyFormat))
	assert.False(t, IsAuthorizationFailure(context.Canceled))
	assert.False(t, IsAuthorizationFailure(nil))
}

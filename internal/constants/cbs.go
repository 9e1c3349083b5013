package constants

import "time"

// Claims-based security management entity and link names.
const (
	CBSEntityPath = "$cbs"
	CBSSenderName = "cbs-sender"
	CBSReplyTo    = "cbs-reply-to"
)

// put-token request application properties.
const (
	CBSPropertyOperation = "operation"
	CBSPropertyType      = "type"
	CBSPropertyName      = "name"

	CBSOperationPutToken = "put-token"
	CBSTokenTypeSAS      = "azure-devices.net:sastoken"
)

// put-token response application properties.
const (
	CBSPropertyStatusCode        = "status-code"
	CBSPropertyStatusDescription = "status-description"
)

// CBS status codes treated as a granted token.
const (
	StatusOK       = 200
	StatusAccepted = 202
)

const (
	// DefaultCBSResponseTimeout bounds the wait for a put-token response.
	DefaultCBSResponseTimeout = 30 * time.Second

	// DefaultTokenTTL is the lifetime of generated SAS tokens.
	DefaultTokenTTL = time.Hour

	// DefaultRefreshMargin is how long before expiry a grant is renewed.
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultCloseTimeout bounds link and session detach on cleanup paths.
	DefaultCloseTimeout = 10 * time.Second
)

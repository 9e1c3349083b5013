package memory

import (
	"errors"
	"strings"
	"time"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

// StatusResponse builds a put-token response for req carrying the given
// status code and description.
func StatusResponse(req *amqp.Message, code int32, description string) *amqp.Message {
	resp := &amqp.Message{
		ApplicationProperties: map[string]any{
			constants.CBSPropertyStatusCode:        code,
			constants.CBSPropertyStatusDescription: description,
		},
	}
	if req != nil && req.Properties != nil {
		resp.Properties = &amqp.MessageProperties{CorrelationID: req.Properties.MessageID}
	}
	return resp
}

// AcceptAll grants every put-token request with 202 Accepted.
func AcceptAll(req *amqp.Message) *amqp.Message {
	return StatusResponse(req, constants.StatusAccepted, "Accepted")
}

// FixedStatus answers every put-token request with the same status.
func FixedStatus(code int32, description string) CBSHandler {
	return func(req *amqp.Message) *amqp.Message {
		return StatusResponse(req, code, description)
	}
}

// SharedKeyCBSHandler validates put-token requests the way IoT Hub does for
// a single shared key: the token must parse, carry a valid signature, be
// unexpired at now(), and its signed resource must cover the audience.
func SharedKeyCBSHandler(sharedKey string, now func() time.Time) CBSHandler {
	return func(req *amqp.Message) *amqp.Message {
		props := req.ApplicationProperties
		if props[constants.CBSPropertyOperation] != constants.CBSOperationPutToken ||
			props[constants.CBSPropertyType] != constants.CBSTokenTypeSAS {
			return StatusResponse(req, 400, "Bad Request")
		}

		raw, ok := req.Value.(string)
		if !ok {
			return StatusResponse(req, 400, "Bad Request")
		}

		token, err := sas.Verify(raw, sharedKey, now())
		switch {
		case errors.Is(err, sas.ErrMalformedToken):
			return StatusResponse(req, 400, "Bad Request")
		case err != nil:
			return StatusResponse(req, 401, "Unauthorized")
		}

		audience, _ := props[constants.CBSPropertyName].(string)
		if !coversAudience(token.SignedResource, audience) {
			return StatusResponse(req, 401, "Unauthorized")
		}
		return StatusResponse(req, constants.StatusOK, "OK")
	}
}

func coversAudience(resource, audience string) bool {
	resource = strings.ToLower(strings.TrimSuffix(resource, "/"))
	audience = strings.ToLower(strings.TrimSuffix(audience, "/"))
	return audience == resource || strings.HasPrefix(audience, resource+"/")
}

package messaging

import (
	"fmt"
	"maps"

	"github.com/google/uuid"

	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

// Message is the application message moved by senders and receivers.
type Message = models.Message

// Delivery is a received message awaiting settlement.
type Delivery struct {
	Message
	raw *amqp.Message
}

func toAMQP(msg Message) *amqp.Message {
	out := amqp.NewMessage(msg.Body)

	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	out.Properties = &amqp.MessageProperties{MessageID: id}
	if msg.To != "" {
		to := msg.To
		out.Properties.To = &to
	}
	if msg.CorrelationID != "" {
		out.Properties.CorrelationID = msg.CorrelationID
	}
	if len(msg.ApplicationProperties) > 0 {
		out.ApplicationProperties = maps.Clone(msg.ApplicationProperties)
	}
	return out
}

func fromAMQP(raw *amqp.Message) Message {
	msg := Message{
		Body:                  body(raw),
		ApplicationProperties: raw.ApplicationProperties,
	}
	if p := raw.Properties; p != nil {
		msg.MessageID = idString(p.MessageID)
		msg.CorrelationID = idString(p.CorrelationID)
		if p.To != nil {
			msg.To = *p.To
		}
	}
	return msg
}

func body(raw *amqp.Message) []byte {
	if data := raw.GetData(); data != nil {
		return data
	}
	switch v := raw.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

func idString(id any) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

package models

// Message is an application message exchanged over a messaging link.
type Message struct {
	MessageID             string
	To                    string
	CorrelationID         string
	Body                  []byte
	ApplicationProperties map[string]any
}

package constants

const (
	// CommandStatusHandled marks a command whose handler and relay succeeded
	// but whose delivery is not yet settled.
	CommandStatusHandled = "handled"
	// CommandStatusSettled marks a command the broker has accepted.
	CommandStatusSettled = "settled"
	// CommandStatusRejected marks a command that was rejected.
	CommandStatusRejected = "rejected"
)

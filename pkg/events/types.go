package events

const (
	EVENT_RELAY_ADMITTED = "Relay.Admitted"
	EVENT_RELAY_RESOLVED = "Relay.Resolved"
)

package events

import "github.com/google/uuid"

func NewID() string { return uuid.NewString() }

// Subject prepends the deployment prefix to a topic.
func Subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "pivideo").

const (
	DomainDevice = "device"
	DomainGroup  = "group"
	DomainFleet  = "fleet"
)

const (
	DeviceDiscovered   = DomainDevice + ".discovered"
	DeviceStateUpdated = DomainDevice + ".state_updated"

	GroupCommandCompleted = DomainGroup + ".command_completed"

	FleetSwitchCompleted = DomainFleet + ".switch_completed"
)

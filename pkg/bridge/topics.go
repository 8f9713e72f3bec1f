package bridge

import "github.com/docbliny/bt2mqtt/pkg/utils/macaddr"

// TopicPrefix roots every state and command topic the bridge owns.
const TopicPrefix = "bt2mqtt"

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Cover command payloads.
const (
	CommandOpen  = "OPEN"
	CommandClose = "CLOSE"
)

// Cover states.
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Cover state thresholds: at or below closedLow and at or above
// closedHigh the cover reads closed.
const (
	closedLow  = 10
	closedHigh = 190
)

// Topics derives the topic set for one device.
type Topics struct {
	base string
}

// NewTopics builds the topic set for a MAC address.
func NewTopics(mac string) Topics {
	return Topics{base: TopicPrefix + "/cover/" + macaddr.Sanitize(mac)}
}

// Availability is the retained online/offline topic.
func (t Topics) Availability() string { return t.base + "/availability" }

// State carries the synthetic open/closed cover state.
func (t Topics) State() string { return t.base + "/state" }

// TiltState carries the rounded angle as a JSON number.
func (t Topics) TiltState() string { return t.base + "/tilt/state" }

// MetricState carries one diagnostic metric as a JSON object.
func (t Topics) MetricState(metric string) string { return t.base + "/" + metric + "/state" }

// Set is the inbound OPEN/CLOSE command topic.
func (t Topics) Set() string { return t.base + "/set" }

// TiltSet is the inbound tilt command topic.
func (t Topics) TiltSet() string { return t.base + "/tilt/set" }

// CoverState maps an angle to the synthetic open/closed state.
func CoverState(angle int) string {
	if angle <= closedLow || angle >= closedHigh {
		return StateClosed
	}
	return StateOpen
}

// SnapAngle rounds the published tilt value: angles in the closed bands
// snap to the rail.
func SnapAngle(angle int) int {
	switch {
	case angle <= closedLow:
		return 0
	case angle >= closedHigh:
		return 200
	default:
		return angle
	}
}

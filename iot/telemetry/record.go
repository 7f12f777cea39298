package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// OwnerKey is the device or user identifier that scopes access to a stream of readings
type OwnerKey string

// Wildcard is the owner key of the admin aggregate view. It matches every owner.
const Wildcard OwnerKey = "*"

// IsWildcard returns true for the aggregate owner key
func (k OwnerKey) IsWildcard() bool {
	return k == Wildcard
}

// QoS is the delivery-assurance level of a published reading
type QoS uint8

// the supported delivery levels
const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
)

// ParseQoS converts a protocol level QoS. Only 0 and 1 are supported.
func ParseQoS(qos uint8) (QoS, error) {
	if qos > uint8(QoSAtLeastOnce) {
		return 0, fmt.Errorf("unsupported qos %d", qos)
	}
	return QoS(qos), nil
}

// Record is a stored reading. Records are immutable once stored, ID and CreatedAt are
// assigned by the reading store.
//
// Key is the idempotency key of the reading. Appending a record whose key is already
// stored returns the stored record instead of a second copy.
//
// Payload is always valid JSON. Payloads that could not be decoded are stored as a
// JSON string and marked Raw; payloads that violate the configured schema are marked
// Flagged.
type Record struct {
	ID        int64           `json:"id"`
	OwnerKey  OwnerKey        `json:"ownerKey"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	QoS       QoS             `json:"qos"`
	Raw       bool            `json:"raw,omitempty"`
	Flagged   bool            `json:"flagged,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Key       string          `json:"-"`
}

const devicesTopicPrefix = "devices"

// TopicInfo is a parsed device topic
type TopicInfo struct {
	DeviceID string
	Subtopic string
}

// ParseTopic parses a topic of the form devices/{device_id}/{subtopic}. The subtopic
// may contain further levels but must not be empty.
func ParseTopic(topic string) (TopicInfo, error) {
	parts := strings.SplitN(topic, "/", 3)
	if len(parts) != 3 || parts[0] != devicesTopicPrefix {
		return TopicInfo{}, fmt.Errorf("invalid topic '%s': expected devices/{device_id}/{subtopic}", topic)
	}
	if len(parts[1]) == 0 || strings.ContainsAny(parts[1], "+#") {
		return TopicInfo{}, fmt.Errorf("invalid topic '%s': bad device id", topic)
	}
	if len(parts[2]) == 0 || strings.ContainsAny(parts[2], "+#") {
		return TopicInfo{}, fmt.Errorf("invalid topic '%s': bad subtopic", topic)
	}
	return TopicInfo{DeviceID: parts[1], Subtopic: parts[2]}, nil
}

// DeviceTopic returns the topic a device publishes subtopic readings to
func DeviceTopic(deviceID, subtopic string) string {
	return devicesTopicPrefix + "/" + deviceID + "/" + subtopic
}

// DeviceTopicFilter returns the only subscription filter a device is allowed to use
func DeviceTopicFilter(deviceID string) string {
	return devicesTopicPrefix + "/" + deviceID + "/#"
}

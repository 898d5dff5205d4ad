package messaging

import "strings"

// Topics maps locker traffic onto the backend's topic layout.
//
//	mqtt:  <prefix>/<locker>/command, <prefix>/<locker>/status, <prefix>/<locker>/events
//	kafka: <prefix>.commands, <prefix>.status, <prefix>.events, keyed by locker
type Topics struct {
	Backend string
	Prefix  string
}

func (t Topics) kafka() bool { return t.Backend == "kafka" }

// Command returns where commands for lockerID are published.
func (t Topics) Command(lockerID string) (topic, key string) {
	if t.kafka() {
		return t.Prefix + ".commands", lockerID
	}
	return t.Prefix + "/" + lockerID + "/command", ""
}

// Events returns where committed transitions of lockerID are published.
func (t Topics) Events(lockerID string) (topic, key string) {
	if t.kafka() {
		return t.Prefix + ".events", lockerID
	}
	return t.Prefix + "/" + lockerID + "/events", ""
}

// StatusSubscription is the topic (or MQTT filter) carrying device statuses.
func (t Topics) StatusSubscription() string {
	if t.kafka() {
		return t.Prefix + ".status"
	}
	return t.Prefix + "/+/status"
}

// LockerFromStatus extracts the locker id from a status delivery.
func (t Topics) LockerFromStatus(topic, key string) (string, bool) {
	if t.kafka() {
		return key, key != ""
	}
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/status")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type StatusKind string

const (
	StatusOpened  StatusKind = "OPENED"
	StatusClosed  StatusKind = "CLOSED"
	StatusError   StatusKind = "ERROR"
	StatusOffline StatusKind = "OFFLINE"
	StatusBattery StatusKind = "BATTERY"
)

var ErrBadStatus = errors.New("unrecognized device status")

// Status is one message reported by a locker controller.
type Status struct {
	Kind       StatusKind
	CommandID  string
	Battery    int
	HasBattery bool
	Raw        string
}

// IsFault reports whether the device reported a failure.
func (s Status) IsFault() bool {
	return s.Kind == StatusError || s.Kind == StatusOffline
}

type jsonStatus struct {
	Status    string `json:"status"`
	CommandID string `json:"command_id"`
	Battery   *int   `json:"battery"`
	Reason    string `json:"reason"`
}

// ParseStatus accepts the firmware's plain text payloads (OPENED, CLOSED,
// ERROR, OFFLINE or a battery percentage) and the JSON form
// {"status":..,"command_id":..,"battery":..}.
func ParseStatus(payload []byte) (Status, error) {
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return Status{}, ErrBadStatus
	}
	if raw[0] == '{' {
		return parseJSONStatus(raw)
	}
	st := Status{Raw: raw}
	if pct, err := strconv.Atoi(raw); err == nil {
		if pct < 0 || pct > 100 {
			return Status{}, fmt.Errorf("%w: battery %d out of range", ErrBadStatus, pct)
		}
		st.Kind = StatusBattery
		st.Battery = pct
		st.HasBattery = true
		return st, nil
	}
	kind, ok := parseKind(raw)
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrBadStatus, raw)
	}
	st.Kind = kind
	return st, nil
}

func parseJSONStatus(raw string) (Status, error) {
	var js jsonStatus
	if err := json.Unmarshal([]byte(raw), &js); err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrBadStatus, err)
	}
	st := Status{CommandID: js.CommandID, Raw: raw}
	if js.Battery != nil {
		if *js.Battery < 0 || *js.Battery > 100 {
			return Status{}, fmt.Errorf("%w: battery %d out of range", ErrBadStatus, *js.Battery)
		}
		st.Battery = *js.Battery
		st.HasBattery = true
	}
	if js.Status == "" {
		if !st.HasBattery {
			return Status{}, fmt.Errorf("%w: empty status", ErrBadStatus)
		}
		st.Kind = StatusBattery
		return st, nil
	}
	kind, ok := parseKind(js.Status)
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrBadStatus, js.Status)
	}
	st.Kind = kind
	return st, nil
}

func parseKind(s string) (StatusKind, bool) {
	switch k := StatusKind(strings.ToUpper(s)); k {
	case StatusOpened, StatusClosed, StatusError, StatusOffline, StatusBattery:
		return k, true
	}
	return "", false
}

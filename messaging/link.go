package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"lockngo/command"
)

// Publisher is the outbound half of a Client.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// DeviceLink publishes lock/unlock commands to locker controllers. It
// implements command.Link.
type DeviceLink struct {
	pub    Publisher
	topics Topics
	format string
}

func NewDeviceLink(c *Client) *DeviceLink {
	return newDeviceLink(c, c.Topics(), c.CommandFormat())
}

func newDeviceLink(pub Publisher, topics Topics, format string) *DeviceLink {
	return &DeviceLink{pub: pub, topics: topics, format: format}
}

type commandMessage struct {
	Command   string `json:"command"`
	CommandID string `json:"command_id"`
	LockerID  string `json:"locker_id"`
}

func (l *DeviceLink) SendCommand(ctx context.Context, lockerID string, cmd command.Command) error {
	payload, err := l.encode(cmd)
	if err != nil {
		return err
	}
	topic, key := l.topics.Command(lockerID)
	if err := l.pub.Publish(ctx, topic, key, payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", cmd.Kind, lockerID, err)
	}
	return nil
}

// encode renders cmd the way the controller firmware expects: a bare OPEN or
// CLOSE, or a JSON object carrying the command id for echo in the status.
func (l *DeviceLink) encode(cmd command.Command) ([]byte, error) {
	if l.format != "json" {
		return []byte(cmd.Kind.Payload()), nil
	}
	return json.Marshal(commandMessage{
		Command:   cmd.Kind.Payload(),
		CommandID: cmd.ID,
		LockerID:  cmd.LockerID,
	})
}

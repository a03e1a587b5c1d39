// Package hub fans job events out to the websockets of a client session.
package hub

import (
	"encoding/json"
	"time"

	"github.com/example/template-detector/internal/events"
)

// replayTTL bounds how long a terminal event waits for a late subscriber.
const replayTTL = 10 * time.Minute

// Message is a pre-encoded event frame.
type Message struct {
	Data     []byte
	Terminal bool
	At       time.Time
}

// Encode marshals an event into a Message.
func Encode(evt events.Event) (Message, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return Message{}, err
	}
	return Message{Data: data, Terminal: evt.Terminal(), At: time.Now()}, nil
}

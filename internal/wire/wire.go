// Package wire defines the JSON messages exchanged between remote clients and
// the relay over a room websocket.
//
// A session starts with the client's hello{client, since}. The relay answers
// with every update after since followed by synced{seq}. From then on the
// client sends update{id, data} for local changes, the relay acknowledges each
// with ack{id, seq} and forwards it to the other room members as
// update{client, seq, data}. Awareness messages carry presence state and are
// never stored.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType defines the type of a wire message
type MessageType string

const (
	// TypeHello opens a session: the client id and the last relay sequence seen.
	TypeHello MessageType = "hello"

	// TypeUpdate carries one opaque document update.
	TypeUpdate MessageType = "update"

	// TypeAck confirms the relay stored the client's update id as seq.
	TypeAck MessageType = "ack"

	// TypeSynced marks the end of the replay that follows a hello.
	TypeSynced MessageType = "synced"

	// TypeAwareness carries presence state for one client.
	TypeAwareness MessageType = "awareness"

	// TypeError reports a protocol error before the relay closes the socket.
	TypeError MessageType = "error"
)

// ErrInvalidMessage is returned by Decode for malformed messages.
var ErrInvalidMessage = errors.New("invalid wire message")

// Message is a wire message. Which fields are set depends on Type.
type Message struct {
	Type      MessageType `json:"type"`
	Client    string      `json:"client,omitempty"`
	ID        uint64      `json:"id,omitempty"`
	Seq       uint64      `json:"seq,omitempty"`
	Since     uint64      `json:"since,omitempty"`
	Data      []byte      `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hello builds a hello message.
func Hello(client string, since uint64) Message {
	return Message{Type: TypeHello, Client: client, Since: since}
}

// Update builds a client-to-relay update message.
func Update(id uint64, data []byte) Message {
	return Message{Type: TypeUpdate, ID: id, Data: data}
}

// Ack builds an ack message.
func Ack(id, seq uint64) Message {
	return Message{Type: TypeAck, ID: id, Seq: seq}
}

// Synced builds a synced message.
func Synced(seq uint64) Message {
	return Message{Type: TypeSynced, Seq: seq}
}

// Awareness builds an awareness message.
func Awareness(client string, data []byte) Message {
	return Message{Type: TypeAwareness, Client: client, Data: data}
}

// Error builds an error message.
func Error(msg string) Message {
	return Message{Type: TypeError, Error: msg}
}

// Encode marshals m, stamping it with the current time if unset.
func Encode(m Message) ([]byte, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the fields required by m's type.
func (m Message) Validate() error {
	switch m.Type {
	case TypeHello:
		if m.Client == "" {
			return fmt.Errorf("%w: hello without client", ErrInvalidMessage)
		}
	case TypeUpdate:
		if len(m.Data) == 0 {
			return fmt.Errorf("%w: update without data", ErrInvalidMessage)
		}
	case TypeAck:
		if m.ID == 0 || m.Seq == 0 {
			return fmt.Errorf("%w: ack without id or seq", ErrInvalidMessage)
		}
	case TypeSynced, TypeAwareness, TypeError:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

package wire

import (
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(Update(7, []byte{0, 1, 2, 255}))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	m, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if m.Type != TypeUpdate || m.ID != 7 || string(m.Data) != "\x00\x01\x02\xff" {
		t.Errorf("Decode() = %+v", m)
	}
	if m.Timestamp.IsZero() {
		t.Error("Encode() did not stamp the message")
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown type", `{"type":"shout"}`},
		{"hello without client", `{"type":"hello"}`},
		{"empty update", `{"type":"update","id":1}`},
		{"ack without seq", `{"type":"ack","id":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data)); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("Decode(%s) error = %v, want ErrInvalidMessage", tt.data, err)
			}
		})
	}
}

func TestDecodeAcceptsProtocolMessages(t *testing.T) {
	for _, m := range []Message{
		Hello("c1", 0),
		Ack(1, 1),
		Synced(0),
		Awareness("c1", nil),
		Error("bad"),
	} {
		data, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode(%s) failed: %v", m.Type, err)
		}
		if _, err := Decode(data); err != nil {
			t.Errorf("Decode(%s) failed: %v", m.Type, err)
		}
	}
}

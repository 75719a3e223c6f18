package indigo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the single top-level key of an INDIGO JSON message.
type Kind string

const (
	// Client to server.
	GetProperties   Kind = "getProperties"
	NewNumberVector Kind = "newNumberVector"
	NewSwitchVector Kind = "newSwitchVector"
	NewTextVector   Kind = "newTextVector"

	// Server to client.
	DefNumberVector Kind = "defNumberVector"
	DefSwitchVector Kind = "defSwitchVector"
	DefTextVector   Kind = "defTextVector"
	SetNumberVector Kind = "setNumberVector"
	SetSwitchVector Kind = "setSwitchVector"
	SetTextVector   Kind = "setTextVector"
	DeleteProperty  Kind = "deleteProperty"
	ServerMessage   Kind = "message"
)

// ProtocolVersion is sent with getProperties to select the JSON dialect.
const ProtocolVersion = 512

// Property states reported by the server.
const (
	StateIdle  = "Idle"
	StateOk    = "Ok"
	StateBusy  = "Busy"
	StateAlert = "Alert"
)

// Item is one named element of a property vector. Value is a float64 for
// number vectors, a bool for switch vectors and a string for text vectors.
type Item struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value,omitempty"`
}

func Number(name string, value float64) Item {
	return Item{Name: name, Value: value}
}

func Switch(name string, on bool) Item {
	return Item{Name: name, Value: on}
}

func Text(name, value string) Item {
	return Item{Name: name, Value: value}
}

// Vector is the body of every message kind.
type Vector struct {
	Version int    `json:"version,omitempty"`
	Device  string `json:"device,omitempty"`
	Name    string `json:"name,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
	Items   []Item `json:"items,omitempty"`
}

// Number returns the numeric value of the named item.
func (v Vector) Number(name string) (float64, bool) {
	for _, item := range v.Items {
		if item.Name == name {
			f, ok := item.Value.(float64)
			return f, ok
		}
	}
	return 0, false
}

// Switch returns the state of the named switch item.
func (v Vector) Switch(name string) (bool, bool) {
	for _, item := range v.Items {
		if item.Name == name {
			b, ok := item.Value.(bool)
			return b, ok
		}
	}
	return false, false
}

// Text returns the value of the named text item.
func (v Vector) Text(name string) (string, bool) {
	for _, item := range v.Items {
		if item.Name == name {
			s, ok := item.Value.(string)
			return s, ok
		}
	}
	return "", false
}

// Message is one line on the wire.
type Message struct {
	Kind Kind
	Vector
}

// Key returns the dispatch key for kind and property.
func Key(kind Kind, property string) string {
	if property == "" {
		return string(kind)
	}
	return string(kind) + "/" + property
}

// Key returns the property-qualified dispatch key of m.
func (m Message) Key() string {
	return Key(m.Kind, m.Name)
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Kind == "" {
		return nil, errors.New("message without kind")
	}
	return json.Marshal(map[Kind]Vector{m.Kind: m.Vector})
}

var errNotSingleKey = errors.New("expected an object with exactly one key")

// Parse decodes one line of the wire format.
func Parse(line []byte) (Message, error) {
	var outer map[Kind]json.RawMessage
	if err := json.Unmarshal(line, &outer); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if len(outer) != 1 {
		return Message{}, errNotSingleKey
	}
	var msg Message
	for kind, body := range outer {
		msg.Kind = kind
		body = bytes.TrimSpace(body)
		if len(body) > 0 && body[0] == '"' {
			// Bare server notices: {"message": "text"}
			if err := json.Unmarshal(body, &msg.Message); err != nil {
				return Message{}, fmt.Errorf("decoding %s: %w", kind, err)
			}
			continue
		}
		if err := json.Unmarshal(body, &msg.Vector); err != nil {
			return Message{}, fmt.Errorf("decoding %s: %w", kind, err)
		}
	}
	return msg, nil
}

// NewNumber builds a newNumberVector request.
func NewNumber(device, property string, items ...Item) Message {
	return Message{Kind: NewNumberVector, Vector: Vector{Device: device, Name: property, Items: items}}
}

// NewSwitch builds a newSwitchVector request.
func NewSwitch(device, property string, items ...Item) Message {
	return Message{Kind: NewSwitchVector, Vector: Vector{Device: device, Name: property, Items: items}}
}

// NewText builds a newTextVector request.
func NewText(device, property string, items ...Item) Message {
	return Message{Kind: NewTextVector, Vector: Vector{Device: device, Name: property, Items: items}}
}

// Query builds a getProperties request. Empty device or property widen the query.
func Query(device, property string) Message {
	return Message{Kind: GetProperties, Vector: Vector{Version: ProtocolVersion, Device: device, Name: property}}
}

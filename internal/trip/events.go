package trip

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates inbound server events.
type EventType string

const (
	EventTripStarted    EventType = "tripStarted"
	EventLocationUpdate EventType = "locationUpdate"
	EventTripEnded      EventType = "tripEnded"
	EventTripCancelled  EventType = "tripCancelled"
)

// Event is the discriminated union of server-pushed trip events. Each
// variant carries a statically known payload shape.
type Event interface {
	EventType() EventType
}

// TripStarted marks the trip active. The snapshot is optional; servers that
// omit it rely on a later locationUpdate to carry positions.
type TripStarted struct {
	Snapshot *Trip `json:"snapshot,omitempty"`
}

// LocationUpdate carries the authoritative trip+passenger snapshot. It wins
// over locally-estimated positions for everyone but the device itself.
type LocationUpdate struct {
	Snapshot Trip `json:"snapshot"`
}

// TripEnded completes the trip for the named passenger (or the whole trip
// when PassengerEntryID is empty).
type TripEnded struct {
	DriverID         string `json:"driverId,omitempty"`
	PassengerEntryID string `json:"passengerEntryId,omitempty"`
	Snapshot         *Trip  `json:"snapshot,omitempty"`
}

type TripCancelled struct {
	PassengerEntryID string `json:"passengerEntryId,omitempty"`
	Snapshot         *Trip  `json:"snapshot,omitempty"`
}

func (TripStarted) EventType() EventType    { return EventTripStarted }
func (LocationUpdate) EventType() EventType { return EventLocationUpdate }
func (TripEnded) EventType() EventType      { return EventTripEnded }
func (TripCancelled) EventType() EventType  { return EventTripCancelled }

// Envelope is the wire form for both directions:
// { "type": ..., "payload": ... }.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeEvent parses one inbound frame into its typed variant. Unknown
// types and malformed payloads are errors; callers log and discard.
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch EventType(env.Type) {
	case EventTripStarted:
		var ev TripStarted
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventLocationUpdate:
		var ev LocationUpdate
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventTripEnded:
		var ev TripEnded
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventTripCancelled:
		var ev TripCancelled
		if err := unmarshalPayload(env.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// EncodeEvent builds the wire frame for an event (server side).
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(ev.EventType()), Payload: payload})
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// CommandType discriminates outbound trip commands.
type CommandType string

const (
	CommandStartTrip  CommandType = "startTrip"
	CommandEndTrip    CommandType = "endTrip"
	CommandCancelTrip CommandType = "cancelTrip"
)

type Command interface {
	CommandType() CommandType
}

type StartTrip struct{}

type EndTrip struct {
	DriverID         string `json:"driverId"`
	PassengerEntryID string `json:"passengerEntryId"`
}

type CancelTrip struct {
	PassengerEntryID string `json:"passengerEntryId"`
}

func (StartTrip) CommandType() CommandType  { return CommandStartTrip }
func (EndTrip) CommandType() CommandType    { return CommandEndTrip }
func (CancelTrip) CommandType() CommandType { return CommandCancelTrip }

// EncodeCommand builds the wire frame for an outbound command.
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(cmd.CommandType()), Payload: payload})
}

// DecodeCommand parses one client frame on the server side.
func DecodeCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	switch CommandType(env.Type) {
	case CommandStartTrip:
		return StartTrip{}, nil
	case CommandEndTrip:
		var c EndTrip
		if err := unmarshalPayload(env.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	case CommandCancelTrip:
		var c CancelTrip
		if err := unmarshalPayload(env.Payload, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
}

// Handshake is the first client frame on a fresh connection.
type Handshake struct {
	UserID string `json:"userId"`
	TripID string `json:"tripId"`
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crypto-market-streamer/internal/topic"
)

// ErrMalformedMessage means the payload was not parseable JSON or was
// missing required fields. Replied as an error message; the connection
// stays open.
var ErrMalformedMessage = errors.New("malformed message")

// UnknownTypeError reports a message type this gateway does not speak
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// ClientMessage is one parsed inbound message. The closed set of variants
// lets the dispatch switch be exhaustive: adding a message kind means adding
// a variant here and a case there.
type ClientMessage interface {
	messageType() string
}

// AuthMessage carries the bearer token for the handshake
type AuthMessage struct {
	Token string
}

// SubscribeMessage requests subscriptions to one or more topics
type SubscribeMessage struct {
	Topics  []string
	Options topic.SubOptions
}

// UnsubscribeMessage removes subscriptions
type UnsubscribeMessage struct {
	Topics []string
}

// AlertSpec is the client-supplied part of an alert rule. The owning user
// always comes from the authenticated connection, never from the payload.
type AlertSpec struct {
	Kind      string  `json:"kind"`
	Scope     string  `json:"scope"`
	Condition string  `json:"condition"`
	Threshold float64 `json:"threshold"`
	BasePrice float64 `json:"base_price,omitempty"`
}

// SetupAlertMessage creates a new alert rule or re-arms a triggered one
type SetupAlertMessage struct {
	Action  string // "create" (default) or "rearm"
	AlertID string
	Alert   AlertSpec
}

// PingMessage is the JSON-level heartbeat for clients that cannot send
// protocol ping frames
type PingMessage struct{}

func (AuthMessage) messageType() string        { return "auth" }
func (SubscribeMessage) messageType() string   { return "subscribe" }
func (UnsubscribeMessage) messageType() string { return "unsubscribe" }
func (SetupAlertMessage) messageType() string  { return "setup_alert" }
func (PingMessage) messageType() string        { return "ping" }

// wire shapes, decoded per type after the envelope identifies it
type envelope struct {
	Type string `json:"type"`
}

type authWire struct {
	Token string `json:"token"`
}

type optionsWire struct {
	Depth           int `json:"depth,omitempty"`
	IntervalSeconds int `json:"interval_seconds,omitempty"`
}

type subscribeWire struct {
	Topics  []string    `json:"topics"`
	Options optionsWire `json:"options"`
}

type unsubscribeWire struct {
	Topics []string `json:"topics"`
}

type setupAlertWire struct {
	Action  string    `json:"action,omitempty"`
	AlertID string    `json:"alert_id,omitempty"`
	Alert   AlertSpec `json:"alert"`
}

// ParseClientMessage decodes one inbound frame into its typed variant
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case "auth":
		var w authWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if w.Token == "" {
			return nil, fmt.Errorf("%w: auth requires a token", ErrMalformedMessage)
		}
		return AuthMessage{Token: w.Token}, nil

	case "subscribe":
		var w subscribeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if len(w.Topics) == 0 {
			return nil, fmt.Errorf("%w: subscribe requires at least one topic", ErrMalformedMessage)
		}
		return SubscribeMessage{
			Topics: w.Topics,
			Options: topic.SubOptions{
				Depth:    w.Options.Depth,
				Interval: time.Duration(w.Options.IntervalSeconds) * time.Second,
			},
		}, nil

	case "unsubscribe":
		var w unsubscribeWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if len(w.Topics) == 0 {
			return nil, fmt.Errorf("%w: unsubscribe requires at least one topic", ErrMalformedMessage)
		}
		return UnsubscribeMessage{Topics: w.Topics}, nil

	case "setup_alert":
		var w setupAlertWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		action := w.Action
		if action == "" {
			action = "create"
		}
		if action != "create" && action != "rearm" {
			return nil, fmt.Errorf("%w: unknown alert action %q", ErrMalformedMessage, w.Action)
		}
		if action == "rearm" && w.AlertID == "" {
			return nil, fmt.Errorf("%w: rearm requires alert_id", ErrMalformedMessage)
		}
		return SetupAlertMessage{Action: action, AlertID: w.AlertID, Alert: w.Alert}, nil

	case "ping":
		return PingMessage{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedMessage)

	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

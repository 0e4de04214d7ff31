// Package protocol defines the JSON frames exchanged over the telemetry
// WebSocket.
//
// Frames are flat JSON objects tagged by "type". Decoding is lenient:
// numeric fields that are missing or not numbers read as 0 and string
// fields that are not strings read as "". Only a frame that is not a JSON
// object is rejected.
package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Kind is the value of a frame's "type" tag.
type Kind string

const (
	KindBehaviorReport Kind = "BEHAVIOR_REPORT"
	KindSessionInit    Kind = "SESSION_INIT"
	KindRiskUpdate     Kind = "RISK_UPDATE"

	// KindUnknown marks a frame whose tag is absent or unrecognized.
	KindUnknown Kind = ""
)

var (
	// ErrMalformed is returned for frames that are not JSON objects.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrUnexpectedKind is returned when a frame decodes but carries a
	// different type than the caller asked for.
	ErrUnexpectedKind = errors.New("protocol: unexpected frame type")
)

// BehaviorReport is the upstream telemetry summary.
type BehaviorReport struct {
	TypingSpeed  float64 `json:"typingSpeed"`
	MouseJitter  float64 `json:"mouseJitter"`
	SessionToken string  `json:"sessionToken"`
}

// SessionInit announces a session token to the server.
type SessionInit struct {
	Token string `json:"token"`
}

// RiskUpdate is the downstream score for one report.
type RiskUpdate struct {
	RiskScore int    `json:"riskScore"`
	Reason    string `json:"reason"`
}

// Message is a decoded frame. Only the field matching Kind is meaningful.
type Message struct {
	Kind Kind
	// Tag is the raw "type" value, kept for logging unknown frames.
	Tag string

	Report BehaviorReport
	Init   SessionInit
	Update RiskUpdate
}

// frame mirrors every field any message kind may carry.
type frame struct {
	Type         lenientString `json:"type"`
	TypingSpeed  lenientFloat  `json:"typingSpeed"`
	MouseJitter  lenientFloat  `json:"mouseJitter"`
	SessionToken lenientString `json:"sessionToken"`
	Token        lenientString `json:"token"`
	RiskScore    lenientFloat  `json:"riskScore"`
	Reason       lenientString `json:"reason"`
}

// Decode parses a frame of any kind.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := Message{Tag: string(f.Type)}
	switch Kind(f.Type) {
	case KindBehaviorReport:
		msg.Kind = KindBehaviorReport
		msg.Report = BehaviorReport{
			TypingSpeed:  float64(f.TypingSpeed),
			MouseJitter:  float64(f.MouseJitter),
			SessionToken: string(f.SessionToken),
		}
	case KindSessionInit:
		msg.Kind = KindSessionInit
		msg.Init = SessionInit{Token: string(f.Token)}
	case KindRiskUpdate:
		msg.Kind = KindRiskUpdate
		msg.Update = RiskUpdate{
			RiskScore: int(f.RiskScore),
			Reason:    string(f.Reason),
		}
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

// DecodeRiskUpdate parses a downstream frame. Frames of any other type
// return ErrUnexpectedKind.
func DecodeRiskUpdate(data []byte) (RiskUpdate, error) {
	msg, err := Decode(data)
	if err != nil {
		return RiskUpdate{}, err
	}
	if msg.Kind != KindRiskUpdate {
		return RiskUpdate{}, fmt.Errorf("%w: %q", ErrUnexpectedKind, msg.Tag)
	}
	return msg.Update, nil
}

type reportFrame struct {
	Type         Kind    `json:"type"`
	TypingSpeed  float64 `json:"typingSpeed"`
	MouseJitter  float64 `json:"mouseJitter"`
	SessionToken string  `json:"sessionToken"`
}

type sessionInitFrame struct {
	Type  Kind   `json:"type"`
	Token string `json:"token"`
}

type riskUpdateFrame struct {
	Type      Kind   `json:"type"`
	RiskScore int    `json:"riskScore"`
	Reason    string `json:"reason"`
}

// EncodeReport renders a BEHAVIOR_REPORT frame.
func EncodeReport(r BehaviorReport) ([]byte, error) {
	return json.Marshal(reportFrame{
		Type:         KindBehaviorReport,
		TypingSpeed:  r.TypingSpeed,
		MouseJitter:  r.MouseJitter,
		SessionToken: r.SessionToken,
	})
}

// EncodeSessionInit renders a SESSION_INIT frame.
func EncodeSessionInit(token string) ([]byte, error) {
	return json.Marshal(sessionInitFrame{Type: KindSessionInit, Token: token})
}

// EncodeRiskUpdate renders a RISK_UPDATE frame.
func EncodeRiskUpdate(u RiskUpdate) ([]byte, error) {
	return json.Marshal(riskUpdateFrame{
		Type:      KindRiskUpdate,
		RiskScore: u.RiskScore,
		Reason:    u.Reason,
	})
}

// lenientFloat decodes any JSON value, keeping only real numbers.
type lenientFloat float64

func (l *lenientFloat) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		*l = 0
		return nil
	}
	*l = lenientFloat(f)
	return nil
}

// lenientString decodes any JSON value, keeping only strings.
type lenientString string

func (l *lenientString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*l = ""
		return nil
	}
	*l = lenientString(s)
	return nil
}

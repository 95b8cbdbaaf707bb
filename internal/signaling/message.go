package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MessageType identifies the kind of signaling message on the wire.
type MessageType string

const (
	TypeSdpOffer     MessageType = "sdp_offer"
	TypeSdpAnswer    MessageType = "sdp_answer"
	TypeIceCandidate MessageType = "ice_candidate"
)

// SDPType is the "type" member of a session description.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// Description is an opaque SDP blob in the browser RTCSessionDescription shape.
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is an opaque ICE candidate in the browser RTCIceCandidateInit
// shape. An empty Candidate line is a valid end-of-candidates marker.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is one of SdpOffer, SdpAnswer or IceCandidate.
type Message interface {
	Type() MessageType
	isMessage()
}

// SdpOffer carries the initiator's offer.
type SdpOffer struct{ Description Description }

// SdpAnswer carries the responder's answer.
type SdpAnswer struct{ Description Description }

// IceCandidate carries one trickled candidate. A nil Candidate signals the
// end of candidates.
type IceCandidate struct{ Candidate *Candidate }

func (SdpOffer) Type() MessageType     { return TypeSdpOffer }
func (SdpAnswer) Type() MessageType    { return TypeSdpAnswer }
func (IceCandidate) Type() MessageType { return TypeIceCandidate }

func (SdpOffer) isMessage()     {}
func (SdpAnswer) isMessage()    {}
func (IceCandidate) isMessage() {}

// envelope is the JSON structure exchanged over the signaling channel.
type envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

var jsonNull = json.RawMessage("null")

// Encode serializes a Message into its wire envelope.
func Encode(msg Message) ([]byte, error) {
	var payload interface{}
	switch m := msg.(type) {
	case SdpOffer:
		payload = m.Description
	case SdpAnswer:
		payload = m.Description
	case IceCandidate:
		if m.Candidate == nil {
			return json.Marshal(envelope{Type: TypeIceCandidate, Data: jsonNull})
		}
		payload = m.Candidate
	default:
		return nil, fmt.Errorf("encode: unsupported message %T", msg)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return json.Marshal(envelope{Type: msg.Type(), Data: data})
}

// Decode parses and validates a wire frame. Every failure is a
// ProtocolViolation.
//
// A frame that is itself a JSON string is unwrapped once before decoding;
// some channel clients push JSON.stringify'd payloads.
func Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) > 0 && frame[0] == '"' {
		var inner string
		if err := json.Unmarshal(frame, &inner); err != nil {
			return nil, protocolViolation("decode", "invalid string frame: %v", err)
		}
		frame = bytes.TrimSpace([]byte(inner))
	}

	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.DisallowUnknownFields()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, protocolViolation("decode", "invalid envelope: %v", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, protocolViolation("decode", "unexpected trailing data")
	}

	switch env.Type {
	case TypeSdpOffer:
		d, err := decodeDescription(env.Data, SDPTypeOffer)
		if err != nil {
			return nil, err
		}
		return SdpOffer{Description: d}, nil

	case TypeSdpAnswer:
		d, err := decodeDescription(env.Data, SDPTypeAnswer)
		if err != nil {
			return nil, err
		}
		return SdpAnswer{Description: d}, nil

	case TypeIceCandidate:
		c, err := decodeCandidate(env.Data)
		if err != nil {
			return nil, err
		}
		return IceCandidate{Candidate: c}, nil

	case "":
		return nil, protocolViolation("decode", "message missing type")

	default:
		return nil, protocolViolation("decode", "unsupported message type %q", env.Type)
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), jsonNull)
}

func decodeDescription(raw json.RawMessage, want SDPType) (Description, error) {
	if isNull(raw) {
		return Description{}, protocolViolation("decode", "%s message missing description", want)
	}

	var d Description
	if err := json.Unmarshal(raw, &d); err != nil {
		return Description{}, protocolViolation("decode", "invalid %s description: %v", want, err)
	}
	if d.Type != want {
		return Description{}, protocolViolation("decode", "%s message has description type %q", want, d.Type)
	}
	if d.SDP == "" {
		return Description{}, protocolViolation("decode", "%s description has empty sdp", want)
	}
	return d, nil
}

func decodeCandidate(raw json.RawMessage) (*Candidate, error) {
	if isNull(raw) {
		return nil, nil
	}

	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, protocolViolation("decode", "invalid candidate: %v", err)
	}
	return &c, nil
}

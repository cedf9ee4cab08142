package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-client envelope types. The relay inspects only the envelope;
// payloads (SDP blobs, ICE candidate descriptors) are relayed verbatim and
// never parsed.
const (
	messageTypeOffer        = "offer"
	messageTypeAnswer       = "answer"
	messageTypeICECandidate = "ice-candidate"
	messageTypeBroadcast    = "broadcast"
)

// signalMessage is the inbound wire envelope.
type signalMessage struct {
	Type    string          `json:"type"`
	Sender  string          `json:"sender"`
	Target  string          `json:"target,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func parseSignalMessage(data []byte) (signalMessage, error) {
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return signalMessage{}, err
	}
	if msg.Type == "" {
		return signalMessage{}, fmt.Errorf("missing type")
	}
	return msg, nil
}

// isDirected reports whether the type is addressed to a single peer and
// therefore requires a target.
func isDirected(messageType string) bool {
	switch messageType {
	case messageTypeOffer, messageTypeAnswer, messageTypeICECandidate:
		return true
	default:
		return false
	}
}

// Server-synthesized control messages.
const (
	controlTypeConnected  = "connected"
	controlTypePeerJoined = "peer-joined"
	controlTypePeerLeft   = "peer-left"
	controlTypeError      = "error"
)

const errorCodeTargetNotFound = "target-not-found"

type controlMessage struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

func connectedFrame(clientID string) []byte {
	return marshalControl(controlMessage{
		Type:     controlTypeConnected,
		ClientID: clientID,
	})
}

func peerJoinedFrame(peerID string, now time.Time) []byte {
	return marshalControl(controlMessage{
		Type:      controlTypePeerJoined,
		PeerID:    peerID,
		Timestamp: now.UnixMilli(),
	})
}

func peerLeftFrame(peerID string, now time.Time) []byte {
	return marshalControl(controlMessage{
		Type:      controlTypePeerLeft,
		PeerID:    peerID,
		Timestamp: now.UnixMilli(),
	})
}

func errorFrame(code, message string) []byte {
	return marshalControl(controlMessage{
		Type:    controlTypeError,
		Code:    code,
		Message: message,
	})
}

func marshalControl(msg controlMessage) []byte {
	// controlMessage contains only marshalable fields.
	b, _ := json.Marshal(msg)
	return b
}

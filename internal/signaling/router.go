package signaling

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/relay"
)

// Router validates inbound envelopes and delivers them to sessions in the
// sender's room. Routing decisions always use the identity bound to the
// connection at join time; the client-supplied sender field is checked
// against it and otherwise ignored, so a peer cannot impersonate another by
// forging the envelope.
type Router struct {
	registry *relay.Registry
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewRouter(registry *relay.Registry, m *metrics.Metrics, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Router{
		registry: registry,
		metrics:  m,
		log:      logger,
	}
}

// Route processes one raw inbound frame from sess. Invalid frames are
// dropped and counted, never answered, with one exception: a directed
// message to a peer that is not in the sender's room yields a
// target-not-found error control message so the sender does not stall on
// silence.
func (rt *Router) Route(sess *relay.Session, frame []byte) {
	msg, err := parseSignalMessage(frame)
	if err != nil {
		rt.drop(metrics.DropReasonMalformed, sess, "unparseable frame", "err", err)
		return
	}

	if msg.Sender == "" {
		rt.drop(metrics.DropReasonMissingSender, sess, "frame missing sender")
		return
	}
	if msg.Sender != sess.ID() {
		rt.drop(metrics.DropReasonSenderMismatch, sess, "sender does not match bound identity", "claimed_sender", msg.Sender)
		return
	}

	members := rt.registry.MembersOf(sess.RoomID())
	if !containsSession(members, sess.ID()) {
		// The sender raced its own disconnect; the frame has nowhere to go.
		rt.drop(metrics.DropReasonNoRoom, sess, "sender not in any room")
		return
	}

	switch {
	case isDirected(msg.Type):
		if msg.Target == "" {
			rt.drop(metrics.DropReasonMalformed, sess, "directed frame missing target", "type", msg.Type)
			return
		}
		target, ok := rt.registry.Lookup(sess.RoomID(), msg.Target)
		if !ok {
			rt.metrics.MessagesDropped.WithLabelValues(metrics.DropReasonUnknownTarget).Inc()
			rt.log.Debug("directed frame to unknown target",
				"session_id", sess.ID(),
				"room_id", sess.RoomID(),
				"target", msg.Target,
				"type", msg.Type,
			)
			_ = sess.Send(errorFrame(errorCodeTargetNotFound, "no such peer: "+msg.Target))
			return
		}
		// Failed sends are the target session's concern; it closes itself on
		// transport errors. No retries here.
		_ = target.Send(frame)
		rt.metrics.MessagesRouted.WithLabelValues(msg.Type).Inc()

	case msg.Type == messageTypeBroadcast:
		for _, member := range members {
			if member.ID() == sess.ID() {
				continue
			}
			_ = member.Send(frame)
		}
		rt.metrics.MessagesRouted.WithLabelValues(messageTypeBroadcast).Inc()

	default:
		rt.drop(metrics.DropReasonUnknownType, sess, "unrecognized message type", "type", msg.Type)
	}
}

func (rt *Router) drop(reason string, sess *relay.Session, why string, args ...any) {
	rt.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	logArgs := append([]any{"session_id", sess.ID(), "room_id", sess.RoomID()}, args...)
	rt.log.Debug(why, logArgs...)
}

func containsSession(members []*relay.Session, id string) bool {
	for _, m := range members {
		if m.ID() == id {
			return true
		}
	}
	return false
}

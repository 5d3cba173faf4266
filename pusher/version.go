package pusher

// ProtocolVersion is negotiated as the websocket subprotocol during the
// upgrade handshake. A server refuses clients that announce a different
// "dashpush-" protocol revision.
const ProtocolVersion = "dashpush-v1"

// BuildVersion is the version reported by the /version endpoint. It is
// intended to be overridden at link time.
var BuildVersion = "0.0.0-src"

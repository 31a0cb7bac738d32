package domain

// EndpointKind classifies how a candidate address was learned and how it
// may be used during traversal.
type EndpointKind string

const (
	// EndpointLocal is an address the client sees on its own interfaces.
	EndpointLocal EndpointKind = "local"
	// EndpointPublic is the source address observed by the facilitator
	// (NAT reflection). Best effort: symmetric NATs rewrite it per flow.
	EndpointPublic EndpointKind = "public"
	// EndpointRelay marks an address only reachable through the
	// facilitator, e.g. a WebSocket-bridged client. Never punched.
	EndpointRelay EndpointKind = "relay"
)

// Endpoint is an immutable (network, address, kind) tuple. Addr is in
// host:port form for udp endpoints and an opaque bridge id otherwise.
type Endpoint struct {
	Network string       `json:"network"` // "udp" or "ws"
	Addr    string       `json:"addr"`
	Kind    EndpointKind `json:"kind"`
}

func (e Endpoint) Punchable() bool {
	return e.Network == "udp" && e.Kind != EndpointRelay
}

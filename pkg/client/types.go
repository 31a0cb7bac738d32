package client

import (
	"github.com/vrnet/facilitator/internal/domain"
	"github.com/vrnet/facilitator/internal/protocol"
	"github.com/vrnet/facilitator/internal/transport"
)

// Aliases for everything the session API exchanges, so importers outside
// this module can name the types without reaching into internal packages.
type (
	Mode            = transport.Mode
	TransportConfig = transport.Config
	PacketConn      = transport.PacketConn

	SessionID    = domain.SessionID
	RoomID       = domain.RoomID
	RoomConfig   = domain.RoomConfig
	Visibility   = domain.Visibility
	Endpoint     = domain.Endpoint
	EndpointKind = domain.EndpointKind

	RoomJoined    = protocol.RoomJoined
	MemberInfo    = protocol.MemberInfo
	MatchCriteria = protocol.MatchCriteria
)

// Delivery modes for SendToPeer.
const (
	Unreliable        = transport.Unreliable
	ReliableUnordered = transport.ReliableUnordered
	ReliableOrdered   = transport.ReliableOrdered
)

const (
	VisibilityPublic    = domain.VisibilityPublic
	VisibilityPrivate   = domain.VisibilityPrivate
	VisibilityProtected = domain.VisibilityProtected
)

const (
	EndpointLocal  = domain.EndpointLocal
	EndpointPublic = domain.EndpointPublic
	EndpointRelay  = domain.EndpointRelay
)

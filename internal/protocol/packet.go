// Package protocol defines the packet format and framing for the relay tunnel.
//
// A packet on the wire is a CRLF-delimited ASCII header block, a blank line,
// and exactly DataLength payload bytes:
//
//	<version>\r\n<ACTION>\r\n<dataLength>[\r\n<key>: <value>]*\r\n\r\n<payload>
package protocol

import "errors"

// Version is the protocol version tag written on every outgoing packet.
const Version = 1

// Actions.
const (
	ActionHandshake            = "HANDSHAKE"
	ActionHello                = "HELLO"
	ActionPing                 = "PING"
	ActionPong                 = "PONG"
	ActionHeartbeat            = "HEARTBEAT"
	ActionHeartbeatAck         = "HEARTBEAT_ACK"
	ActionNewConnection        = "NEW_CONNECTION"
	ActionConnectionCreated    = "CONNECTION_CREATED"
	ActionConnectionCreatedAck = "CONNECTION_CREATED_ACK"
	ActionData                 = "DATA"
	ActionClose                = "CLOSE"
)

// Keys used in the additional section.
const (
	KeyID                = "id"
	KeyAuthorization     = "authorization"
	KeyHeartbeatInterval = "heartbeat_interval"
)

// Separator ends the header block.
const Separator = "\r\n\r\n"

// Framing limits. A header block that grows past MaxHeaderSize without a
// separator, or a declared payload above MaxPayloadSize, is a framing error.
const (
	MaxHeaderSize  = 64 * 1024
	MaxPayloadSize = 16 * 1024 * 1024
)

var (
	ErrMissingField    = errors.New("protocol: version and action are required")
	ErrMalformedHeader = errors.New("protocol: malformed header block")
	ErrHeaderTooLarge  = errors.New("protocol: header block exceeds limit")
	ErrPayloadTooLarge = errors.New("protocol: declared payload exceeds limit")
)

// Header is the decoded header block of a packet.
type Header struct {
	Version    float64
	Action     string
	DataLength int
	Additional map[string]string
}

// Get returns an additional field, or "" when absent.
func (h *Header) Get(key string) string {
	if h.Additional == nil {
		return ""
	}
	return h.Additional[key]
}

// Packet is one complete protocol message: header plus exactly
// Header.DataLength payload bytes.
type Packet struct {
	Header
	Payload []byte
}

// ID returns the circuit id carried by the packet, if any.
func (p *Packet) ID() string {
	return p.Get(KeyID)
}

package protocol

import "encoding/json"

const Version = "1.0"

// Inbound message types (client -> server).
const (
	TypeJoin       = "join"
	TypeMove       = "move"
	TypePlaceBlock = "placeBlock"
	TypeBreakBlock = "breakBlock"
	TypeLeave      = "leave"
)

// Outbound message types (server -> client).
const (
	TypeWorldSnapshot = "worldSnapshot"
	TypePlayerJoined  = "playerJoined"
	TypePlayerMoved   = "playerMoved"
	TypeBlockPlaced   = "blockPlaced"
	TypeBlockRemoved  = "blockRemoved"
	TypePlayerLeft    = "playerLeft"
	TypeError         = "error"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Ref             string `json:"ref,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Outbound is one delivery instruction produced by the engine: Msg is sent,
// in order, to every connection in To.
type Outbound struct {
	To  []string
	Msg any
}

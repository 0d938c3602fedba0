package protocol

// join (client -> server). X/Y are an optional spawn position in pixels.
type JoinMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
	Ref             string   `json:"ref,omitempty"`
	Username        string   `json:"username"`
	World           string   `json:"world"`
	X               *float64 `json:"x,omitempty"`
	Y               *float64 `json:"y,omitempty"`
}

// move (client -> server)
type MoveMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version,omitempty"`
	Ref             string  `json:"ref,omitempty"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
}

// placeBlock (client -> server). X/Y are pixel coordinates.
type PlaceBlockMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version,omitempty"`
	Ref             string  `json:"ref,omitempty"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	BlockType       string  `json:"blockType"`
}

// breakBlock (client -> server). X/Y are pixel coordinates.
type BreakBlockMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version,omitempty"`
	Ref             string  `json:"ref,omitempty"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
}

// leave (client -> server)
type LeaveMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Ref             string `json:"ref,omitempty"`
}

type BlockState struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	BlockType string `json:"blockType"`
}

type PlayerState struct {
	Username string  `json:"username"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// worldSnapshot (server -> joining client only)
type WorldSnapshotMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	World           string        `json:"world"`
	TileSize        int           `json:"tileSize"`
	Self            PlayerState   `json:"self"`
	Blocks          []BlockState  `json:"blocks"`
	Players         []PlayerState `json:"players"`
}

// playerJoined (server -> world minus sender)
type PlayerJoinedMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Username        string  `json:"username"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
}

// playerMoved (server -> world minus sender)
type PlayerMovedMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Username        string  `json:"username"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
}

// blockPlaced (server -> whole world, sender included). X/Y are tile coordinates.
type BlockPlacedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	BlockType       string `json:"blockType"`
	By              string `json:"by,omitempty"`
}

// blockRemoved (server -> whole world, sender included)
type BlockRemovedMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	X               int    `json:"x"`
	Y               int    `json:"y"`
	By              string `json:"by,omitempty"`
}

// playerLeft (server -> remaining world members)
type PlayerLeftMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Username        string `json:"username"`
}

// error (server -> originating connection only)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
	Ref             string `json:"ref,omitempty"`
}

func NewError(code, message, ref string) ErrorMsg {
	return ErrorMsg{
		Type:            TypeError,
		ProtocolVersion: Version,
		Code:            code,
		Message:         message,
		Ref:             ref,
	}
}

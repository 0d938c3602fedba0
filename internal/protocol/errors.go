package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Session lifecycle.
	ErrDuplicateUsername = "E_DUPLICATE_USERNAME"
	ErrNotJoined         = "E_NOT_JOINED"
	ErrAlreadyJoined     = "E_ALREADY_JOINED"

	// Intent layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrUnknownPlayer = "E_UNKNOWN_PLAYER"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:   {},
	ErrDuplicateUsername: {},
	ErrNotJoined:         {},
	ErrAlreadyJoined:     {},
	ErrBadRequest:        {},
	ErrUnknownPlayer:     {},
	ErrInternal:          {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package protocol

const (
	// Handshake.
	ErrAuthFailed   = "E_AUTH_FAILED"
	ErrAuthRequired = "E_AUTH_REQUIRED"

	// Frame validation.
	ErrBadFrame = "E_BAD_FRAME"

	// Session layer.
	ErrMapFull     = "E_MAP_FULL"
	ErrUnknownPeer = "E_UNKNOWN_PEER"
	ErrRateLimit   = "E_RATE_LIMIT"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrAuthFailed:   {},
	ErrAuthRequired: {},
	ErrBadFrame:     {},
	ErrMapFull:      {},
	ErrUnknownPeer:  {},
	ErrRateLimit:    {},
	ErrInternal:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

package protocol

// CloseReason records why the hub closed a connection.
type CloseReason int

const (
	ReasonNormal CloseReason = iota
	ReasonTimeout
	ReasonSlowConsumer
	ReasonShutdown
	ReasonInternal
)

// WebSocket close codes. 4000-4999 is the application range.
const (
	closeNormal       = 1000
	closeGoingAway    = 1001
	closeInternal     = 1011
	closeTimeout      = 4001
	closeSlowConsumer = 4002
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonTimeout:
		return "timeout"
	case ReasonSlowConsumer:
		return "slow_consumer"
	case ReasonShutdown:
		return "shutdown"
	case ReasonInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// DropsBacklog reports whether events still queued for the connection are
// discarded instead of flushed ahead of the close frame. A peer that is
// too slow or silent is not sent its backlog.
func (r CloseReason) DropsBacklog() bool {
	return r == ReasonSlowConsumer || r == ReasonTimeout
}

// CloseCode maps the reason onto the close frame status code.
func (r CloseReason) CloseCode() int {
	switch r {
	case ReasonTimeout:
		return closeTimeout
	case ReasonSlowConsumer:
		return closeSlowConsumer
	case ReasonShutdown:
		return closeGoingAway
	case ReasonInternal:
		return closeInternal
	default:
		return closeNormal
	}
}

// ReasonFromCloseCode is the inverse of CloseCode, used by clients.
func ReasonFromCloseCode(code int) CloseReason {
	switch code {
	case closeTimeout:
		return ReasonTimeout
	case closeSlowConsumer:
		return ReasonSlowConsumer
	case closeGoingAway:
		return ReasonShutdown
	case closeInternal:
		return ReasonInternal
	default:
		return ReasonNormal
	}
}

package protocol

import "time"

// NetworkDataHandler is the engine's outbound side of the transport.
type NetworkDataHandler interface {
	// OnNetworkData receives the raw bytes of an accepted version header or
	// negotiation response.
	OnNetworkData(data []byte)

	// CloseConnection asks the transport to close the connection.
	CloseConnection()
}

// TimeoutProvider schedules single-shot timers. When a requested timer
// expires the provider must call Engine.OnNetworkTimeout. A new request
// replaces any timer that has not fired yet.
type TimeoutProvider interface {
	OnTimeoutRequested(d time.Duration)
}

// NotificationsHandler receives protocol events.
type NotificationsHandler interface {
	// OnError is called once when the engine enters the Error state.
	OnError(err error)

	// OnEnd is called once when the peer closes the connection.
	OnEnd()

	// OnFrame is called for every completed message frame.
	OnFrame(f Frame)
}

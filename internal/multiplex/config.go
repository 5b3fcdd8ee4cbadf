package multiplex

import "time"

const (
	defaultMaxFrameSize           = 256 * 1024
	defaultInitialWindowSize      = 256 * 1024
	defaultMaxStreams             = 1024
	defaultAcceptBacklog          = 256
	defaultCommandBacklog         = 128
	defaultShutdownTimeout        = 10 * time.Second
	defaultConnectionWriteTimeout = 10 * time.Second
)

type DrainPolicy int

const (
	// DrainGraceful sends a FIN on every stream at shutdown and resets whatever is still open after
	// ShutdownTimeout
	DrainGraceful DrainPolicy = iota
	// DrainImmediate resets every stream at shutdown
	DrainImmediate
)

type SessionConfig struct {
	// MaxFrameSize caps the payload of a single Data frame in either direction
	MaxFrameSize uint32

	// InitialWindowSize is the credit each side of a stream starts with. Both ends of a session must agree on it.
	InitialWindowSize uint32

	// MaxStreams caps the number of streams that haven't reached Closed
	MaxStreams int

	// AcceptBacklog is how many remotely opened streams may wait for Accept() before further SYNs are refused
	AcceptBacklog int

	// CommandBacklog is the capacity of the control command queue
	CommandBacklog int

	DrainPolicy DrainPolicy

	// ShutdownTimeout bounds a graceful shutdown
	ShutdownTimeout time.Duration

	// KeepAliveInterval is how often a Ping is sent. A Ping still unanswered at the next tick kills the session.
	// Zero disables keepalive.
	KeepAliveInterval time.Duration

	// ConnectionWriteTimeout bounds how long a closing session waits for queued frames to be written
	ConnectionWriteTimeout time.Duration

	// Valve is used to limit transmission rates, and record usage
	Valve *Valve
}

func (c *SessionConfig) setDefaults() {
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = defaultInitialWindowSize
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = defaultMaxStreams
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = defaultAcceptBacklog
	}
	if c.CommandBacklog <= 0 {
		c.CommandBacklog = defaultCommandBacklog
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.ConnectionWriteTimeout <= 0 {
		c.ConnectionWriteTimeout = defaultConnectionWriteTimeout
	}
	if c.Valve == nil {
		c.Valve = MakeValve(0, 0)
	}
}

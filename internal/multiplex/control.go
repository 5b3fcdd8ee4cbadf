package multiplex

import "net"

// Control is a lightweight handle used to drive a Session from any goroutine. It is a value and may be copied
// freely. Every call waits for the session loop to process its command. Once the session is gone every call other
// than Close fails with ErrSessionShutdown.
type Control struct {
	cmdCh chan<- *command
	die   <-chan struct{}
}

func (c Control) do(kind commandKind, conn net.Conn) (commandResult, error) {
	select {
	case <-c.die:
		return commandResult{}, ErrSessionShutdown
	default:
	}
	reply := make(chan commandResult, 1)
	select {
	case c.cmdCh <- &command{kind: kind, conn: conn, reply: reply}:
	case <-c.die:
		return commandResult{}, ErrSessionShutdown
	}
	select {
	case r := <-reply:
		return r, r.err
	case <-c.die:
		// the loop may have answered just before it went away
		select {
		case r := <-reply:
			return r, r.err
		default:
			return commandResult{}, ErrSessionShutdown
		}
	}
}

// OpenStream opens a new stream to the remote. The stream is usable straight away: data written before the
// remote acknowledges it is queued under the initial window.
func (c Control) OpenStream() (*Stream, error) {
	r, err := c.do(cmdOpenStream, nil)
	if err != nil {
		return nil, err
	}
	return r.stream, nil
}

// AddStream turns an already established connection into a new stream of the session. Data is copied both ways
// until either side finishes, after which conn is closed. If an error is returned, conn is left untouched.
// The remote sees an ordinary stream opened with a SYN; AddStream just doesn't wait for its ACK.
func (c Control) AddStream(conn net.Conn) error {
	_, err := c.do(cmdAddStream, conn)
	return err
}

// CloseOldestStream evicts the longest-lived stream that is still open for writing. Its FIN is followed by a RST,
// so the stream is Closed and its slot is free by the time this returns.
func (c Control) CloseOldestStream() error {
	_, err := c.do(cmdCloseOldestStream, nil)
	return err
}

// GetStreamsNum returns the number of streams that haven't reached Closed
func (c Control) GetStreamsNum() (int, error) {
	r, err := c.do(cmdGetStreamsNum, nil)
	if err != nil {
		return 0, err
	}
	return r.num, nil
}

// Close shuts the session down and waits until it's done. Calling it on a closed session does nothing.
func (c Control) Close() {
	select {
	case <-c.die:
		return
	default:
	}
	_, _ = c.do(cmdShutdown, nil)
}

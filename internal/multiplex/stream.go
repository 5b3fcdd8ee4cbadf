package multiplex

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

type Priority int32

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "High"
	}
	return "Normal"
}

type requestKind int

const (
	reqData requestKind = iota
	reqWindowUpdate
	reqClose
	reqCloseWrite
	reqReset
)

// streamRequest carries a stream owner's intent to the session loop. Owners never touch the connection or the
// stream table themselves.
type streamRequest struct {
	kind    requestKind
	stream  *Stream
	payload []byte
	delta   uint32
}

// streamLink is all a stream knows about its session: where to send requests and when to give up on them
type streamLink struct {
	reqCh        chan<- *streamRequest
	dying        <-chan struct{}
	conn         net.Conn
	maxFrameSize uint32
	// the amount of consumed data that triggers a window update
	windowUpdateThreshold uint32
}

func (l *streamLink) request(r *streamRequest) error {
	// checked first so that a dying session is never handed a request, even if reqCh has room
	select {
	case <-l.dying:
		return ErrSessionShutdown
	default:
	}
	select {
	case l.reqCh <- r:
		return nil
	case <-l.dying:
		return ErrSessionShutdown
	}
}

// A Stream is one logical connection carried by a Session. It implements net.Conn
type Stream struct {
	id   uint32
	link *streamLink

	// admission order, used to find the oldest stream
	seq uint64

	// session loop only
	recvWindow uint32
	acked      bool

	stateM sync.Mutex
	state  StreamState

	recvBuf *streamBufferedPipe
	// consumed but not yet advertised back to the peer
	unacked uint32

	sendM      sync.Mutex
	sendCond   *sync.Cond
	sendWindow uint32
	sendErr    error
	wDeadline  time.Time
	// serialises Write calls so that their chunks are not interleaved
	writingM sync.Mutex

	closeM      sync.Mutex
	closed      bool
	writeClosed bool

	priority int32
}

func makeStream(id uint32, link *streamLink, initialWindow uint32) *Stream {
	stream := &Stream{
		id:         id,
		link:       link,
		recvWindow: initialWindow,
		sendWindow: initialWindow,
		recvBuf:    NewStreamBufferedPipe(),
	}
	stream.sendCond = sync.NewCond(&stream.sendM)
	return stream
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState {
	s.stateM.Lock()
	defer s.stateM.Unlock()
	return s.state
}

func (s *Stream) setState(state StreamState) {
	s.stateM.Lock()
	s.state = state
	s.stateM.Unlock()
}

// SetPriority decides which queue the stream's frames go to when several streams have data ready. Frames of a
// single stream are never reordered.
func (s *Stream) SetPriority(p Priority) {
	if p != PriorityHigh {
		p = PriorityNormal
	}
	atomic.StoreInt32(&s.priority, int32(p))
}

func (s *Stream) Priority() Priority { return Priority(atomic.LoadInt32(&s.priority)) }

// Read blocks until there is data, the peer half-closes (io.EOF) or the stream fails
func (s *Stream) Read(buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err = s.recvBuf.Read(buf)
	if n > 0 {
		s.consumed(uint32(n))
	}
	return n, err
}

// consumed gives the peer more credit once enough of what it sent has been read
func (s *Stream) consumed(n uint32) {
	pending := atomic.AddUint32(&s.unacked, n)
	if pending < s.link.windowUpdateThreshold {
		return
	}
	if !atomic.CompareAndSwapUint32(&s.unacked, pending, 0) {
		// a concurrent Read took care of it
		return
	}
	_ = s.link.request(&streamRequest{kind: reqWindowUpdate, stream: s, delta: pending})
}

// Write splits the data into frames no larger than the send window and the max frame size. It blocks while the
// send window is exhausted.
func (s *Stream) Write(in []byte) (n int, err error) {
	s.writingM.Lock()
	defer s.writingM.Unlock()
	for n < len(in) {
		var credit uint32
		credit, err = s.takeSendWindow(len(in) - n)
		if err != nil {
			return n, err
		}
		payload := make([]byte, credit)
		copy(payload, in[n:])
		err = s.link.request(&streamRequest{kind: reqData, stream: s, payload: payload})
		if err != nil {
			return n, err
		}
		n += int(credit)
	}
	return n, nil
}

func (s *Stream) takeSendWindow(want int) (uint32, error) {
	s.sendM.Lock()
	defer s.sendM.Unlock()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		if s.sendErr != nil {
			return 0, s.sendErr
		}
		if s.sendWindow > 0 {
			break
		}
		if !s.wDeadline.IsZero() {
			d := time.Until(s.wDeadline)
			if d <= 0 {
				return 0, ErrTimeout
			}
			// one timer per wait, re-armed in case the deadline moved
			if timer == nil {
				timer = time.AfterFunc(d, s.sendCond.Broadcast)
			} else {
				timer.Reset(d)
			}
		}
		s.sendCond.Wait()
	}
	credit := s.sendWindow
	if credit > s.link.maxFrameSize {
		credit = s.link.maxFrameSize
	}
	if uint64(credit) > uint64(want) {
		credit = uint32(want)
	}
	s.sendWindow -= credit
	return credit, nil
}

// grantSend is called by the session loop on a WindowUpdate
func (s *Stream) grantSend(delta uint32) {
	s.sendM.Lock()
	if s.sendWindow+delta < s.sendWindow {
		s.sendWindow = ^uint32(0)
	} else {
		s.sendWindow += delta
	}
	s.sendM.Unlock()
	s.sendCond.Broadcast()
}

func (s *Stream) sendWindowSize() uint32 {
	s.sendM.Lock()
	defer s.sendM.Unlock()
	return s.sendWindow
}

func (s *Stream) failWrites(err error) {
	s.sendM.Lock()
	if s.sendErr == nil {
		s.sendErr = err
	}
	s.sendM.Unlock()
	s.sendCond.Broadcast()
}

// fail makes every pending and future Read and Write return err, discarding unread data
func (s *Stream) fail(err error) {
	s.failWrites(err)
	s.recvBuf.CloseWithError(err)
}

// Close closes both directions from the owner's point of view: a FIN is sent, unread data is dropped and any
// further data from the peer is discarded.
func (s *Stream) Close() error {
	s.closeM.Lock()
	if s.closed {
		s.closeM.Unlock()
		return nil
	}
	s.closed = true
	s.writeClosed = true
	s.closeM.Unlock()

	s.failWrites(ErrStreamClosed)
	s.recvBuf.CloseWithError(ErrStreamClosed)
	log.Tracef("stream %v closing", s.id)
	_ = s.link.request(&streamRequest{kind: reqClose, stream: s})
	return nil
}

// CloseWrite sends a FIN but keeps the stream readable until the peer finishes too
func (s *Stream) CloseWrite() error {
	s.closeM.Lock()
	if s.writeClosed {
		s.closeM.Unlock()
		return nil
	}
	s.writeClosed = true
	s.closeM.Unlock()

	s.failWrites(ErrStreamClosed)
	log.Tracef("stream %v half closing", s.id)
	return s.link.request(&streamRequest{kind: reqCloseWrite, stream: s})
}

// Reset abruptly terminates the stream in both directions
func (s *Stream) Reset() error {
	s.closeM.Lock()
	s.closed = true
	s.writeClosed = true
	s.closeM.Unlock()

	s.fail(ErrStreamReset)
	return s.link.request(&streamRequest{kind: reqReset, stream: s})
}

func (s *Stream) LocalAddr() net.Addr  { return s.link.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.link.conn.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error {
	_ = s.SetReadDeadline(t)
	return s.SetWriteDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.recvBuf.SetReadDeadline(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.sendM.Lock()
	s.wDeadline = t
	s.sendM.Unlock()
	s.sendCond.Broadcast()
	return nil
}

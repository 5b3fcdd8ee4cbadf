package multiplex

import (
	"errors"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// switchboard owns the underlying connection on behalf of the session loop. It has two purposes: constantly
// receiving frames from the connection and handing them to the loop (deplex); and writing queued frames
// to the connection (dispatch), in which it picks the next frame according to its scheduling rules. All bytes
// read and written are counted, and rate limited, by its Valve.
//
// Frames that must stay in order relative to a stream's data (SYN, Data, FIN) are queued per stream. Everything
// else is a control frame and jumps the queue. Streams with pending frames take turns one frame at a time, High
// priority streams before Normal ones.
// maxControlFrames bounds the control frames waiting to be written. A peer that keeps provoking replies faster
// than the connection drains them overflows it.
const maxControlFrames = 4096

var errControlBacklog = errors.New("too many control frames waiting to be sent")

type switchboard struct {
	conn  net.Conn
	valve *Valve

	m        sync.Mutex
	cond     *sync.Cond
	control  []*Frame
	// the latest Ping ACK not yet written. A newer Ping replaces it
	pingAck  *Frame
	overflow bool
	pending  map[uint32]*streamQueue
	ready    [2][]*streamQueue
	draining bool

	// called after a frame carrying FIN is on the wire
	onFinFlushed func(id uint32)
}

type streamQueue struct {
	stream *Stream
	frames []*Frame
	// in one of the ready rings
	scheduled bool
}

func makeSwitchboard(conn net.Conn, valve *Valve, onFinFlushed func(uint32)) *switchboard {
	sb := &switchboard{
		conn:         conn,
		valve:        valve,
		pending:      map[uint32]*streamQueue{},
		onFinFlushed: onFinFlushed,
	}
	sb.cond = sync.NewCond(&sb.m)
	return sb
}

func (sb *switchboard) sendControl(f *Frame) {
	sb.m.Lock()
	if len(sb.control) >= maxControlFrames {
		sb.overflow = true
		sb.m.Unlock()
		return
	}
	sb.control = append(sb.control, f)
	sb.m.Unlock()
	sb.cond.Signal()
}

// sendPingAck answers a Ping. At most one answer waits at a time, for the latest Ping.
func (sb *switchboard) sendPingAck(nonce uint32) {
	sb.m.Lock()
	sb.pingAck = pingFrame(flagACK, nonce)
	sb.m.Unlock()
	sb.cond.Signal()
}

// overflowed reports whether a control frame has been turned away
func (sb *switchboard) overflowed() bool {
	sb.m.Lock()
	defer sb.m.Unlock()
	return sb.overflow
}

func (sb *switchboard) sendStream(stream *Stream, f *Frame) {
	sb.m.Lock()
	q := sb.pending[stream.id]
	if q == nil {
		q = &streamQueue{stream: stream}
		sb.pending[stream.id] = q
	}
	q.frames = append(q.frames, f)
	if !q.scheduled {
		q.scheduled = true
		class := stream.Priority()
		sb.ready[class] = append(sb.ready[class], q)
	}
	sb.m.Unlock()
	sb.cond.Signal()
}

// dropStream discards everything queued for a stream that hasn't been sent yet
func (sb *switchboard) dropStream(id uint32) {
	sb.m.Lock()
	if q := sb.pending[id]; q != nil {
		q.frames = nil
		delete(sb.pending, id)
	}
	sb.m.Unlock()
}

// queuedFrames is the number of stream frames waiting to be sent
func (sb *switchboard) queuedFrames(id uint32) int {
	sb.m.Lock()
	defer sb.m.Unlock()
	if q := sb.pending[id]; q != nil {
		return len(q.frames)
	}
	return 0
}

// next blocks until there is a frame to send. It returns nil once draining has begun and nothing is left.
func (sb *switchboard) next() *Frame {
	sb.m.Lock()
	defer sb.m.Unlock()
	for {
		if sb.pingAck != nil {
			f := sb.pingAck
			sb.pingAck = nil
			return f
		}
		if len(sb.control) > 0 {
			f := sb.control[0]
			sb.control[0] = nil
			sb.control = sb.control[1:]
			return f
		}
		for class := PriorityHigh; class >= PriorityNormal; class-- {
			for len(sb.ready[class]) > 0 {
				q := sb.ready[class][0]
				sb.ready[class][0] = nil
				sb.ready[class] = sb.ready[class][1:]
				if len(q.frames) == 0 {
					// dropped while it was waiting for its turn
					q.scheduled = false
					continue
				}
				f := q.frames[0]
				q.frames[0] = nil
				q.frames = q.frames[1:]
				if len(q.frames) > 0 {
					// back of the line. Its priority may have changed in the meantime
					nextClass := q.stream.Priority()
					sb.ready[nextClass] = append(sb.ready[nextClass], q)
				} else {
					q.scheduled = false
					delete(sb.pending, q.stream.id)
				}
				return f
			}
		}
		if sb.draining {
			return nil
		}
		sb.cond.Wait()
	}
}

// drain makes dispatch return once everything already queued is written
func (sb *switchboard) drain() {
	sb.m.Lock()
	sb.draining = true
	sb.m.Unlock()
	sb.cond.Broadcast()
}

// dispatch writes queued frames to the connection until drained or the connection fails
func (sb *switchboard) dispatch() error {
	buf := make([]byte, 0, frameHeaderLength+4096)
	for {
		f := sb.next()
		if f == nil {
			return nil
		}
		buf = appendFrame(buf[:0], f)
		sb.valve.txWait(len(buf))
		n, err := sb.conn.Write(buf)
		sb.valve.AddTx(int64(n))
		if err != nil {
			return err
		}
		if f.StreamID != 0 && f.hasFlag(flagFIN) {
			sb.onFinFlushed(f.StreamID)
		}
	}
}

// deplex constantly reads frames from the connection and passes them to deliver until either fails
func (sb *switchboard) deplex(maxFrameSize uint32, deliver func(*Frame) bool) error {
	fr := newFrameReader(valveReader{r: sb.conn, valve: sb.valve}, maxFrameSize)
	for {
		f, err := fr.next()
		if err != nil {
			return err
		}
		log.Tracef("received %v", f)
		if !deliver(f) {
			return nil
		}
	}
}

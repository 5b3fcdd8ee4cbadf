package multiplex

import (
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/Shunt/internal/common"

	log "github.com/sirupsen/logrus"
)

const (
	streamRequestBacklog = 256
	frameBacklog         = 64
)

type commandKind int

const (
	cmdOpenStream commandKind = iota
	cmdAddStream
	cmdCloseOldestStream
	cmdGetStreamsNum
	cmdShutdown
)

type command struct {
	kind  commandKind
	conn  net.Conn
	reply chan commandResult
}

type commandResult struct {
	stream *Stream
	num    int
	err    error
}

// A Session multiplexes many Streams over one underlying connection. A single goroutine, the loop, owns the
// stream table and every stream's state: frames read from the connection, commands from Control handles and
// requests from stream owners all reach it through channels and are applied one at a time. The switchboard writes
// what the loop queues.
type Session struct {
	id uint32

	SessionConfig

	conn   net.Conn
	client bool

	// owned by the loop
	nextStreamID    uint64
	maxRemoteID     uint32
	streams         map[uint32]*Stream
	admitted        uint64
	shuttingDown    bool
	shutdownWaiters []chan commandResult
	drainTimer      *time.Timer
	remoteGoAway    bool
	pingNonce       uint32
	pingOutstanding bool

	// atomic
	activeStreamCount int32

	acceptCh     chan *Stream
	cmdCh        chan *command
	reqCh        chan *streamRequest
	frameCh      chan *Frame
	finFlushedCh chan uint32
	recvErrCh    chan error
	sendErrCh    chan error

	sb   *switchboard
	link *streamLink

	dispatchDone chan struct{}
	// closed when the loop starts tearing down
	dying chan struct{}
	// closed when teardown has completed
	die chan struct{}

	terminalErrSetter sync.Once
	terminalErr       error
}

// MakeSession starts multiplexing over conn. The client end allocates odd stream ids and the server end even ones.
func MakeSession(id uint32, conn net.Conn, client bool, config SessionConfig) *Session {
	config.setDefaults()
	sesh := &Session{
		id:            id,
		SessionConfig: config,
		conn:          conn,
		client:        client,
		streams:       map[uint32]*Stream{},
		acceptCh:      make(chan *Stream, config.AcceptBacklog),
		cmdCh:         make(chan *command, config.CommandBacklog),
		reqCh:         make(chan *streamRequest, streamRequestBacklog),
		frameCh:       make(chan *Frame, frameBacklog),
		finFlushedCh:  make(chan uint32, frameBacklog),
		recvErrCh:     make(chan error, 1),
		sendErrCh:     make(chan error, 1),
		dispatchDone:  make(chan struct{}),
		dying:         make(chan struct{}),
		die:           make(chan struct{}),
	}
	if client {
		sesh.nextStreamID = 1
	} else {
		sesh.nextStreamID = 2
	}
	threshold := config.InitialWindowSize / 2
	if threshold == 0 {
		threshold = 1
	}
	sesh.link = &streamLink{
		reqCh:                 sesh.reqCh,
		dying:                 sesh.dying,
		conn:                  conn,
		maxFrameSize:          config.MaxFrameSize,
		windowUpdateThreshold: threshold,
	}
	sesh.sb = makeSwitchboard(conn, config.Valve, sesh.finFlushed)

	go sesh.loop()
	go func() {
		err := sesh.sb.dispatch()
		close(sesh.dispatchDone)
		if err != nil {
			select {
			case sesh.sendErrCh <- err:
			default:
			}
		}
	}()
	go func() {
		err := sesh.sb.deplex(config.MaxFrameSize, sesh.deliver)
		if err != nil {
			select {
			case sesh.recvErrCh <- err:
			default:
			}
		}
	}()
	log.Debugf("session %v started (client: %v)", id, client)
	return sesh
}

func (sesh *Session) ID() uint32 { return sesh.id }

// Control returns a handle through which any goroutine can drive the session
func (sesh *Session) Control() Control {
	return Control{cmdCh: sesh.cmdCh, die: sesh.die}
}

// AcceptStream blocks until the remote opens a stream
func (sesh *Session) AcceptStream() (*Stream, error) {
	select {
	case stream := <-sesh.acceptCh:
		log.Tracef("stream %v of session %v accepted", stream.id, sesh.id)
		return stream, nil
	case <-sesh.die:
		return nil, ErrSessionShutdown
	}
}

// Accept is similar to net.Listener's Accept(). It blocks and returns an incoming stream
func (sesh *Session) Accept() (net.Conn, error) {
	stream, err := sesh.AcceptStream()
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Close shuts the session down and waits for it. It never fails.
func (sesh *Session) Close() error {
	sesh.Control().Close()
	return nil
}

func (sesh *Session) Addr() net.Addr       { return sesh.conn.LocalAddr() }
func (sesh *Session) RemoteAddr() net.Addr { return sesh.conn.RemoteAddr() }

func (sesh *Session) IsClosed() bool {
	select {
	case <-sesh.die:
		return true
	default:
		return false
	}
}

// CloseChan is closed once the session has completely shut down
func (sesh *Session) CloseChan() <-chan struct{} { return sesh.die }

// NumStreams is a lock free snapshot of the number of streams that haven't reached Closed
func (sesh *Session) NumStreams() int { return int(atomic.LoadInt32(&sesh.activeStreamCount)) }

func (sesh *Session) setTerminalErr(err error) {
	sesh.terminalErrSetter.Do(func() {
		sesh.terminalErr = err
	})
}

// TerminalErr is the error that brought the session down, or nil if it was shut down on request or is still
// running
func (sesh *Session) TerminalErr() error {
	select {
	case <-sesh.die:
		return sesh.terminalErr
	default:
		return nil
	}
}

func (sesh *Session) deliver(f *Frame) bool {
	select {
	case sesh.frameCh <- f:
		return true
	case <-sesh.dying:
		return false
	}
}

func (sesh *Session) finFlushed(id uint32) {
	select {
	case sesh.finFlushedCh <- id:
	case <-sesh.dying:
	}
}

func (sesh *Session) loop() {
	var keepalive <-chan time.Time
	if sesh.KeepAliveInterval > 0 {
		ticker := time.NewTicker(sesh.KeepAliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}
	for {
		var drainDeadline <-chan time.Time
		if sesh.drainTimer != nil {
			drainDeadline = sesh.drainTimer.C
		}
		var err error
		select {
		case f := <-sesh.frameCh:
			err = sesh.handleFrame(f)
		case c := <-sesh.cmdCh:
			sesh.handleCommand(c)
		case r := <-sesh.reqCh:
			sesh.handleStreamRequest(r)
		case id := <-sesh.finFlushedCh:
			sesh.handleFinFlushed(id)
		case err = <-sesh.recvErrCh:
			if err == io.EOF && (sesh.shuttingDown || sesh.remoteGoAway) {
				// a hang up after either side said GoAway is an orderly end
				sesh.teardown(nil)
				return
			}
		case err = <-sesh.sendErrCh:
		case <-keepalive:
			err = sesh.keepalive()
		case <-drainDeadline:
			log.Debugf("session %v: %v streams still open after %v, resetting them", sesh.id, len(sesh.streams), sesh.ShutdownTimeout)
			sesh.resetAll()
		}
		if err == nil && sesh.sb.overflowed() {
			err = errControlBacklog
		}
		if err != nil {
			sesh.teardown(err)
			return
		}
		if sesh.shuttingDown && len(sesh.streams) == 0 {
			sesh.teardown(nil)
			return
		}
	}
}

func (sesh *Session) handleFrame(f *Frame) error {
	switch f.Type {
	case typePing:
		if f.hasFlag(flagSYN) {
			sesh.sb.sendPingAck(f.Length)
		} else if sesh.pingOutstanding && f.Length == sesh.pingNonce {
			sesh.pingOutstanding = false
		}
		return nil
	case typeGoAway:
		sesh.remoteGoAway = true
		switch f.Length {
		case goAwayNormal:
			log.Debugf("session %v: remote is going away", sesh.id)
		case goAwayProtoErr:
			log.Warnf("session %v: remote is going away because of a protocol error", sesh.id)
		default:
			log.Warnf("session %v: remote is going away because of an internal error", sesh.id)
		}
		return nil
	}
	return sesh.handleStreamFrame(f)
}

func (sesh *Session) handleStreamFrame(f *Frame) error {
	stream := sesh.streams[f.StreamID]
	if f.hasFlag(flagSYN) {
		if stream != nil {
			return protocolErrorf("duplicate SYN on stream %v", f.StreamID)
		}
		var admitted bool
		stream, admitted = sesh.incomingStream(f.StreamID)
		if !admitted {
			return nil
		}
	}
	if stream == nil {
		// this is when the stream existed before but has since been closed, or we reset it. We do nothing
		log.Tracef("session %v: dropping %v for an unknown stream", sesh.id, f)
		return nil
	}
	if f.hasFlag(flagACK) && !stream.acked {
		stream.acked = true
		log.Tracef("stream %v of session %v acknowledged", stream.id, sesh.id)
	}
	if f.hasFlag(flagRST) {
		log.Tracef("stream %v of session %v reset by remote", stream.id, sesh.id)
		sesh.resetStream(stream, ErrStreamReset, false)
		return nil
	}
	switch f.Type {
	case typeWindowUpdate:
		if f.Length > 0 {
			stream.grantSend(f.Length)
		}
	case typeData:
		if len(f.Payload) > 0 && !sesh.recvData(stream, f.Payload) {
			return nil
		}
	}
	if f.hasFlag(flagFIN) {
		if err := sesh.apply(stream, evFinRecv); err != nil {
			log.Debugf("session %v: resetting stream %v: %v", sesh.id, stream.id, err)
			sesh.resetStream(stream, ErrStreamReset, true)
			return nil
		}
		_ = stream.recvBuf.Close()
	}
	return nil
}

// recvData hands a payload to the stream's owner. It returns false if the stream had to be reset instead.
func (sesh *Session) recvData(stream *Stream, payload []byte) bool {
	if !stream.State().remoteOpen() {
		log.Debugf("session %v: data after FIN on stream %v", sesh.id, stream.id)
		sesh.resetStream(stream, ErrStreamReset, true)
		return false
	}
	n := uint32(len(payload))
	if n > stream.recvWindow {
		log.Debugf("session %v: stream %v: %v (%v > %v)", sesh.id, stream.id, errWindowViolation, n, stream.recvWindow)
		sesh.resetStream(stream, ErrStreamReset, true)
		return false
	}
	stream.recvWindow -= n
	if _, err := stream.recvBuf.Write(payload); err != nil {
		// the owner has stopped reading. Hand the credit straight back so that the remote isn't stuck
		stream.recvWindow += n
		sesh.sb.sendControl(windowUpdateFrame(stream.id, 0, n))
	}
	return true
}

func (sesh *Session) isLocalID(id uint32) bool {
	return (id%2 == 1) == sesh.client
}

func (sesh *Session) refuseStream(id uint32, reason error) {
	log.Debugf("session %v: refusing stream %v: %v", sesh.id, id, reason)
	sesh.sb.sendControl(windowUpdateFrame(id, flagRST, 0))
}

func (sesh *Session) incomingStream(id uint32) (*Stream, bool) {
	if sesh.isLocalID(id) {
		sesh.refuseStream(id, errors.New("remote used an id from our half of the id space"))
		return nil, false
	}
	if id <= sesh.maxRemoteID {
		// ids are allocated monotonically, so this one belongs to a stream that has come and gone
		log.Tracef("session %v: dropping late SYN for stream %v", sesh.id, id)
		return nil, false
	}
	sesh.maxRemoteID = id
	switch {
	case sesh.shuttingDown:
		sesh.refuseStream(id, ErrSessionShutdown)
		return nil, false
	case sesh.remoteGoAway:
		sesh.refuseStream(id, ErrRemoteGoAway)
		return nil, false
	case len(sesh.streams) >= sesh.MaxStreams:
		sesh.refuseStream(id, ErrStreamsExhausted)
		return nil, false
	case len(sesh.acceptCh) == cap(sesh.acceptCh):
		sesh.refuseStream(id, errors.New("accept backlog full"))
		return nil, false
	}
	stream := sesh.register(id)
	sesh.sb.sendStream(stream, windowUpdateFrame(id, flagACK, 0))
	sesh.acceptCh <- stream
	return stream, true
}

func (sesh *Session) register(id uint32) *Stream {
	stream := makeStream(id, sesh.link, sesh.InitialWindowSize)
	sesh.admitted++
	stream.seq = sesh.admitted
	sesh.streams[id] = stream
	atomic.AddInt32(&sesh.activeStreamCount, 1)
	log.Tracef("stream %v of session %v opened", id, sesh.id)
	return stream
}

func (sesh *Session) openLocal() (*Stream, error) {
	if sesh.shuttingDown {
		return nil, ErrSessionShutdown
	}
	if sesh.remoteGoAway {
		return nil, ErrRemoteGoAway
	}
	if len(sesh.streams) >= sesh.MaxStreams {
		return nil, ErrStreamsExhausted
	}
	if sesh.nextStreamID > math.MaxUint32 {
		return nil, ErrStreamsExhausted
	}
	id := uint32(sesh.nextStreamID)
	sesh.nextStreamID += 2
	stream := sesh.register(id)
	sesh.sb.sendStream(stream, windowUpdateFrame(id, flagSYN, 0))
	return stream, nil
}

// apply runs ev through the stream's state machine and drops the stream from the table once it is Closed
func (sesh *Session) apply(stream *Stream, ev streamEvent) error {
	next, err := transition(stream.State(), ev)
	if err != nil {
		return err
	}
	stream.setState(next)
	if next == StateClosed {
		sesh.remove(stream)
	}
	return nil
}

func (sesh *Session) remove(stream *Stream) {
	if sesh.streams[stream.id] != stream {
		return
	}
	delete(sesh.streams, stream.id)
	atomic.AddInt32(&sesh.activeStreamCount, -1)
	stream.failWrites(ErrStreamClosed)
	log.Tracef("stream %v of session %v closed", stream.id, sesh.id)
}

func (sesh *Session) resetStream(stream *Stream, err error, sendRST bool) {
	sesh.sb.dropStream(stream.id)
	if sendRST {
		sesh.sb.sendControl(windowUpdateFrame(stream.id, flagRST, 0))
	}
	stream.fail(err)
	_ = sesh.apply(stream, evRst)
}

func (sesh *Session) resetAll() {
	for _, stream := range sesh.streams {
		sesh.resetStream(stream, ErrSessionShutdown, true)
	}
}

// closeLocal starts the closing sequence on our side, queueing a FIN behind the stream's data if one is due
func (sesh *Session) closeLocal(stream *Stream, ev streamEvent) {
	before := stream.State()
	if err := sesh.apply(stream, ev); err != nil {
		log.Tracef("session %v: ignoring close on stream %v: %v", sesh.id, stream.id, err)
		return
	}
	if before.localOpen() {
		sesh.sb.sendStream(stream, windowUpdateFrame(stream.id, flagFIN, 0))
	}
}

func (sesh *Session) handleStreamRequest(r *streamRequest) {
	stream := r.stream
	if sesh.streams[stream.id] != stream {
		return
	}
	switch r.kind {
	case reqData:
		if stream.State().localOpen() {
			sesh.sb.sendStream(stream, dataFrame(stream.id, 0, r.payload))
		}
	case reqWindowUpdate:
		if stream.State().remoteOpen() {
			stream.recvWindow += r.delta
			sesh.sb.sendControl(windowUpdateFrame(stream.id, 0, r.delta))
		}
	case reqClose:
		sesh.closeLocal(stream, evLocalClose)
	case reqCloseWrite:
		sesh.closeLocal(stream, evLocalCloseWrite)
	case reqReset:
		sesh.resetStream(stream, ErrStreamReset, true)
	}
}

func (sesh *Session) handleFinFlushed(id uint32) {
	stream := sesh.streams[id]
	if stream == nil {
		return
	}
	if err := sesh.apply(stream, evFinFlushed); err != nil {
		log.Tracef("session %v: stream %v: %v", sesh.id, id, err)
	}
}

func (sesh *Session) handleCommand(c *command) {
	switch c.kind {
	case cmdOpenStream:
		stream, err := sesh.openLocal()
		c.reply <- commandResult{stream: stream, err: err}
	case cmdAddStream:
		stream, err := sesh.openLocal()
		if err == nil {
			go sesh.bridge(stream, c.conn)
		}
		c.reply <- commandResult{err: err}
	case cmdCloseOldestStream:
		if oldest := sesh.oldestOpenStream(); oldest != nil {
			log.Debugf("session %v: evicting stream %v", sesh.id, oldest.id)
			oldest.fail(ErrStreamClosed)
			sesh.closeLocal(oldest, evLocalClose)
			// the RST rides behind the FIN so the slot is free now, whatever the peer does with its end
			sesh.sb.sendStream(oldest, windowUpdateFrame(oldest.id, flagRST, 0))
			_ = sesh.apply(oldest, evRst)
		}
		c.reply <- commandResult{}
	case cmdGetStreamsNum:
		c.reply <- commandResult{num: len(sesh.streams)}
	case cmdShutdown:
		sesh.shutdownWaiters = append(sesh.shutdownWaiters, c.reply)
		sesh.beginShutdown()
	}
}

func (sesh *Session) bridge(stream *Stream, conn net.Conn) {
	up, down, err := common.Pipe(stream, conn, 0)
	log.Tracef("stream %v of session %v finished bridging (%v up, %v down): %v", stream.id, sesh.id, up, down, err)
}

// oldestOpenStream is the earliest admitted stream we can still write to
func (sesh *Session) oldestOpenStream() *Stream {
	var oldest *Stream
	for _, stream := range sesh.streams {
		if !stream.State().localOpen() {
			continue
		}
		if oldest == nil || stream.seq < oldest.seq {
			oldest = stream
		}
	}
	return oldest
}

func (sesh *Session) beginShutdown() {
	if sesh.shuttingDown {
		return
	}
	sesh.shuttingDown = true
	log.Debugf("attempting to close session %v with %v streams", sesh.id, len(sesh.streams))
	sesh.sb.sendControl(goAwayFrame(goAwayNormal))
	if sesh.DrainPolicy == DrainImmediate {
		sesh.resetAll()
		return
	}
	for _, stream := range sesh.streams {
		stream.failWrites(ErrSessionShutdown)
		sesh.closeLocal(stream, evLocalCloseWrite)
	}
	sesh.drainTimer = time.NewTimer(sesh.ShutdownTimeout)
}

func (sesh *Session) keepalive() error {
	if sesh.pingOutstanding {
		return ErrKeepAliveTimeout
	}
	sesh.pingNonce++
	sesh.pingOutstanding = true
	sesh.sb.sendControl(pingFrame(flagSYN, sesh.pingNonce))
	return nil
}

// teardown fails every live stream, flushes what can be flushed and closes the connection. err is nil if the
// session is closing on request.
func (sesh *Session) teardown(err error) {
	close(sesh.dying)
	if sesh.drainTimer != nil {
		sesh.drainTimer.Stop()
	}
	if err != nil {
		sesh.setTerminalErr(err)
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			sesh.sb.sendControl(goAwayFrame(goAwayProtoErr))
		}
		log.Debugf("session %v failed: %v", sesh.id, err)
	}
	for id, stream := range sesh.streams {
		state := stream.State()
		if state == StateRemoteClosed || state == StateRemoteClosedLocalClosing {
			// the remote finished cleanly, so what it sent is still readable
			stream.failWrites(ErrSessionShutdown)
		} else {
			stream.fail(ErrSessionShutdown)
		}
		stream.setState(StateClosed)
		delete(sesh.streams, id)
	}
	atomic.StoreInt32(&sesh.activeStreamCount, 0)

	sesh.sb.drain()
	select {
	case <-sesh.dispatchDone:
	case <-time.After(sesh.ConnectionWriteTimeout):
		log.Debugf("session %v: gave up flushing after %v", sesh.id, sesh.ConnectionWriteTimeout)
	}
	_ = sesh.conn.Close()
	close(sesh.die)

	for _, waiter := range sesh.shutdownWaiters {
		waiter <- commandResult{}
	}
	sesh.refuseQueuedCommands()
	log.Debugf("session %v closed", sesh.id)
}

func (sesh *Session) refuseQueuedCommands() {
	for {
		select {
		case c := <-sesh.cmdCh:
			if c.kind == cmdShutdown {
				c.reply <- commandResult{}
			} else {
				c.reply <- commandResult{err: ErrSessionShutdown}
			}
		default:
			return
		}
	}
}

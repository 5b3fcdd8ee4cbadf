package multiplex

import (
	"errors"
	"io"
	"io/ioutil"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func makeSessionPair(config SessionConfig) (*Session, *Session) {
	c, s := connutil.AsyncPipe()
	clientSession := MakeSession(1, c, true, config)
	serverSession := MakeSession(1, s, false, config)
	return clientSession, serverSession
}

// rawPeer stands in for the remote end of a client session so that tests can see and forge individual frames
type rawPeer struct {
	conn   net.Conn
	frames chan *Frame
}

func newRawPeer(config SessionConfig) (*Session, *rawPeer) {
	local, remote := connutil.AsyncPipe()
	sesh := MakeSession(0, local, true, config)
	p := &rawPeer{conn: remote, frames: make(chan *Frame, 1024)}
	go func() {
		fr := newFrameReader(remote, 1<<20)
		for {
			f, err := fr.next()
			if err != nil {
				close(p.frames)
				return
			}
			p.frames <- f
		}
	}()
	return sesh, p
}

func (p *rawPeer) send(t *testing.T, f *Frame) {
	_, err := p.conn.Write(appendFrame(nil, f))
	require.NoError(t, err)
}

func (p *rawPeer) expect(t *testing.T) *Frame {
	select {
	case f, ok := <-p.frames:
		if !ok {
			t.Fatal("connection closed while expecting a frame")
		}
		return f
	case <-time.After(testTimeout):
		t.Fatal("timed out expecting a frame")
	}
	return nil
}

// expectMatching skips frames until one satisfies match
func (p *rawPeer) expectMatching(t *testing.T, match func(*Frame) bool) *Frame {
	for {
		f := p.expect(t)
		if match(f) {
			return f
		}
	}
}

// discardUntilEOF mimics a well behaved remote application: drain the stream and close it once the peer is done
func discardUntilEOF(sesh *Session) {
	for {
		stream, err := sesh.AcceptStream()
		if err != nil {
			return
		}
		go func() {
			_, _ = io.Copy(ioutil.Discard, stream)
			_ = stream.Close()
		}()
	}
}

func TestSession_OpenAndAccept(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	defer clientSession.Close()
	defer serverSession.Close()

	stream, err := clientSession.Control().OpenStream()
	require.NoError(t, err)
	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)

	accepted, err := serverSession.AcceptStream()
	require.NoError(t, err)
	assert.Equal(t, stream.ID(), accepted.ID())

	buf := make([]byte, 5)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_, err = accepted.Write([]byte("world"))
	require.NoError(t, err)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))
}

func TestSession_StreamIDParity(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	defer clientSession.Close()
	defer serverSession.Close()

	var wg sync.WaitGroup
	ids := make([]uint32, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stream, err := clientSession.Control().OpenStream()
			if err != nil {
				t.Errorf("failed to open stream: %v", err)
				return
			}
			ids[i] = stream.ID()
		}(i)
	}
	wg.Wait()
	assert.NotEqual(t, ids[0], ids[1])
	for _, id := range ids {
		assert.EqualValues(t, 1, id%2, "client opened stream %v", id)
	}

	fromServer, err := serverSession.Control().OpenStream()
	require.NoError(t, err)
	assert.EqualValues(t, 0, fromServer.ID()%2)
}

func TestSession_MaxStreamsAndEviction(t *testing.T) {
	config := SessionConfig{MaxStreams: 2}
	clientSession, serverSession := makeSessionPair(config)
	defer clientSession.Close()
	defer serverSession.Close()
	go discardUntilEOF(serverSession)

	control := clientSession.Control()
	oldest, err := control.OpenStream()
	require.NoError(t, err)
	_, err = control.OpenStream()
	require.NoError(t, err)

	_, err = control.OpenStream()
	assert.Equal(t, ErrStreamsExhausted, err)

	require.NoError(t, control.CloseOldestStream())
	_, err = oldest.Write([]byte{1})
	assert.Equal(t, ErrStreamClosed, err)

	assert.Equal(t, StateClosed, oldest.State())
	num, err := control.GetStreamsNum()
	require.NoError(t, err)
	assert.Equal(t, 1, num)

	_, err = control.OpenStream()
	assert.NoError(t, err)
}

func TestSession_EvictionWhilePeerHoldsStreams(t *testing.T) {
	config := SessionConfig{MaxStreams: 2}
	clientSession, serverSession := makeSessionPair(config)
	defer clientSession.Close()
	defer serverSession.Close()

	control := clientSession.Control()
	oldest, err := control.OpenStream()
	require.NoError(t, err)
	_, err = oldest.Write([]byte{1})
	require.NoError(t, err)
	newer, err := control.OpenStream()
	require.NoError(t, err)
	_, err = newer.Write([]byte{2})
	require.NoError(t, err)

	// the remote application accepts both streams and never reads or closes them
	held, err := serverSession.AcceptStream()
	require.NoError(t, err)
	_, err = serverSession.AcceptStream()
	require.NoError(t, err)

	require.NoError(t, control.CloseOldestStream())
	assert.Equal(t, StateClosed, oldest.State())
	_, err = control.OpenStream()
	assert.NoError(t, err, "the evicted slot should be free without the peer closing its end")

	assert.Eventually(t, func() bool { return held.State() == StateClosed }, testTimeout, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return serverSession.NumStreams() == 1 }, testTimeout, 5*time.Millisecond)
	_, err = held.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestSession_EvictionSendsFINThenRST(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	defer sesh.Close()
	control := sesh.Control()

	stream, err := control.OpenStream()
	require.NoError(t, err)
	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)
	syn := peer.expect(t)
	assert.True(t, syn.hasFlag(flagSYN))
	data := peer.expect(t)
	assert.Equal(t, "hello", string(data.Payload))

	require.NoError(t, control.CloseOldestStream())
	fin := peer.expect(t)
	assert.True(t, fin.hasFlag(flagFIN))
	rst := peer.expect(t)
	assert.True(t, rst.hasFlag(flagRST))
	assert.Equal(t, stream.ID(), rst.StreamID)

	num, err := control.GetStreamsNum()
	require.NoError(t, err)
	assert.Zero(t, num)
}

func TestSession_AddStream(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	defer clientSession.Close()
	defer serverSession.Close()

	app, appSide := connutil.AsyncPipe()
	require.NoError(t, clientSession.Control().AddStream(appSide))

	_, err := app.Write([]byte("ping"))
	require.NoError(t, err)

	accepted, err := serverSession.AcceptStream()
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = accepted.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(app, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))

	num, err := clientSession.Control().GetStreamsNum()
	require.NoError(t, err)
	assert.Equal(t, 1, num)
}

func TestControl_AfterClose(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	defer serverSession.Close()
	control := clientSession.Control()

	control.Close()
	assert.True(t, clientSession.IsClosed())
	assert.Nil(t, clientSession.TerminalErr())

	_, err := control.OpenStream()
	assert.Equal(t, ErrSessionShutdown, err)
	_, err = control.GetStreamsNum()
	assert.Equal(t, ErrSessionShutdown, err)
	assert.Equal(t, ErrSessionShutdown, control.CloseOldestStream())
	app, _ := connutil.AsyncPipe()
	assert.Equal(t, ErrSessionShutdown, control.AddStream(app))

	done := make(chan struct{})
	go func() {
		control.Close()
		clientSession.Control().Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("closing a closed session should return straight away")
	}
}

func TestControl_ConcurrentClose(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	defer serverSession.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clientSession.Control().Close()
		}()
	}
	wg.Wait()
	assert.True(t, clientSession.IsClosed())
}

func TestSession_ShutdownBeforeAck(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{DrainPolicy: DrainImmediate})
	stream, err := sesh.Control().OpenStream()
	require.NoError(t, err)
	syn := peer.expect(t)
	assert.True(t, syn.hasFlag(flagSYN))

	// the remote never acknowledges
	sesh.Control().Close()

	_, err = stream.Write([]byte("too late"))
	assert.Equal(t, ErrSessionShutdown, err)
	_, err = stream.Read(make([]byte, 1))
	assert.Equal(t, ErrSessionShutdown, err)
	assert.Equal(t, StateClosed, stream.State())
}

func TestSession_GracefulShutdown(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	defer serverSession.Close()

	stream, err := clientSession.Control().OpenStream()
	require.NoError(t, err)
	testData := make([]byte, 100000)
	for i := range testData {
		testData[i] = byte(i)
	}
	_, err = stream.Write(testData)
	require.NoError(t, err)

	received := make(chan []byte, 1)
	go func() {
		accepted, err := serverSession.AcceptStream()
		if err != nil {
			received <- nil
			return
		}
		data, _ := ioutil.ReadAll(accepted)
		_ = accepted.Close()
		received <- data
	}()

	clientSession.Control().Close()
	assert.True(t, clientSession.IsClosed())
	select {
	case data := <-received:
		assert.Equal(t, testData, data)
	case <-time.After(testTimeout):
		t.Fatal("server didn't get the data")
	}
}

func TestSession_GracefulShutdownTimesOut(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{ShutdownTimeout: 100 * time.Millisecond})
	stream, err := sesh.Control().OpenStream()
	require.NoError(t, err)
	peer.expect(t) // SYN
	peer.send(t, windowUpdateFrame(stream.ID(), flagACK, 0))

	start := time.Now()
	closed := make(chan time.Duration)
	go func() {
		sesh.Control().Close()
		closed <- time.Since(start)
	}()

	goAway := peer.expect(t)
	assert.Equal(t, typeGoAway, goAway.Type)
	assert.Equal(t, goAwayNormal, goAway.Length)
	fin := peer.expect(t)
	assert.EqualValues(t, stream.ID(), fin.StreamID)
	assert.True(t, fin.hasFlag(flagFIN))

	// the peer never answers with its own FIN
	select {
	case elapsed := <-closed:
		assert.True(t, elapsed >= 100*time.Millisecond)
	case <-time.After(testTimeout):
		t.Fatal("shutdown should have given up on the stream")
	}
	_, err = stream.Read(make([]byte, 1))
	assert.Equal(t, ErrSessionShutdown, err)
}

func TestSession_RefusesSYNAtCapacity(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{MaxStreams: 1})
	defer sesh.Close()

	peer.send(t, windowUpdateFrame(2, flagSYN, 0))
	accepted, err := sesh.AcceptStream()
	require.NoError(t, err)
	assert.EqualValues(t, 2, accepted.ID())
	ack := peer.expect(t)
	assert.EqualValues(t, 2, ack.StreamID)
	assert.True(t, ack.hasFlag(flagACK))

	peer.send(t, windowUpdateFrame(4, flagSYN, 0))
	rst := peer.expect(t)
	assert.EqualValues(t, 4, rst.StreamID)
	assert.True(t, rst.hasFlag(flagRST))

	_, err = sesh.Control().OpenStream()
	assert.Equal(t, ErrStreamsExhausted, err)
}

func TestSession_RefusesWrongParity(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	defer sesh.Close()

	peer.send(t, windowUpdateFrame(3, flagSYN, 0))
	rst := peer.expect(t)
	assert.EqualValues(t, 3, rst.StreamID)
	assert.True(t, rst.hasFlag(flagRST))
	assert.False(t, sesh.IsClosed())
}

func TestSession_ControlBacklogIsFatal(t *testing.T) {
	// a writer limited to a byte per second can't keep up with the replies the peer provokes
	sesh, peer := newRawPeer(SessionConfig{Valve: MakeValve(0, 1), ConnectionWriteTimeout: 50 * time.Millisecond})
	defer sesh.Close()

	// each SYN from our half of the id space is answered with a RST
	var flood []byte
	for id := uint32(1); id < 2*(maxControlFrames+16); id += 2 {
		flood = appendFrame(flood, windowUpdateFrame(id, flagSYN, 0))
	}
	_, err := peer.conn.Write(flood)
	require.NoError(t, err)

	select {
	case <-sesh.CloseChan():
	case <-time.After(testTimeout):
		t.Fatal("session should have failed")
	}
	assert.Equal(t, errControlBacklog, sesh.TerminalErr())
}

func TestSession_LateFramesAreDropped(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	defer sesh.Close()

	peer.send(t, windowUpdateFrame(2, flagSYN, 0))
	accepted, err := sesh.AcceptStream()
	require.NoError(t, err)
	peer.expect(t) // ACK
	peer.send(t, windowUpdateFrame(2, flagRST, 0))
	assert.Eventually(t, func() bool { return accepted.State() == StateClosed }, testTimeout, 5*time.Millisecond)

	peer.send(t, dataFrame(2, 0, []byte("late")))
	peer.send(t, windowUpdateFrame(2, flagSYN, 0))
	peer.send(t, windowUpdateFrame(6, flagSYN, 0))

	next, err := sesh.AcceptStream()
	require.NoError(t, err)
	assert.EqualValues(t, 6, next.ID())
	ack := peer.expect(t)
	assert.EqualValues(t, 6, ack.StreamID)
	num, err := sesh.Control().GetStreamsNum()
	require.NoError(t, err)
	assert.Equal(t, 1, num)
}

func TestSession_DuplicateSYNIsFatal(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	peer.send(t, windowUpdateFrame(2, flagSYN, 0))
	peer.send(t, windowUpdateFrame(2, flagSYN, 0))
	select {
	case <-sesh.CloseChan():
	case <-time.After(testTimeout):
		t.Fatal("session should have died")
	}
	var protoErr *ProtocolError
	assert.True(t, errors.As(sesh.TerminalErr(), &protoErr))
}

func TestSession_ProtocolErrorIsFatal(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	stream, err := sesh.Control().OpenStream()
	require.NoError(t, err)

	garbage := make([]byte, frameHeaderLength)
	garbage[0] = 0xff
	_, err = peer.conn.Write(garbage)
	require.NoError(t, err)

	select {
	case <-sesh.CloseChan():
	case <-time.After(testTimeout):
		t.Fatal("session should have died")
	}
	var protoErr *ProtocolError
	assert.True(t, errors.As(sesh.TerminalErr(), &protoErr))

	_, err = stream.Write([]byte{1})
	assert.Equal(t, ErrSessionShutdown, err)
	_, err = sesh.Control().OpenStream()
	assert.Equal(t, ErrSessionShutdown, err)
}

func TestSession_RemoteGoAway(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	defer sesh.Close()

	peer.send(t, goAwayFrame(goAwayNormal))
	assert.Eventually(t, func() bool {
		_, err := sesh.Control().OpenStream()
		return err == ErrRemoteGoAway
	}, testTimeout, 5*time.Millisecond)
}

func TestSession_AnswersPing(t *testing.T) {
	sesh, peer := newRawPeer(SessionConfig{})
	defer sesh.Close()

	peer.send(t, pingFrame(flagSYN, 77))
	pong := peer.expect(t)
	assert.Equal(t, typePing, pong.Type)
	assert.Equal(t, flagACK, pong.Flags)
	assert.EqualValues(t, 77, pong.Length)
}

func TestSession_KeepAlive(t *testing.T) {
	t.Run("answered", func(t *testing.T) {
		clientSession, serverSession := makeSessionPair(SessionConfig{KeepAliveInterval: 10 * time.Millisecond})
		defer clientSession.Close()
		defer serverSession.Close()
		time.Sleep(100 * time.Millisecond)
		assert.False(t, clientSession.IsClosed())
		assert.False(t, serverSession.IsClosed())
	})
	t.Run("unanswered", func(t *testing.T) {
		sesh, _ := newRawPeer(SessionConfig{KeepAliveInterval: 10 * time.Millisecond})
		select {
		case <-sesh.CloseChan():
		case <-time.After(testTimeout):
			t.Fatal("session should have timed out")
		}
		assert.Equal(t, ErrKeepAliveTimeout, sesh.TerminalErr())
	})
}

func TestSession_RemoteHangUp(t *testing.T) {
	clientSession, serverSession := makeSessionPair(SessionConfig{})
	stream, err := clientSession.Control().OpenStream()
	require.NoError(t, err)

	serverSession.Close()
	select {
	case <-clientSession.CloseChan():
	case <-time.After(testTimeout):
		t.Fatal("client session should follow the server down")
	}
	_, err = stream.Write([]byte{1})
	assert.Error(t, err)
}

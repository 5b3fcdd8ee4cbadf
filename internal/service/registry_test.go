package service

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
	"github.com/cbeuw/connutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

type recorder struct {
	events   chan ServiceEvent
	errs     chan ServiceError
	protocol chan ProtocolEvent
}

func newRecorder() *recorder {
	return &recorder{
		events:   make(chan ServiceEvent, 64),
		errs:     make(chan ServiceError, 64),
		protocol: make(chan ProtocolEvent, 64),
	}
}

func (r *recorder) HandleEvent(ev ServiceEvent)     { r.events <- ev }
func (r *recorder) HandleError(e ServiceError)      { r.errs <- e }
func (r *recorder) HandleProtocol(ev ProtocolEvent) { r.protocol <- ev }

func (r *recorder) event(t *testing.T) ServiceEvent {
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a service event")
	}
	return ServiceEvent{}
}

func (r *recorder) err(t *testing.T) ServiceError {
	select {
	case e := <-r.errs:
		return e
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a service error")
	}
	return ServiceError{}
}

func (r *recorder) protocolEvent(t *testing.T) ProtocolEvent {
	select {
	case ev := <-r.protocol:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a protocol event")
	}
	return ProtocolEvent{}
}

func (r *recorder) noErrors(t *testing.T) {
	select {
	case e := <-r.errs:
		t.Errorf("unexpected error: %v", e)
	default:
	}
}

type registryPair struct {
	client, server *Registry

	clientRec, serverRec *recorder

	clientSession, serverSession *SessionContext
}

func makeRegistryPair(t *testing.T, clientConfig, serverConfig Config) *registryPair {
	p := &registryPair{clientRec: newRecorder(), serverRec: newRecorder()}
	p.client = NewRegistry(clientConfig, p.clientRec)
	p.server = NewRegistry(serverConfig, p.serverRec)

	c, s := connutil.AsyncPipe()
	var err error
	p.clientSession, err = p.client.AddSession(c, true)
	require.NoError(t, err)
	p.serverSession, err = p.server.AddSession(s, false)
	require.NoError(t, err)

	ev := p.clientRec.event(t)
	require.Equal(t, SessionOpen, ev.Kind)
	ev = p.serverRec.event(t)
	require.Equal(t, SessionOpen, ev.Kind)
	return p
}

func (p *registryPair) shutdown() {
	_ = p.client.Shutdown()
	_ = p.server.Shutdown()
}

var echoProtocols = map[ProtocolID]string{1: "1.0"}

func TestRegistry_SessionLifecycle(t *testing.T) {
	p := makeRegistryPair(t, Config{}, Config{})
	defer p.shutdown()

	assert.EqualValues(t, 1, p.clientSession.ID)
	assert.True(t, p.clientSession.Client)
	assert.False(t, p.serverSession.Client)
	assert.Equal(t, 1, p.client.NumSessions())

	require.NoError(t, p.client.Disconnect(p.clientSession.ID))
	ev := p.clientRec.event(t)
	assert.Equal(t, SessionClose, ev.Kind)
	assert.Equal(t, p.clientSession, ev.Session)

	ev = p.serverRec.event(t)
	assert.Equal(t, SessionClose, ev.Kind)
	p.clientRec.noErrors(t)
	p.serverRec.noErrors(t)

	assert.Equal(t, 0, p.client.NumSessions())
	assert.Equal(t, ErrNoSession, p.client.Disconnect(p.clientSession.ID))
	_, err := p.client.Control(p.clientSession.ID)
	assert.Equal(t, ErrNoSession, err)
}

func TestRegistry_ProtocolMessages(t *testing.T) {
	config := Config{Protocols: echoProtocols}
	p := makeRegistryPair(t, config, config)
	defer p.shutdown()

	require.NoError(t, p.client.OpenProtocol(p.clientSession.ID, 1))
	for _, rec := range []*recorder{p.clientRec, p.serverRec} {
		ev := rec.protocolEvent(t)
		assert.Equal(t, Connected, ev.Kind)
		assert.EqualValues(t, 1, ev.Proto)
		assert.Equal(t, "1.0", ev.Version)
	}
	assert.Equal(t, ErrProtocolOpen, p.client.OpenProtocol(p.clientSession.ID, 1))

	require.NoError(t, p.client.SendMessage(TargetSingle(p.clientSession.ID), 1, High, []byte("hello")))
	ev := p.serverRec.protocolEvent(t)
	assert.Equal(t, Received, ev.Kind)
	assert.Equal(t, "hello", string(ev.Data))
	assert.Equal(t, p.serverSession, ev.Session)

	require.NoError(t, p.server.SendMessage(TargetAll(), 1, Normal, []byte("world")))
	ev = p.clientRec.protocolEvent(t)
	assert.Equal(t, Received, ev.Kind)
	assert.Equal(t, "world", string(ev.Data))

	require.NoError(t, p.client.CloseProtocol(p.clientSession.ID, 1))
	assert.Equal(t, Disconnected, p.clientRec.protocolEvent(t).Kind)
	assert.Equal(t, Disconnected, p.serverRec.protocolEvent(t).Kind)
	p.clientRec.noErrors(t)
	p.serverRec.noErrors(t)

	err := p.client.SendMessage(TargetSingle(p.clientSession.ID), 1, Normal, []byte("gone"))
	assert.True(t, errors.Is(err, ErrProtocolClosed))
}

func TestRegistry_OpenProtocolErrors(t *testing.T) {
	config := Config{Protocols: echoProtocols}
	p := makeRegistryPair(t, config, config)
	defer p.shutdown()

	assert.Equal(t, ErrUnknownProtocol, p.client.OpenProtocol(p.clientSession.ID, 2))
	assert.Equal(t, ErrNoSession, p.client.OpenProtocol(42, 1))
	assert.Equal(t, ErrProtocolClosed, p.client.CloseProtocol(p.clientSession.ID, 1))
}

func TestRegistry_UnsupportedProtocol(t *testing.T) {
	p := makeRegistryPair(t, Config{Protocols: map[ProtocolID]string{2: "1.0"}}, Config{Protocols: echoProtocols})
	defer p.shutdown()

	require.NoError(t, p.client.OpenProtocol(p.clientSession.ID, 2))
	e := p.serverRec.err(t)
	assert.Equal(t, ProtocolSelectError, e.Kind)
	assert.True(t, errors.Is(e, ErrUnknownProtocol))

	// the server resets the stream, which ends the protocol on our side
	assert.Equal(t, Connected, p.clientRec.protocolEvent(t).Kind)
	assert.Equal(t, Disconnected, p.clientRec.protocolEvent(t).Kind)
}

func TestRegistry_SendMessageErrors(t *testing.T) {
	config := Config{Protocols: echoProtocols}
	p := makeRegistryPair(t, config, config)
	defer p.shutdown()

	err := p.client.SendMessage(TargetMulti(p.clientSession.ID, 999), 1, Normal, []byte("x"))
	assert.True(t, errors.Is(err, ErrNoSession))
	assert.True(t, errors.Is(err, ErrProtocolClosed))

	// broadcasts skip sessions without the protocol
	assert.NoError(t, p.client.SendMessage(TargetAll(), 1, Normal, []byte("x")))
}

type panickingHandler struct {
	*recorder
}

func (h panickingHandler) HandleProtocol(ev ProtocolEvent) {
	if ev.Kind == Received {
		panic("can't handle this")
	}
	h.recorder.HandleProtocol(ev)
}

func TestRegistry_HandlerPanic(t *testing.T) {
	serverRec := newRecorder()
	client := NewRegistry(Config{Protocols: echoProtocols}, nil)
	server := NewRegistry(Config{Protocols: echoProtocols}, panickingHandler{serverRec})
	defer client.Shutdown()
	defer server.Shutdown()

	c, s := connutil.AsyncPipe()
	clientSession, err := client.AddSession(c, true)
	require.NoError(t, err)
	_, err = server.AddSession(s, false)
	require.NoError(t, err)

	require.NoError(t, client.OpenProtocol(clientSession.ID, 1))
	assert.Equal(t, Connected, serverRec.protocolEvent(t).Kind)
	require.NoError(t, client.SendMessage(TargetAll(), 1, Normal, []byte("boom")))

	e := serverRec.err(t)
	assert.Equal(t, ProtocolHandleError, e.Kind)
	assert.EqualValues(t, 1, e.Proto)
}

func TestRegistry_StreamHandler(t *testing.T) {
	echo := func(_ *SessionContext, stream *mux.Stream) {
		_, _ = io.Copy(stream, stream)
		_ = stream.Close()
	}
	p := makeRegistryPair(t, Config{}, Config{StreamHandler: echo})
	defer p.shutdown()

	control, err := p.client.Control(p.clientSession.ID)
	require.NoError(t, err)
	stream, err := control.OpenStream()
	require.NoError(t, err)
	_, err = stream.Write([]byte("echo"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(stream, buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(buf))

	infos := p.client.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].Streams)
	assert.True(t, infos[0].Tx > 0)
	assert.True(t, infos[0].Rx > 0)
}

func TestRegistry_ListenAndDial(t *testing.T) {
	serverRec := newRecorder()
	server := NewRegistry(Config{}, serverRec)
	client := NewRegistry(Config{}, nil)
	defer client.Shutdown()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listenErr := make(chan error, 1)
	go func() { listenErr <- server.Listen(l) }()
	ev := serverRec.event(t)
	assert.Equal(t, ListenStarted, ev.Kind)
	assert.Equal(t, l.Addr(), ev.Address)

	_, err = client.Dial(context.Background(), DialTCP, l.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, serverRec.event(t).Kind)

	require.NoError(t, server.Shutdown())
	kinds := map[ServiceEventKind]bool{}
	for i := 0; i < 2; i++ {
		kinds[serverRec.event(t).Kind] = true
	}
	assert.True(t, kinds[ListenClose])
	assert.True(t, kinds[SessionClose])
	select {
	case err := <-listenErr:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Listen didn't return")
	}
}

func TestRegistry_DialError(t *testing.T) {
	rec := newRecorder()
	r := NewRegistry(Config{}, rec)
	defer r.Shutdown()

	refused := errors.New("refused")
	_, err := r.Dial(context.Background(), func(context.Context, string) (net.Conn, error) {
		return nil, refused
	}, "example.com:443")
	assert.Equal(t, refused, err)

	e := rec.err(t)
	assert.Equal(t, DialerError, e.Kind)
	assert.Equal(t, "example.com:443", e.Address)
	assert.True(t, errors.Is(e, refused))
}

func TestRegistry_MuxerError(t *testing.T) {
	rec := newRecorder()
	r := NewRegistry(Config{}, rec)
	defer r.Shutdown()

	local, remote := connutil.AsyncPipe()
	ctx, err := r.AddSession(local, false)
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, rec.event(t).Kind)

	_, err = remote.Write([]byte{0xff, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	e := rec.err(t)
	assert.Equal(t, MuxerError, e.Kind)
	assert.Equal(t, ctx, e.Session)
	var protoErr *mux.ProtocolError
	assert.True(t, errors.As(e, &protoErr))
	assert.Equal(t, SessionClose, rec.event(t).Kind)
}

func TestRegistry_Notify(t *testing.T) {
	rec := newRecorder()
	r := NewRegistry(Config{}, rec)
	defer r.Shutdown()

	require.NoError(t, r.SetProtocolNotify(3, 10*time.Millisecond, 42))
	ev := rec.protocolEvent(t)
	assert.Equal(t, Notify, ev.Kind)
	assert.EqualValues(t, 3, ev.Proto)
	assert.EqualValues(t, 42, ev.Token)

	r.RemoveProtocolNotify(3, 42)
	time.Sleep(30 * time.Millisecond)
	for len(rec.protocol) > 0 {
		<-rec.protocol
	}
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, len(rec.protocol))
}

func TestRegistry_Shutdown(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	ran := make(chan struct{})
	require.NoError(t, r.Spawn(func() { close(ran) }))
	require.NoError(t, r.Shutdown())
	assert.NoError(t, r.Shutdown())

	select {
	case <-ran:
	default:
		t.Error("Shutdown should wait for spawned tasks")
	}
	assert.Equal(t, ErrServiceShutdown, r.Spawn(func() {}))
	c, _ := connutil.AsyncPipe()
	_, err := r.AddSession(c, true)
	assert.Equal(t, ErrServiceShutdown, err)
	assert.Equal(t, ErrServiceShutdown, r.SetProtocolNotify(1, time.Second, 1))
}

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mux "github.com/cbeuw/Shunt/internal/multiplex"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

var (
	ErrNoSession       = errors.New("no such session")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrProtocolOpen    = errors.New("protocol already open on this session")
	ErrProtocolClosed  = errors.New("protocol not open on this session")
)

// how long the remote has to name the protocol of a stream it opened
const protocolSelectTimeout = 10 * time.Second

type Config struct {
	// Session is the template for every session's config. Its Valve is ignored: each session gets its own,
	// limited to RxRate and TxRate.
	Session        mux.SessionConfig
	RxRate, TxRate int64

	// Protocols maps every protocol we speak to its version
	Protocols map[ProtocolID]string

	// Workers bounds the number of Tasks run at once
	Workers int

	// StreamHandler, if set, takes over every stream the remote opens. Otherwise streams are expected to start
	// with a protocol header.
	StreamHandler func(*SessionContext, *mux.Stream)
}

// Dialer makes the underlying connection of a new session
type Dialer func(ctx context.Context, address string) (net.Conn, error)

func DialTCP(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// Registry owns every session of the service. It hands out session ids, routes protocol messages to sessions and
// reports what happens to its Handler.
type Registry struct {
	Config
	handler Handler
	tasks   *TaskQueue

	nextID uint32

	sessionsM sync.RWMutex
	sessions  map[SessionID]*managedSession
	listeners map[net.Listener]struct{}
	closed    bool
	// one for each session whose SessionClose hasn't been emitted
	sessionsDone sync.WaitGroup

	notifiesM sync.Mutex
	notifies  map[notifyKey]chan struct{}
}

type managedSession struct {
	ctx  *SessionContext
	sesh *mux.Session

	protocolsM sync.Mutex
	protocols  map[ProtocolID]*protocolStream
	// protocol streams still being served
	serving sync.WaitGroup
	dead    bool
}

type notifyKey struct {
	proto ProtocolID
	token uint64
}

// SessionInfo is a snapshot of a session
type SessionInfo struct {
	*SessionContext
	Streams int
	Rx      int64
	Tx      int64
}

func NewRegistry(config Config, handler Handler) *Registry {
	if handler == nil {
		handler = BaseHandler{}
	}
	if config.Protocols == nil {
		config.Protocols = map[ProtocolID]string{}
	}
	return &Registry{
		Config:    config,
		handler:   handler,
		tasks:     NewTaskQueue(config.Workers),
		sessions:  make(map[SessionID]*managedSession),
		listeners: make(map[net.Listener]struct{}),
		notifies:  make(map[notifyKey]chan struct{}),
	}
}

// AddSession starts multiplexing over conn. client decides which half of the stream id space we use, and should be
// true if we dialed the remote.
func (r *Registry) AddSession(conn net.Conn, client bool) (*SessionContext, error) {
	id := SessionID(atomic.AddUint32(&r.nextID, 1))
	config := r.Session
	config.Valve = mux.MakeValve(r.RxRate, r.TxRate)
	ctx := &SessionContext{
		ID:         id,
		RemoteAddr: conn.RemoteAddr(),
		Client:     client,
		Valve:      config.Valve,
	}

	r.sessionsM.Lock()
	if r.closed {
		r.sessionsM.Unlock()
		_ = conn.Close()
		return nil, ErrServiceShutdown
	}
	ms := &managedSession{
		ctx:       ctx,
		sesh:      mux.MakeSession(uint32(id), conn, client, config),
		protocols: make(map[ProtocolID]*protocolStream),
	}
	r.sessions[id] = ms
	r.sessionsDone.Add(1)
	r.sessionsM.Unlock()

	log.WithFields(log.Fields{
		"sessionID":  id,
		"remoteAddr": ctx.RemoteAddr,
		"client":     client,
	}).Info("session opened")
	r.emitEvent(ServiceEvent{Kind: SessionOpen, Session: ctx})
	go r.acceptStreams(ms)
	go r.watch(ms)
	return ctx, nil
}

func (r *Registry) watch(ms *managedSession) {
	defer r.sessionsDone.Done()
	<-ms.sesh.CloseChan()

	r.sessionsM.Lock()
	delete(r.sessions, ms.ctx.ID)
	r.sessionsM.Unlock()

	ms.protocolsM.Lock()
	ms.dead = true
	ms.protocolsM.Unlock()
	ms.serving.Wait()

	if err := ms.sesh.TerminalErr(); err != nil {
		r.emitError(ServiceError{Kind: MuxerError, Session: ms.ctx, Err: err})
	}
	log.WithField("sessionID", ms.ctx.ID).Info("session closed")
	r.emitEvent(ServiceEvent{Kind: SessionClose, Session: ms.ctx})
}

func (r *Registry) acceptStreams(ms *managedSession) {
	for {
		stream, err := ms.sesh.AcceptStream()
		if err != nil {
			return
		}
		if r.StreamHandler != nil {
			go r.StreamHandler(ms.ctx, stream)
			continue
		}
		go r.selectProtocol(ms, stream)
	}
}

func (r *Registry) selectProtocol(ms *managedSession, stream *mux.Stream) {
	_ = stream.SetReadDeadline(time.Now().Add(protocolSelectTimeout))
	proto, version, err := readHeader(stream)
	if err != nil {
		_ = stream.Reset()
		r.emitError(ServiceError{Kind: ProtocolSelectError, Session: ms.ctx, Err: err})
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if supported, ok := r.Protocols[proto]; !ok || supported != version {
		_ = stream.Reset()
		r.emitError(ServiceError{
			Kind:    ProtocolSelectError,
			Session: ms.ctx,
			Proto:   proto,
			Err:     fmt.Errorf("%w: %v version %q", ErrUnknownProtocol, proto, version),
		})
		return
	}
	ps := &protocolStream{proto: proto, version: version, stream: stream}
	if err := ms.register(ps); err != nil {
		_ = stream.Reset()
		r.emitError(ServiceError{Kind: ProtocolSelectError, Session: ms.ctx, Proto: proto, Err: err})
		return
	}
	r.serveProtocol(ms, ps)
}

func (ms *managedSession) register(ps *protocolStream) error {
	ms.protocolsM.Lock()
	defer ms.protocolsM.Unlock()
	if ms.dead {
		return mux.ErrSessionShutdown
	}
	if _, ok := ms.protocols[ps.proto]; ok {
		return ErrProtocolOpen
	}
	ms.protocols[ps.proto] = ps
	ms.serving.Add(1)
	return nil
}

func (ms *managedSession) unregister(ps *protocolStream) {
	ms.protocolsM.Lock()
	if ms.protocols[ps.proto] == ps {
		delete(ms.protocols, ps.proto)
	}
	ms.protocolsM.Unlock()
}

func (ms *managedSession) protocol(proto ProtocolID) *protocolStream {
	ms.protocolsM.Lock()
	defer ms.protocolsM.Unlock()
	return ms.protocols[proto]
}

// endedNormally tells a protocol stream that was closed by either side from one that broke
func endedNormally(err error) bool {
	return err == io.EOF ||
		errors.Is(err, mux.ErrStreamClosed) ||
		errors.Is(err, mux.ErrStreamReset) ||
		errors.Is(err, mux.ErrSessionShutdown)
}

// serveProtocol delivers the messages of a registered protocol stream until it ends
func (r *Registry) serveProtocol(ms *managedSession, ps *protocolStream) {
	defer ms.serving.Done()
	log.WithFields(log.Fields{
		"sessionID": ms.ctx.ID,
		"proto":     ps.proto,
		"version":   ps.version,
	}).Debug("protocol connected")
	r.emitProtocol(ProtocolEvent{Kind: Connected, Session: ms.ctx, Proto: ps.proto, Version: ps.version})
	for {
		data, err := readMessage(ps.stream)
		if err != nil {
			ms.unregister(ps)
			if endedNormally(err) {
				_ = ps.stream.Close()
			} else {
				_ = ps.stream.Reset()
				r.emitError(ServiceError{Kind: ProtocolError, Session: ms.ctx, Proto: ps.proto, Err: err})
			}
			r.emitProtocol(ProtocolEvent{Kind: Disconnected, Session: ms.ctx, Proto: ps.proto})
			return
		}
		r.emitProtocol(ProtocolEvent{Kind: Received, Session: ms.ctx, Proto: ps.proto, Data: data})
	}
}

func (r *Registry) lookup(id SessionID) (*managedSession, error) {
	r.sessionsM.RLock()
	defer r.sessionsM.RUnlock()
	ms, ok := r.sessions[id]
	if !ok {
		return nil, ErrNoSession
	}
	return ms, nil
}

// OpenProtocol opens a stream to the remote of session id speaking proto
func (r *Registry) OpenProtocol(id SessionID, proto ProtocolID) error {
	version, ok := r.Protocols[proto]
	if !ok {
		return ErrUnknownProtocol
	}
	ms, err := r.lookup(id)
	if err != nil {
		return err
	}
	if ms.protocol(proto) != nil {
		return ErrProtocolOpen
	}
	stream, err := ms.sesh.Control().OpenStream()
	if err != nil {
		return err
	}
	if err := writeHeader(stream, proto, version); err != nil {
		_ = stream.Reset()
		return err
	}
	ps := &protocolStream{proto: proto, version: version, stream: stream}
	if err := ms.register(ps); err != nil {
		_ = stream.Reset()
		return err
	}
	go r.serveProtocol(ms, ps)
	return nil
}

// CloseProtocol gracefully closes proto on session id. Disconnected is emitted once it's done.
func (r *Registry) CloseProtocol(id SessionID, proto ProtocolID) error {
	ms, err := r.lookup(id)
	if err != nil {
		return err
	}
	ps := ms.protocol(proto)
	if ps == nil {
		return ErrProtocolClosed
	}
	return ps.stream.Close()
}

// SendMessage sends data to every targeted session that has proto open. Sessions explicitly targeted but
// missing, or without proto open, are reported in the returned error; the rest still get the message.
func (r *Registry) SendMessage(target TargetSession, proto ProtocolID, priority Priority, data []byte) error {
	var errs error
	var targets []*managedSession
	r.sessionsM.RLock()
	if target.all {
		for _, ms := range r.sessions {
			targets = append(targets, ms)
		}
	} else {
		for id := range target.ids {
			if ms, ok := r.sessions[id]; ok {
				targets = append(targets, ms)
			} else {
				errs = multierr.Append(errs, fmt.Errorf("session %v: %w", id, ErrNoSession))
			}
		}
	}
	r.sessionsM.RUnlock()

	for _, ms := range targets {
		ps := ms.protocol(proto)
		if ps == nil {
			if !target.all {
				errs = multierr.Append(errs, fmt.Errorf("session %v: %w", ms.ctx.ID, ErrProtocolClosed))
			}
			continue
		}
		if err := ps.send(priority, data); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %v: %w", ms.ctx.ID, err))
		}
	}
	return errs
}

// Disconnect shuts session id down and waits for it
func (r *Registry) Disconnect(id SessionID) error {
	ms, err := r.lookup(id)
	if err != nil {
		return err
	}
	ms.sesh.Control().Close()
	return nil
}

// Control returns the control handle of session id
func (r *Registry) Control(id SessionID) (mux.Control, error) {
	ms, err := r.lookup(id)
	if err != nil {
		return mux.Control{}, err
	}
	return ms.sesh.Control(), nil
}

// Sessions lists the live sessions ordered by id
func (r *Registry) Sessions() []SessionInfo {
	r.sessionsM.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, ms := range r.sessions {
		infos = append(infos, SessionInfo{
			SessionContext: ms.ctx,
			Streams:        ms.sesh.NumStreams(),
			Rx:             ms.ctx.Valve.GetRx(),
			Tx:             ms.ctx.Valve.GetTx(),
		})
	}
	r.sessionsM.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) NumSessions() int {
	r.sessionsM.RLock()
	defer r.sessionsM.RUnlock()
	return len(r.sessions)
}

func (r *Registry) isClosed() bool {
	r.sessionsM.RLock()
	defer r.sessionsM.RUnlock()
	return r.closed
}

// Listen accepts connections from l as server sessions until l is closed
func (r *Registry) Listen(l net.Listener) error {
	r.sessionsM.Lock()
	if r.closed {
		r.sessionsM.Unlock()
		_ = l.Close()
		return ErrServiceShutdown
	}
	r.listeners[l] = struct{}{}
	r.sessionsM.Unlock()
	defer func() {
		r.sessionsM.Lock()
		delete(r.listeners, l)
		r.sessionsM.Unlock()
	}()

	addr := l.Addr()
	log.Infof("listening on %v", addr)
	r.emitEvent(ServiceEvent{Kind: ListenStarted, Address: addr})
	defer r.emitEvent(ServiceEvent{Kind: ListenClose, Address: addr})
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || r.isClosed() {
				return nil
			}
			r.emitError(ServiceError{Kind: ListenError, Address: addr.String(), Err: err})
			return err
		}
		if _, err := r.AddSession(conn, false); err != nil {
			return nil
		}
	}
}

// Dial makes a client session to address
func (r *Registry) Dial(ctx context.Context, dial Dialer, address string) (*SessionContext, error) {
	conn, err := dial(ctx, address)
	if err != nil {
		r.emitError(ServiceError{Kind: DialerError, Address: address, Err: err})
		return nil, err
	}
	return r.AddSession(conn, true)
}

// Spawn runs task on the service's TaskQueue
func (r *Registry) Spawn(task Task) error {
	return r.tasks.Submit(task)
}

// SetProtocolNotify fires a Notify event for proto carrying token every interval, replacing any timer already set
// with the same proto and token
func (r *Registry) SetProtocolNotify(proto ProtocolID, interval time.Duration, token uint64) error {
	if r.isClosed() {
		return ErrServiceShutdown
	}
	key := notifyKey{proto: proto, token: token}
	stop := make(chan struct{})
	r.notifiesM.Lock()
	if old, ok := r.notifies[key]; ok {
		close(old)
	}
	r.notifies[key] = stop
	r.notifiesM.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.emitProtocol(ProtocolEvent{Kind: Notify, Proto: proto, Token: token})
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func (r *Registry) RemoveProtocolNotify(proto ProtocolID, token uint64) {
	key := notifyKey{proto: proto, token: token}
	r.notifiesM.Lock()
	if stop, ok := r.notifies[key]; ok {
		close(stop)
		delete(r.notifies, key)
	}
	r.notifiesM.Unlock()
}

// Shutdown stops listening, closes every session and waits for queued Tasks. Calling it again does nothing.
func (r *Registry) Shutdown() error {
	r.sessionsM.Lock()
	if r.closed {
		r.sessionsM.Unlock()
		return nil
	}
	r.closed = true
	listeners := make([]net.Listener, 0, len(r.listeners))
	for l := range r.listeners {
		listeners = append(listeners, l)
	}
	sessions := make([]*managedSession, 0, len(r.sessions))
	for _, ms := range r.sessions {
		sessions = append(sessions, ms)
	}
	r.sessionsM.Unlock()

	var errs error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}

	var wg sync.WaitGroup
	for _, ms := range sessions {
		wg.Add(1)
		go func(ms *managedSession) {
			defer wg.Done()
			ms.sesh.Control().Close()
		}(ms)
	}
	wg.Wait()
	r.sessionsDone.Wait()

	r.notifiesM.Lock()
	for key, stop := range r.notifies {
		close(stop)
		delete(r.notifies, key)
	}
	r.notifiesM.Unlock()

	r.tasks.Close()
	log.Debug("service shut down")
	return errs
}

func (r *Registry) recoverHandler(what string) {
	if p := recover(); p != nil {
		log.Errorf("handler panicked on %v: %v", what, p)
	}
}

func (r *Registry) emitEvent(ev ServiceEvent) {
	defer r.recoverHandler(ev.Kind.String())
	r.handler.HandleEvent(ev)
}

func (r *Registry) emitError(e ServiceError) {
	log.Debug(e)
	defer r.recoverHandler(e.Kind.String())
	r.handler.HandleError(e)
}

func (r *Registry) emitProtocol(ev ProtocolEvent) {
	defer func() {
		if p := recover(); p != nil {
			r.emitError(ServiceError{
				Kind:    ProtocolHandleError,
				Session: ev.Session,
				Proto:   ev.Proto,
				Err:     fmt.Errorf("handling %v: %v", ev.Kind, p),
			})
		}
	}()
	r.handler.HandleProtocol(ev)
}

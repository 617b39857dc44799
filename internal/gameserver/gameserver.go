package gameserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/blukai/craftparty/internal/frame"
	"github.com/blukai/craftparty/internal/protocol"
	"github.com/blukai/craftparty/internal/unbounded"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const (
	// DefaultPingInterval and DefaultMaxPingTimeout are expressed in
	// clock ticks (seconds with the default clock). A session whose last
	// pong is older than the sum of the two is evicted.
	DefaultPingInterval   = 15
	DefaultMaxPingTimeout = 10

	DefaultTickInterval = time.Second
)

// Broadcast as an Outgoing target sends to every live session. The zero id
// is never assigned to a connection (the first one gets 1).
const Broadcast protocol.UserID = 0

type DisconnectReason uint8

const (
	_ DisconnectReason = iota
	ReasonClosed
	ReasonMalformed
	ReasonTimeout
	ReasonKicked
	ReasonDuplicateLogin
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonClosed:
		return "closed"
	case ReasonMalformed:
		return "malformed"
	case ReasonTimeout:
		return "timed out"
	case ReasonKicked:
		return "kicked"
	case ReasonDuplicateLogin:
		return "duplicate login"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

type EventKind uint8

const (
	_ EventKind = iota
	EventConnected
	EventDisconnected
)

// Event is a connection lifecycle notification for the layer above.
type Event struct {
	Kind   EventKind
	User   protocol.UserID
	Reason DisconnectReason // only set for EventDisconnected
}

// Outgoing is a message submitted by the layer above, addressed to one
// session or to Broadcast.
type Outgoing struct {
	Msg protocol.Message
	To  protocol.UserID
}

type Config struct {
	PingInterval   uint64
	MaxPingTimeout uint64
	TickInterval   time.Duration
	// Clock returns a monotonically increasing tick count used for ping
	// codes and eviction; defaults to seconds since server start. Tests
	// inject their own.
	Clock func() uint64
}

func (cfg Config) withDefaults() Config {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxPingTimeout == 0 {
		cfg.MaxPingTimeout = DefaultMaxPingTimeout
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Clock == nil {
		start := time.Now()
		cfg.Clock = func() uint64 {
			return uint64(time.Since(start) / time.Second)
		}
	}
	return cfg
}

type session struct {
	id    protocol.UserID
	conn  net.Conn
	sendQ *unbounded.Chan[protocol.Message]

	username    string
	identityKey uint64
	authorized  bool

	lastPingSent uint64
	lastPongRecv uint64
	pingInFlight bool

	disconnectRequested bool
	disconnectReason    DisconnectReason
}

type readResult struct {
	id  protocol.UserID
	msg protocol.Message
	err error
}

type writeResult struct {
	id  protocol.UserID
	err error
}

type commandKind uint8

const (
	_ commandKind = iota
	cmdAuthorize
	cmdKick
)

type command struct {
	kind commandKind
	id   protocol.UserID
}

// GameServer accepts connections and owns every session. All session state,
// the session table and the connection counter are touched exclusively by
// the run loop goroutine; the acceptor and the per-connection reader and
// writer goroutines only pass messages to it over channels, so none of it
// needs locking — and the run loop itself never touches a socket, so one
// stalled peer cannot hold up anyone else.
type GameServer struct {
	listener net.Listener
	logger   *log.Logger
	cfg      Config

	// owned by the run loop
	sessions         map[protocol.UserID]*session
	totalConnections uint64

	acceptCh chan net.Conn
	readCh   chan readResult
	writeCh  chan writeResult
	cmdCh    chan command
	stopCh   chan struct{}

	packets  *unbounded.Chan[protocol.Envelope]
	events   *unbounded.Chan[Event]
	outgoing *unbounded.Chan[Outgoing]
}

func NewGameServer(network, address string, cfg *Config, logger *log.Logger) (*GameServer, error) {
	listener, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not listen %s: %w", network, err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	if cfg == nil {
		cfg = &Config{}
	}

	gs := &GameServer{
		listener: listener,
		logger:   logger,
		cfg:      cfg.withDefaults(),

		sessions: make(map[protocol.UserID]*session),

		acceptCh: make(chan net.Conn),
		readCh:   make(chan readResult),
		writeCh:  make(chan writeResult),
		cmdCh:    make(chan command),
		stopCh:   make(chan struct{}),

		packets:  unbounded.New[protocol.Envelope](),
		events:   unbounded.New[Event](),
		outgoing: unbounded.New[Outgoing](),
	}

	return gs, nil
}

// Addr can be useful to retreive server's address when GameServer was
// constructed with ":0".
func (gs *GameServer) Addr() net.Addr {
	return gs.listener.Addr()
}

// Packets delivers decoded inbound messages paired with their origin.
// Consumers drain it on their own tick; the run loop never waits for them.
func (gs *GameServer) Packets() <-chan protocol.Envelope {
	return gs.packets.Out()
}

// Events delivers connection lifecycle notifications.
func (gs *GameServer) Events() <-chan Event {
	return gs.events.Out()
}

// Send enqueues msg for one session (or Broadcast). It never blocks and
// never fails synchronously; a dead target surfaces later as a lifecycle
// event, an unknown one is dropped.
func (gs *GameServer) Send(to protocol.UserID, msg protocol.Message) {
	gs.outgoing.Push(Outgoing{Msg: msg, To: to})
}

// Authorize marks the session as authorized. Called by the layer above once
// it accepts the session's authenticate request; the transport itself does
// not gate messages on it.
func (gs *GameServer) Authorize(id protocol.UserID) {
	gs.pushCommand(command{kind: cmdAuthorize, id: id})
}

// Kick flags the session for disconnection.
func (gs *GameServer) Kick(id protocol.UserID) {
	gs.pushCommand(command{kind: cmdKick, id: id})
}

func (gs *GameServer) pushCommand(cmd command) {
	select {
	case gs.cmdCh <- cmd:
	case <-gs.stopCh:
	}
}

func (gs *GameServer) Run(ctx context.Context) error {
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		gs.runAcceptor(ctx)
	}()

	ticker := time.NewTicker(gs.cfg.TickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case conn := <-gs.acceptCh:
			gs.handleAccept(conn)
		case rr := <-gs.readCh:
			gs.handleRead(rr)
		case wr := <-gs.writeCh:
			gs.handleWriteError(wr)
		case out := <-gs.outgoing.Out():
			gs.handleOutgoing(out)
		case cmd := <-gs.cmdCh:
			gs.handleCommand(cmd)
		case <-ticker.C:
			// flagged sessions leave the table and lose their socket
			// together, before anything else happens this tick
			gs.sweepDisconnected()
			gs.tickKeepalive()
		}
	}

	close(gs.stopCh)

	var errs error
	if err := gs.listener.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("could not close listener: %w", err))
	}
	for id, sess := range gs.sessions {
		sess.sendQ.Close()
		if err := sess.conn.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not close uid %d: %w", id, err))
		}
	}
	gs.packets.Close()
	gs.events.Close()
	gs.outgoing.Close()

	wg.Wait()
	return errs
}

func (gs *GameServer) runAcceptor(ctx context.Context) {
	for {
		conn, err := gs.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			gs.logger.Error().Msgf("could not accept: %v", err)
			continue
		}

		select {
		case gs.acceptCh <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (gs *GameServer) handleAccept(conn net.Conn) {
	gs.totalConnections++
	id := protocol.UserID(gs.totalConnections)

	now := gs.cfg.Clock()
	sess := &session{
		id:    id,
		conn:  conn,
		sendQ: unbounded.New[protocol.Message](),

		lastPingSent: now,
		lastPongRecv: now,
	}
	gs.sessions[id] = sess

	go gs.runReader(id, conn)
	go gs.runWriter(id, conn, sess.sendQ)

	gs.logger.Info().Msgf("connection from %s given uid %d", conn.RemoteAddr(), id)
	gs.events.Push(Event{Kind: EventConnected, User: id})
}

// runReader drains complete frames off one socket and hands the decoded
// messages to the run loop. The first failure of any stage ends the
// session's read side for good.
func (gs *GameServer) runReader(id protocol.UserID, conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		payload, err := frame.Read(reader)
		if err != nil {
			gs.pushRead(readResult{id: id, err: err})
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			gs.pushRead(readResult{id: id, err: err})
			return
		}

		if !gs.pushRead(readResult{id: id, msg: msg}) {
			return
		}
	}
}

func (gs *GameServer) pushRead(rr readResult) bool {
	select {
	case gs.readCh <- rr:
		return true
	case <-gs.stopCh:
		return false
	}
}

// runWriter drains the session's send queue onto its socket, one flushed
// frame per message. Writes happen here and nowhere else, so a peer that
// stops reading only wedges its own writer; the run loop keeps going and
// the stuck goroutine is released when the sweep closes the socket.
func (gs *GameServer) runWriter(id protocol.UserID, conn net.Conn, sendQ *unbounded.Chan[protocol.Message]) {
	writer := bufio.NewWriter(conn)
	for msg := range sendQ.Out() {
		if err := frame.Write(writer, protocol.Encode(msg)); err != nil {
			gs.pushWrite(writeResult{id: id, err: err})
			return
		}
		if err := writer.Flush(); err != nil {
			gs.pushWrite(writeResult{id: id, err: fmt.Errorf("could not flush: %w", err)})
			return
		}
	}
}

func (gs *GameServer) pushWrite(wr writeResult) {
	select {
	case gs.writeCh <- wr:
	case <-gs.stopCh:
	}
}

func (gs *GameServer) handleWriteError(wr writeResult) {
	sess, ok := gs.sessions[wr.id]
	if !ok || sess.disconnectRequested {
		// the writer failing after the sweep already took the session out
		return
	}

	gs.logger.Warn().Msgf("could not write to uid %d: %v", wr.id, wr.err)
	gs.flagDisconnect(sess, ReasonClosed)
}

func (gs *GameServer) handleRead(rr readResult) {
	sess, ok := gs.sessions[rr.id]
	if !ok || sess.disconnectRequested {
		// late result for a session that is gone (e.g. a pong racing
		// the sweep); drop it
		return
	}

	if rr.err != nil {
		switch {
		case errors.Is(rr.err, protocol.ErrMalformedPayload):
			// a peer sending garbage is assumed to be gone, not retried
			gs.logger.Warn().Msgf("uid %d sent garbage: %v", rr.id, rr.err)
			gs.flagDisconnect(sess, ReasonMalformed)
		case errors.Is(rr.err, frame.ErrConnectionClosed):
			gs.flagDisconnect(sess, ReasonClosed)
		default:
			gs.logger.Warn().Msgf("could not read from uid %d: %v", rr.id, rr.err)
			gs.flagDisconnect(sess, ReasonClosed)
		}
		return
	}

	gs.logger.Debug().Any("msg", rr.msg).Msgf("recv %s from uid %d", rr.msg.Kind(), rr.id)

	switch msg := rr.msg.(type) {
	case *protocol.Pong:
		// keepalive bookkeeping only; collaborators never see pongs
		sess.lastPongRecv = msg.Code
		sess.pingInFlight = false
	case *protocol.AuthenticateRequest:
		gs.handleAuthenticateRequest(sess, msg)
	default:
		gs.packets.Push(protocol.Envelope{Msg: rr.msg, From: rr.id})
	}
}

func (gs *GameServer) handleAuthenticateRequest(sess *session, req *protocol.AuthenticateRequest) {
	key := xxhash.Sum64String(req.Username)
	for _, other := range gs.sessions {
		if other == sess || other.disconnectRequested || other.username == "" {
			continue
		}
		if other.identityKey == key {
			gs.logger.Warn().Msgf(
				"uid %d: duplicate login for %q (connected as uid %d)",
				sess.id, req.Username, other.id,
			)
			gs.flagDisconnect(sess, ReasonDuplicateLogin)
			return
		}
	}

	sess.username = req.Username
	sess.identityKey = key
	gs.packets.Push(protocol.Envelope{Msg: req, From: sess.id})
}

func (gs *GameServer) handleOutgoing(out Outgoing) {
	if out.To == Broadcast {
		for _, sess := range gs.sessions {
			if sess.disconnectRequested {
				continue
			}
			gs.sendMessage(sess, out.Msg)
		}
		return
	}

	sess, ok := gs.sessions[out.To]
	if !ok || sess.disconnectRequested {
		gs.logger.Debug().Msgf("dropping %s for unknown uid %d", out.Msg.Kind(), out.To)
		return
	}
	gs.sendMessage(sess, out.Msg)
}

// sendMessage hands one frame to the session's writer goroutine. The queue
// is unbounded, so this never blocks; a write failure comes back through
// writeCh and flags the session there.
func (gs *GameServer) sendMessage(sess *session, msg protocol.Message) {
	sess.sendQ.Push(msg)
}

func (gs *GameServer) handleCommand(cmd command) {
	sess, ok := gs.sessions[cmd.id]
	if !ok {
		gs.logger.Debug().Msgf("command %d for unknown uid %d", cmd.kind, cmd.id)
		return
	}

	switch cmd.kind {
	case cmdAuthorize:
		sess.authorized = true
		gs.logger.Info().Msgf("uid %d authorized as %q", sess.id, sess.username)
	case cmdKick:
		gs.flagDisconnect(sess, ReasonKicked)
	}
}

func (gs *GameServer) flagDisconnect(sess *session, reason DisconnectReason) {
	if sess.disconnectRequested {
		return
	}
	sess.disconnectRequested = true
	sess.disconnectReason = reason
}

func (gs *GameServer) sweepDisconnected() {
	for id, sess := range gs.sessions {
		if !sess.disconnectRequested {
			continue
		}

		delete(gs.sessions, id)
		sess.sendQ.Close()
		_ = sess.conn.Close()

		gs.logger.Info().Msgf("disconnected uid %d: %s", id, sess.disconnectReason)
		gs.events.Push(Event{Kind: EventDisconnected, User: id, Reason: sess.disconnectReason})
	}
}

func (gs *GameServer) tickKeepalive() {
	now := gs.cfg.Clock()
	for _, sess := range gs.sessions {
		if sess.disconnectRequested {
			continue
		}

		// at most one ping is in flight per session; the next one goes
		// out only once the previous was answered or the session has
		// been evicted
		if !sess.pingInFlight && now-sess.lastPingSent >= gs.cfg.PingInterval {
			gs.sendMessage(sess, &protocol.Ping{Code: now})
			sess.lastPingSent = now
			sess.pingInFlight = true
		}

		if now-sess.lastPongRecv > gs.cfg.PingInterval+gs.cfg.MaxPingTimeout {
			gs.flagDisconnect(sess, ReasonTimeout)
		}
	}
}

package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicelink/internal/config"
	"voicelink/internal/state"
	"voicelink/internal/types"
	"voicelink/pkg/protocol"
)

const readBufSize = 4096

// Server owns the TCP accept loop, the idle sweep, and the registry. The
// HTTP API and websocket gateway share the same registry through the gin
// router built in api.go.
type Server struct {
	cfg     config.Config
	manager *state.Manager

	listener net.Listener
	wg       sync.WaitGroup
	done     chan struct{}

	relayed      atomic.Uint64
	droppedSends atomic.Uint64
	evicted      atomic.Uint64
}

func NewServer(cfg config.Config) *Server {
	return &Server{
		cfg:     cfg,
		manager: state.NewManager(),
		done:    make(chan struct{}),
	}
}

// Start binds the signaling listener and launches the accept and sweep
// workers.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = listener
	log.Printf("signaling server listening on %s", listener.Addr())

	s.wg.Add(2)
	go s.acceptLoop()
	go s.sweepLoop()
	return nil
}

// Stop closes the listener and every live connection, then waits for the
// workers to drain.
func (s *Server) Stop() {
	close(s.done)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, c := range s.manager.Conns() {
		s.teardown(c)
	}
	s.wg.Wait()
}

// Addr returns the bound signaling address, for tests that listen on :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		c := newTCPConn(s, conn)
		s.manager.AddConn(c)
		log.Printf("new connection %s from %s", c.ID(), conn.RemoteAddr())

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			c.writePump()
		}()
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// serveConn is the per-connection worker: blocking reads with a deadline,
// where a deadline expiry on an idle socket is a retry, not an error.
func (s *Server) serveConn(c *tcpConn) {
	defer s.teardown(c)

	var dec protocol.Decoder
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout)); err != nil {
			return
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			s.manager.Touch(c.ID())
			for _, msg := range dec.Feed(buf[:n]) {
				if stop := s.dispatch(c, msg); stop {
					return
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue // idle socket, keep waiting
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("read error on %s: %v", c.ID(), err)
			}
			return
		}
	}
}

// dispatch interprets one decoded message against the registry. The return
// value reports whether the connection should terminate (GOODBYE).
func (s *Server) dispatch(c state.Conn, msg *protocol.Message) bool {
	switch msg.Type {
	case protocol.TypeRegister:
		s.handleRegister(c, msg)
	case protocol.TypeCreateRoom:
		s.handleCreateRoom(c, msg)
	case protocol.TypeJoinRoom:
		s.handleJoinRoom(c, msg)
	case protocol.TypeLeaveRoom:
		if dep, left := s.manager.LeaveRoom(c.ID()); left {
			s.broadcastDeparture(dep)
		}
	case protocol.TypeAudioData:
		s.relayAudio(c, msg)
	case protocol.TypePing:
		s.reply(c, &protocol.Message{Type: protocol.TypePong})
	case protocol.TypeGoodbye:
		return true
	default:
		log.Printf("unknown message type %q from %s", msg.Type, c.ID())
	}
	return false
}

func (s *Server) handleRegister(c state.Conn, msg *protocol.Message) {
	err := s.manager.Register(c.ID(), msg.Username)
	switch {
	case err == nil:
		s.reply(c, &protocol.Message{Type: protocol.TypeRegisterSuccess})
		log.Printf("registered user %q on %s", msg.Username, c.ID())
	case errors.Is(err, state.ErrAlreadyRegistered):
		s.reply(c, &protocol.Message{Type: protocol.TypeRegisterFail, Text: "Already registered"})
	default:
		s.reply(c, &protocol.Message{Type: protocol.TypeRegisterFail, Text: protocol.TextUsernameTaken})
		log.Printf("registration failed for %q: %v", msg.Username, err)
	}
}

func (s *Server) handleCreateRoom(c state.Conn, msg *protocol.Message) {
	roomID, err := s.manager.CreateRoom(c.ID(), msg.Password)
	switch {
	case err == nil:
		s.reply(c, &protocol.Message{Type: protocol.TypeRoomCreated, RoomID: roomID})
		log.Printf("room %s created by %s", roomID, c.ID())
	case errors.Is(err, state.ErrAlreadyInRoom):
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: protocol.TextAlreadyInRoom})
	case errors.Is(err, state.ErrNotRegistered):
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: protocol.TextNotRegistered})
	default:
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: err.Error()})
	}
}

func (s *Server) handleJoinRoom(c state.Conn, msg *protocol.Message) {
	users, peers, err := s.manager.JoinRoom(c.ID(), msg.RoomID, msg.Password)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrRoomNotFound), errors.Is(err, state.ErrWrongPassword):
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: protocol.TextBadRoom})
		return
	case errors.Is(err, state.ErrAlreadyInRoom):
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: protocol.TextAlreadyInRoom})
		return
	case errors.Is(err, state.ErrNotRegistered):
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: protocol.TextNotRegistered})
		return
	default:
		s.reply(c, &protocol.Message{Type: protocol.TypeError, Text: err.Error()})
		return
	}

	session, _ := s.manager.Session(c.ID())
	s.reply(c, &protocol.Message{
		Type:   protocol.TypeJoinSuccess,
		RoomID: msg.RoomID,
		Users:  users,
	})
	s.broadcast(peers, &protocol.Message{
		Type:     protocol.TypeUserJoined,
		RoomID:   msg.RoomID,
		Username: session.Username,
		Users:    users,
	})
	log.Printf("%s joined room %s (%d users)", session.Username, msg.RoomID, len(users))
}

// relayAudio re-stamps the sender identity and fans the payload out to every
// other member of the sender's room. Audio loss is never protocol-fatal:
// frames from roomless senders are dropped with a warning, no reply.
func (s *Server) relayAudio(c state.Conn, msg *protocol.Message) {
	if msg.Data == "" {
		log.Printf("empty audio payload from %s, dropping", c.ID())
		return
	}
	username, peers, ok := s.manager.RoomPeers(c.ID())
	if !ok {
		log.Printf("audio from %s outside any room, dropping", c.ID())
		return
	}

	s.broadcast(peers, &protocol.Message{
		Type: protocol.TypeAudioData,
		From: username,
		Data: msg.Data,
	})
	s.relayed.Add(1)
}

// broadcast encodes once and enqueues to every recipient. A transport
// failure tears that recipient down without aborting delivery to the rest.
func (s *Server) broadcast(recipients []state.Conn, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("encode broadcast %s: %v", msg.Type, err)
		return
	}
	for _, c := range recipients {
		if err := c.Send(data); err != nil {
			if errors.Is(err, errSendBufferFull) {
				s.droppedSends.Add(1)
				continue
			}
			log.Printf("send to %s failed: %v", c.ID(), err)
			s.teardown(c)
		}
	}
}

func (s *Server) broadcastDeparture(dep state.Departure) {
	s.broadcast(dep.Remaining, &protocol.Message{
		Type:     protocol.TypeUserLeft,
		RoomID:   dep.RoomID,
		Username: dep.Username,
		Users:    dep.Users,
	})
}

func (s *Server) reply(c state.Conn, msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Printf("encode reply %s: %v", msg.Type, err)
		return
	}
	if err := c.Send(data); err != nil {
		if errors.Is(err, errSendBufferFull) {
			s.droppedSends.Add(1)
			return
		}
		s.teardown(c)
	}
}

// teardown is the single exit path for GOODBYE, transport errors, and
// timeout eviction: deregister, notify the room, close the transport.
// Idempotent.
func (s *Server) teardown(c state.Conn) {
	dep, left := s.manager.RemoveConn(c.ID())
	if left {
		s.broadcastDeparture(dep)
	}
	_ = c.Close()
}

// sweepLoop periodically evicts connections with no activity for longer than
// the idle timeout, through the same teardown path as a disconnect.
func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, c := range s.manager.IdleConns(s.cfg.IdleTimeout) {
				log.Printf("evicting idle connection %s", c.ID())
				s.evicted.Add(1)
				s.teardown(c)
			}
		}
	}
}

func (s *Server) stats() types.ServerStats {
	conns, sessions, rooms := s.manager.Counts()
	return types.ServerStats{
		Connections:    conns,
		Sessions:       sessions,
		Rooms:          rooms,
		RelayedFrames:  s.relayed.Load(),
		DroppedSends:   s.droppedSends.Load(),
		EvictedClients: s.evicted.Load(),
	}
}

var errSendBufferFull = errors.New("send buffer full")

// tcpConn adapts one accepted socket to the registry's Conn interface:
// buffered outbound queue drained by a write pump, so no registry operation
// ever blocks on a peer's socket.
type tcpConn struct {
	id     string
	conn   net.Conn
	srv    *Server
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newTCPConn(s *Server, conn net.Conn) *tcpConn {
	return &tcpConn{
		id:     uuid.New().String(),
		conn:   conn,
		srv:    s,
		send:   make(chan []byte, s.cfg.SendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *tcpConn) ID() string { return c.id }

// Send enqueues without blocking; a full buffer drops the message so one
// slow reader cannot stall the sender.
func (c *tcpConn) Send(p []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	select {
	case c.send <- p:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *tcpConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *tcpConn) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.srv.cfg.SocketTimeout)); err != nil {
				c.srv.teardown(c)
				return
			}
			if _, err := c.conn.Write(data); err != nil {
				log.Printf("write to %s failed: %v", c.id, err)
				c.srv.teardown(c)
				return
			}
		}
	}
}

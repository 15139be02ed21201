// Package client implements the VoiceLink TCP client: the register handshake,
// the signaling operations, a keep-alive loop, and orderly teardown.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/segmentio/ksuid"

	"voicelink/internal/audio"
	"voicelink/internal/history"
	"voicelink/pkg/protocol"
)

const (
	writeTimeout = 5 * time.Second
	readBufSize  = 4096
)

// ErrNotConnected is returned by operations attempted before Connect or
// after the connection went down.
var ErrNotConnected = errors.New("client not connected")

// AudioReceiver consumes decoded inbound PCM frames. When set, it takes the
// AUDIO_DATA path instead of EventHandler.OnAudio.
type AudioReceiver func(from string, pcm []byte)

// Client is one signaling connection. All exported methods are safe for
// concurrent use.
type Client struct {
	cfg     Config
	id      string // local correlation id, not sent to the server
	handler EventHandler

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	receiver  AudioReceiver

	// current call, guarded by mu
	room     string
	users    []string
	joinedAt time.Time

	writeMu sync.Mutex
	done    chan struct{}
	closed  sync.Once
	wg      sync.WaitGroup

	hist *history.Log
}

// New creates a client. The handler may be nil, in which case events are
// logged through DefaultEventHandler.
func New(cfg Config, handler EventHandler) (*Client, error) {
	if handler == nil {
		handler = &DefaultEventHandler{}
	}
	c := &Client{
		cfg:     cfg.withDefaults(),
		id:      ksuid.New().String(),
		handler: handler,
		done:    make(chan struct{}),
	}
	if cfg.HistoryPath != "" {
		l, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open call history: %w", err)
		}
		c.hist = l
	}
	return c, nil
}

// ID returns the client's local correlation id.
func (c *Client) ID() string { return c.id }

// IsConnected reports whether the signaling connection is up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Room returns the current room id, or "" outside a call.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Users returns the current room's user list snapshot.
func (c *Client) Users() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.users...)
}

// SetAudioReceiver routes inbound audio frames to fn instead of the event
// handler. Pass nil to restore the handler path.
func (c *Client) SetAudioReceiver(fn AudioReceiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiver = fn
}

// Connect dials the server and performs the register handshake synchronously:
// the call does not return until REGISTER_SUCCESS or REGISTER_FAIL arrives.
// On success the read loop and the keep-alive loop are started.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}

	reply, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	if reply.Type == protocol.TypeRegisterFail {
		_ = conn.Close()
		c.handler.OnRegisterFailed(reply.Text)
		return fmt.Errorf("register %q: %s", c.cfg.Username, reply.Text)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.handler.OnRegistered()

	c.wg.Add(1)
	go c.readLoop(conn)

	// One recurring keep-alive goroutine per client, cancelled as a unit by
	// Close. No timer rescheduling chains.
	if c.cfg.KeepAliveInterval > 0 {
		c.wg.Add(1)
		go c.keepAlive()
	}
	return nil
}

// handshake sends REGISTER and waits for the first decodable reply.
func (c *Client) handshake(conn net.Conn) (*protocol.Message, error) {
	if err := writeMessage(conn, &protocol.Message{
		Type:     protocol.TypeRegister,
		Username: c.cfg.Username,
	}); err != nil {
		return nil, fmt.Errorf("send register: %w", err)
	}

	deadline := time.Now().Add(c.cfg.DialTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var dec protocol.Decoder
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, msg := range dec.Feed(buf[:n]) {
				switch msg.Type {
				case protocol.TypeRegisterSuccess, protocol.TypeRegisterFail:
					return msg, nil
				default:
					// Not part of the handshake; nothing else should
					// arrive this early, skip it.
				}
			}
		}
		if err != nil {
			return nil, fmt.Errorf("awaiting register reply: %w", err)
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	var dec protocol.Decoder
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, msg := range dec.Feed(buf[:n]) {
				c.dispatch(msg)
			}
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	c.recordCallEnd()
	if wasConnected {
		c.handler.OnDisconnected()
	}
}

func (c *Client) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRoomCreated:
		c.mu.Lock()
		c.room = msg.RoomID
		c.users = []string{c.cfg.Username}
		c.joinedAt = time.Now()
		c.mu.Unlock()
		c.handler.OnRoomCreated(msg.RoomID)

	case protocol.TypeJoinSuccess:
		c.mu.Lock()
		c.room = msg.RoomID
		c.users = append([]string(nil), msg.Users...)
		c.joinedAt = time.Now()
		c.mu.Unlock()
		c.handler.OnRoomJoined(msg.RoomID, msg.Users)

	case protocol.TypeUserJoined:
		c.mu.Lock()
		c.users = append([]string(nil), msg.Users...)
		c.mu.Unlock()
		c.handler.OnUserJoined(msg.RoomID, msg.Username, msg.Users)

	case protocol.TypeUserLeft:
		c.mu.Lock()
		c.users = append([]string(nil), msg.Users...)
		c.mu.Unlock()
		c.handler.OnUserLeft(msg.RoomID, msg.Username, msg.Users)

	case protocol.TypeAudioData:
		pcm, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			log.Printf("client %s: bad audio payload from %s: %v", c.id, msg.From, err)
			return
		}
		c.mu.Lock()
		receiver := c.receiver
		c.mu.Unlock()
		if receiver != nil {
			receiver(msg.From, pcm)
			return
		}
		c.handler.OnAudio(msg.From, pcm)

	case protocol.TypePong:
		c.handler.OnPong()

	case protocol.TypeError:
		c.handler.OnServerError(msg.Text)

	default:
		log.Printf("client %s: ignoring message type %q", c.id, msg.Type)
	}
}

func (c *Client) keepAlive() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				log.Printf("client %s: keep-alive: %v", c.id, err)
			}
		}
	}
}

// CreateRoom asks the server for a fresh room with an optional password.
// The ROOM_CREATED reply arrives through the event handler.
func (c *Client) CreateRoom(password string) error {
	return c.send(&protocol.Message{Type: protocol.TypeCreateRoom, Password: password})
}

// JoinRoom requests membership of an existing room.
func (c *Client) JoinRoom(roomID, password string) error {
	return c.send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID, Password: password})
}

// LeaveRoom exits the current room and records the call in the history log.
func (c *Client) LeaveRoom() error {
	err := c.send(&protocol.Message{Type: protocol.TypeLeaveRoom})
	c.recordCallEnd()
	return err
}

// SendAudio normalizes one PCM frame to the configured size and transmits it
// as base64.
func (c *Client) SendAudio(pcm []byte) error {
	frame := audio.NormalizeFrame(pcm, c.cfg.Audio.FrameBytes())
	return c.send(&protocol.Message{
		Type: protocol.TypeAudioData,
		Data: base64.StdEncoding.EncodeToString(frame),
	})
}

// Ping sends a keep-alive probe.
func (c *Client) Ping() error {
	return c.send(&protocol.Message{Type: protocol.TypePing})
}

func (c *Client) send(msg *protocol.Message) error {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return writeMessageTo(conn, msg, &c.writeMu)
}

// Close tears the connection down in an explicit order: attempt GOODBYE,
// shut the write side, then close. Each step's failure is classified as
// expected-when-already-down or logged, never silently swallowed.
func (c *Client) Close() error {
	var closeErr error
	c.closed.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		wasConnected := c.connected
		c.connected = false
		c.mu.Unlock()

		c.recordCallEnd()

		if conn != nil {
			if wasConnected {
				err := writeMessageTo(conn, &protocol.Message{Type: protocol.TypeGoodbye}, &c.writeMu)
				switch {
				case err == nil:
				case isConnDown(err):
					log.Printf("client %s: goodbye skipped, connection already down", c.id)
				default:
					log.Printf("client %s: goodbye failed: %v", c.id, err)
				}
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				if err := tcp.CloseWrite(); err != nil && !isConnDown(err) {
					log.Printf("client %s: shutdown failed: %v", c.id, err)
				}
			}
			if err := conn.Close(); err != nil && !isConnDown(err) {
				closeErr = err
			}
		}
		c.wg.Wait()
	})
	return closeErr
}

// History returns the call-history log, or nil when disabled.
func (c *Client) History() *history.Log { return c.hist }

// recordCallEnd persists the finished call once. Safe to call with no call
// in progress.
func (c *Client) recordCallEnd() {
	c.mu.Lock()
	room := c.room
	users := c.users
	started := c.joinedAt
	c.room = ""
	c.users = nil
	c.mu.Unlock()

	if room == "" || c.hist == nil {
		return
	}
	if err := c.hist.Append(room, users, time.Since(started)); err != nil {
		log.Printf("client %s: recording call history: %v", c.id, err)
	}
}

func isConnDown(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

func writeMessage(conn net.Conn, msg *protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

func writeMessageTo(conn net.Conn, msg *protocol.Message, mu *sync.Mutex) error {
	mu.Lock()
	defer mu.Unlock()
	return writeMessage(conn, msg)
}

package client

import (
	"context"
	"encoding/base64"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"voicelink/internal/config"
	"voicelink/pkg/protocol"
)

// scriptServer is a single-connection fake signaling server: tests read the
// client's messages from incoming and push replies with reply.
type scriptServer struct {
	t        *testing.T
	listener net.Listener
	incoming chan *protocol.Message
	eof      chan struct{}

	mu   sync.Mutex
	conn net.Conn
}

func startScriptServer(t *testing.T) *scriptServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &scriptServer{
		t:        t,
		listener: listener,
		incoming: make(chan *protocol.Message, 64),
		eof:      make(chan struct{}),
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		var dec protocol.Decoder
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				for _, msg := range dec.Feed(buf[:n]) {
					s.incoming <- msg
				}
			}
			if err != nil {
				close(s.eof)
				return
			}
		}
	}()
	return s
}

func (s *scriptServer) addr() string { return s.listener.Addr().String() }

func (s *scriptServer) expect(want string) *protocol.Message {
	s.t.Helper()
	for {
		select {
		case msg := <-s.incoming:
			if msg.Type == want {
				return msg
			}
			// keep-alive pings may interleave with anything
			if msg.Type == protocol.TypePing {
				continue
			}
			s.t.Fatalf("server got %s, want %s", msg.Type, want)
		case <-time.After(2 * time.Second):
			s.t.Fatalf("server timed out waiting for %s", want)
		}
	}
}

func (s *scriptServer) reply(msg *protocol.Message) {
	s.t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		s.t.Fatalf("encode %s: %v", msg.Type, err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("reply before any connection accepted")
	}
	if _, err := conn.Write(data); err != nil {
		s.t.Fatalf("server write %s: %v", msg.Type, err)
	}
}

func (s *scriptServer) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *scriptServer) waitEOF() {
	s.t.Helper()
	select {
	case <-s.eof:
	case <-time.After(2 * time.Second):
		s.t.Fatal("server never saw EOF")
	}
}

// recordingHandler captures every event on a channel so tests can assert
// order and payloads.
type event struct {
	kind  string
	text  string
	users []string
	pcm   []byte
}

type recordingHandler struct {
	events chan event
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{events: make(chan event, 64)}
}

func (h *recordingHandler) OnRegistered()                  { h.events <- event{kind: "registered"} }
func (h *recordingHandler) OnRegisterFailed(reason string) { h.events <- event{kind: "register_failed", text: reason} }
func (h *recordingHandler) OnRoomCreated(roomID string)    { h.events <- event{kind: "room_created", text: roomID} }
func (h *recordingHandler) OnRoomJoined(roomID string, users []string) {
	h.events <- event{kind: "room_joined", text: roomID, users: users}
}
func (h *recordingHandler) OnUserJoined(roomID, username string, users []string) {
	h.events <- event{kind: "user_joined", text: username, users: users}
}
func (h *recordingHandler) OnUserLeft(roomID, username string, users []string) {
	h.events <- event{kind: "user_left", text: username, users: users}
}
func (h *recordingHandler) OnAudio(from string, pcm []byte) {
	h.events <- event{kind: "audio", text: from, pcm: pcm}
}
func (h *recordingHandler) OnPong()                      { h.events <- event{kind: "pong"} }
func (h *recordingHandler) OnServerError(message string) { h.events <- event{kind: "error", text: message} }
func (h *recordingHandler) OnDisconnected()              { h.events <- event{kind: "disconnected"} }

func (h *recordingHandler) next(t *testing.T, kind string) event {
	t.Helper()
	for {
		select {
		case ev := <-h.events:
			if ev.kind == kind {
				return ev
			}
			if ev.kind == "pong" {
				continue
			}
			t.Fatalf("got event %s, want %s", ev.kind, kind)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %s", kind)
		}
	}
}

func testClientConfig(addr string) Config {
	return Config{
		Addr:              addr,
		Username:          "alice",
		DialTimeout:       2 * time.Second,
		KeepAliveInterval: time.Hour, // keep pings out of the script
		Audio:             config.LoadAudio(),
	}
}

// connectedClient wires a client to a script server through the register
// handshake.
func connectedClient(t *testing.T, srv *scriptServer, h EventHandler, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg, h)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	reg := srv.expect(protocol.TypeRegister)
	if reg.Username != cfg.Username {
		t.Fatalf("register username = %q, want %q", reg.Username, cfg.Username)
	}
	srv.reply(&protocol.Message{Type: protocol.TypeRegisterSuccess})

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func TestConnectHandshake(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c := connectedClient(t, srv, h, testClientConfig(srv.addr()))

	h.next(t, "registered")
	if !c.IsConnected() {
		t.Fatal("client not connected after successful handshake")
	}
}

func TestConnectRegisterRejected(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c, err := New(testClientConfig(srv.addr()), h)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	srv.expect(protocol.TypeRegister)
	srv.reply(&protocol.Message{Type: protocol.TypeRegisterFail, Text: protocol.TextUsernameTaken})

	err = <-done
	if err == nil {
		t.Fatal("connect succeeded despite REGISTER_FAIL")
	}
	if !strings.Contains(err.Error(), protocol.TextUsernameTaken) {
		t.Fatalf("connect error = %v, want it to carry %q", err, protocol.TextUsernameTaken)
	}
	ev := h.next(t, "register_failed")
	if ev.text != protocol.TextUsernameTaken {
		t.Fatalf("OnRegisterFailed reason = %q, want %q", ev.text, protocol.TextUsernameTaken)
	}
	if c.IsConnected() {
		t.Fatal("client connected after rejected handshake")
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	c, err := New(testClientConfig("127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.CreateRoom(""); err != ErrNotConnected {
		t.Fatalf("CreateRoom = %v, want ErrNotConnected", err)
	}
	if err := c.Ping(); err != ErrNotConnected {
		t.Fatalf("Ping = %v, want ErrNotConnected", err)
	}
}

func TestCreateRoomTracksCallState(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c := connectedClient(t, srv, h, testClientConfig(srv.addr()))
	h.next(t, "registered")

	if err := c.CreateRoom("pw"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	msg := srv.expect(protocol.TypeCreateRoom)
	if msg.Password != "pw" {
		t.Fatalf("create password = %q, want pw", msg.Password)
	}
	srv.reply(&protocol.Message{Type: protocol.TypeRoomCreated, RoomID: "room_1_0"})

	ev := h.next(t, "room_created")
	if ev.text != "room_1_0" {
		t.Fatalf("OnRoomCreated room = %q, want room_1_0", ev.text)
	}
	if c.Room() != "room_1_0" {
		t.Fatalf("Room() = %q, want room_1_0", c.Room())
	}
	if users := c.Users(); len(users) != 1 || users[0] != "alice" {
		t.Fatalf("Users() = %v, want [alice]", users)
	}
}

func TestJoinAndMembershipEvents(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c := connectedClient(t, srv, h, testClientConfig(srv.addr()))
	h.next(t, "registered")

	if err := c.JoinRoom("room_1_0", ""); err != nil {
		t.Fatalf("join room: %v", err)
	}
	srv.expect(protocol.TypeJoinRoom)
	srv.reply(&protocol.Message{
		Type:   protocol.TypeJoinSuccess,
		RoomID: "room_1_0",
		Users:  []string{"bob", "alice"},
	})
	ev := h.next(t, "room_joined")
	if len(ev.users) != 2 {
		t.Fatalf("joined users = %v, want bob and alice", ev.users)
	}

	srv.reply(&protocol.Message{
		Type:     protocol.TypeUserJoined,
		RoomID:   "room_1_0",
		Username: "carol",
		Users:    []string{"bob", "alice", "carol"},
	})
	h.next(t, "user_joined")
	if users := c.Users(); len(users) != 3 {
		t.Fatalf("Users() = %v, want three members", users)
	}

	srv.reply(&protocol.Message{
		Type:     protocol.TypeUserLeft,
		RoomID:   "room_1_0",
		Username: "bob",
		Users:    []string{"alice", "carol"},
	})
	h.next(t, "user_left")
	if users := c.Users(); len(users) != 2 {
		t.Fatalf("Users() = %v, want two members after departure", users)
	}
}

func TestInboundAudioDecodesToHandler(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	_ = connectedClient(t, srv, h, testClientConfig(srv.addr()))
	h.next(t, "registered")

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	srv.reply(&protocol.Message{
		Type: protocol.TypeAudioData,
		From: "bob",
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
	ev := h.next(t, "audio")
	if ev.text != "bob" {
		t.Fatalf("audio from = %q, want bob", ev.text)
	}
	if string(ev.pcm) != string(pcm) {
		t.Fatalf("audio pcm = %v, want %v", ev.pcm, pcm)
	}
}

func TestAudioReceiverBypassesHandler(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c := connectedClient(t, srv, h, testClientConfig(srv.addr()))
	h.next(t, "registered")

	got := make(chan []byte, 1)
	c.SetAudioReceiver(func(from string, pcm []byte) { got <- pcm })

	pcm := []byte{1, 2, 3, 4}
	srv.reply(&protocol.Message{
		Type: protocol.TypeAudioData,
		From: "bob",
		Data: base64.StdEncoding.EncodeToString(pcm),
	})
	select {
	case frame := <-got:
		if string(frame) != string(pcm) {
			t.Fatalf("receiver pcm = %v, want %v", frame, pcm)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never invoked")
	}
	select {
	case ev := <-h.events:
		t.Fatalf("handler got %s despite receiver", ev.kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendAudioNormalizesFrame(t *testing.T) {
	srv := startScriptServer(t)
	cfg := testClientConfig(srv.addr())
	c := connectedClient(t, srv, newRecordingHandler(), cfg)

	if err := c.SendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	msg := srv.expect(protocol.TypeAudioData)
	frame, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	want := cfg.Audio.FrameBytes()
	if len(frame) != want {
		t.Fatalf("frame size = %d, want %d", len(frame), want)
	}
	if frame[0] != 1 || frame[1] != 2 || frame[2] != 3 || frame[3] != 0 {
		t.Fatalf("frame prefix = %v, want original bytes zero-padded", frame[:4])
	}
}

func TestCloseSendsGoodbye(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c := connectedClient(t, srv, h, testClientConfig(srv.addr()))
	h.next(t, "registered")

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	srv.expect(protocol.TypeGoodbye)
	srv.waitEOF()
}

func TestServerDropFiresOnDisconnected(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	c := connectedClient(t, srv, h, testClientConfig(srv.addr()))
	h.next(t, "registered")

	srv.closeConn()
	h.next(t, "disconnected")
	if c.IsConnected() {
		t.Fatal("client still connected after server drop")
	}
}

func TestLeaveRoomRecordsHistory(t *testing.T) {
	srv := startScriptServer(t)
	h := newRecordingHandler()
	cfg := testClientConfig(srv.addr())
	cfg.HistoryPath = filepath.Join(t.TempDir(), "history.json")
	c := connectedClient(t, srv, h, cfg)
	h.next(t, "registered")

	if err := c.JoinRoom("room_1_0", ""); err != nil {
		t.Fatalf("join room: %v", err)
	}
	srv.expect(protocol.TypeJoinRoom)
	srv.reply(&protocol.Message{
		Type:   protocol.TypeJoinSuccess,
		RoomID: "room_1_0",
		Users:  []string{"bob", "alice"},
	})
	h.next(t, "room_joined")

	if err := c.LeaveRoom(); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	srv.expect(protocol.TypeLeaveRoom)

	entries := c.History().Recent(10)
	if len(entries) != 1 {
		t.Fatalf("history entries = %d, want 1", len(entries))
	}
	if entries[0].RoomID != "room_1_0" {
		t.Fatalf("history room = %q, want room_1_0", entries[0].RoomID)
	}
	if len(entries[0].Participants) != 2 {
		t.Fatalf("history participants = %v, want bob and alice", entries[0].Participants)
	}
}

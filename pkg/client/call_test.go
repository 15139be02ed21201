package client

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"voicelink/internal/config"
	"voicelink/pkg/protocol"
)

// blockingSource delivers its scripted frames, then blocks until closed.
type blockingSource struct {
	mu     sync.Mutex
	frames [][]byte
	done   chan struct{}
	once   sync.Once
}

func newBlockingSource(frames ...[]byte) *blockingSource {
	return &blockingSource{frames: frames, done: make(chan struct{})}
}

func (s *blockingSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.frames) > 0 {
		frame := s.frames[0]
		s.frames = s.frames[1:]
		s.mu.Unlock()
		return copy(p, frame), nil
	}
	s.mu.Unlock()
	<-s.done
	return 0, io.EOF
}

func (s *blockingSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// frameSink collects every non-silent frame written to it.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) Write(p []byte) (int, error) {
	silent := true
	for _, b := range p {
		if b != 0 {
			silent = false
			break
		}
	}
	if !silent {
		s.mu.Lock()
		s.frames = append(s.frames, append([]byte(nil), p...))
		s.mu.Unlock()
	}
	return len(p), nil
}

func (s *frameSink) Close() error { return nil }

func (s *frameSink) first() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil, false
	}
	return s.frames[0], true
}

// loudFrame builds a frame whose samples clear the silence gate.
func loudFrame(cfg config.Audio) []byte {
	frame := make([]byte, cfg.FrameBytes())
	for i := 0; i+1 < len(frame); i += 2 {
		binary.LittleEndian.PutUint16(frame[i:], uint16(int16(2000)))
	}
	return frame
}

func TestCallCapturesToServer(t *testing.T) {
	srv := startScriptServer(t)
	cfg := testClientConfig(srv.addr())
	c := connectedClient(t, srv, newRecordingHandler(), cfg)

	call := NewCall(c)
	src := newBlockingSource(loudFrame(cfg.Audio))
	sink := &frameSink{}
	if err := call.Start(src, sink); err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer call.Stop()

	msg := srv.expect(protocol.TypeAudioData)
	frame, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if len(frame) != cfg.Audio.FrameBytes() {
		t.Fatalf("frame size = %d, want %d", len(frame), cfg.Audio.FrameBytes())
	}
}

func TestCallPlaysInboundAudio(t *testing.T) {
	srv := startScriptServer(t)
	cfg := testClientConfig(srv.addr())
	c := connectedClient(t, srv, newRecordingHandler(), cfg)

	call := NewCall(c)
	src := newBlockingSource() // nothing to capture
	sink := &frameSink{}
	if err := call.Start(src, sink); err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer call.Stop()

	pcm := loudFrame(cfg.Audio)
	srv.reply(&protocol.Message{
		Type: protocol.TypeAudioData,
		From: "bob",
		Data: base64.StdEncoding.EncodeToString(pcm),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := sink.first(); ok {
			if !bytes.Equal(got, pcm) {
				t.Fatalf("played frame differs from relayed frame")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("relayed audio never reached the sink")
}

func TestCallStartWhileActive(t *testing.T) {
	srv := startScriptServer(t)
	c := connectedClient(t, srv, newRecordingHandler(), testClientConfig(srv.addr()))

	call := NewCall(c)
	if err := call.Start(newBlockingSource(), &frameSink{}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	defer call.Stop()

	if err := call.Start(newBlockingSource(), &frameSink{}); err == nil {
		t.Fatal("second Start succeeded on an active call")
	}
}

func TestCallToggleMute(t *testing.T) {
	srv := startScriptServer(t)
	c := connectedClient(t, srv, newRecordingHandler(), testClientConfig(srv.addr()))

	call := NewCall(c)
	if !call.ToggleMute() {
		t.Fatal("first toggle should mute")
	}
	if call.ToggleMute() {
		t.Fatal("second toggle should unmute")
	}
}

func TestCallStopIdempotent(t *testing.T) {
	srv := startScriptServer(t)
	c := connectedClient(t, srv, newRecordingHandler(), testClientConfig(srv.addr()))

	call := NewCall(c)
	if err := call.Start(newBlockingSource(), &frameSink{}); err != nil {
		t.Fatalf("start call: %v", err)
	}
	call.Stop()
	call.Stop()
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"voicelink/internal/audio"
	"voicelink/internal/config"
	"voicelink/pkg/client"
)

const (
	maxConnectAttempts = 5
	statsInterval      = 5 * time.Second
)

func main() {
	var (
		server   = flag.String("server", "localhost:5001", "Signaling server address")
		username = flag.String("user", "", "Username (generated if empty)")
		create   = flag.Bool("create", false, "Create a new room")
		join     = flag.String("join", "", "Room ID to join")
		password = flag.String("password", "", "Room password")
		input    = flag.String("input", "", "PCM input file, '-' for stdin (empty = listen only)")
		output   = flag.String("output", "", "PCM output file, '-' for stdout (empty = discard)")
		history  = flag.String("history", defaultHistoryPath(), "Call history file, empty disables")
		showHist = flag.Bool("show-history", false, "Print recorded calls and exit")
		help     = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}
	if *showHist {
		printHistory(*history)
		return
	}
	if *create == (*join != "") {
		log.Fatal("pick exactly one of -create or -join")
	}
	if *username == "" {
		*username = "user-" + randomID()[:8]
	}

	cfg := client.Config{
		Addr:        *server,
		Username:    *username,
		HistoryPath: *history,
		Audio:       config.LoadAudio(),
	}

	events := &consoleEvents{joined: make(chan string, 1)}
	c, err := client.New(cfg, events)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}

	if err := connectWithRetry(c); err != nil {
		log.Fatalf("Failed to connect after %d attempts: %v", maxConnectAttempts, err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Printf("Error closing client: %v", err)
		}
	}()

	fmt.Printf("🎙️ VoiceLink Call\n")
	fmt.Printf("   Server: %s\n", *server)
	fmt.Printf("   User: %s\n", *username)

	if *create {
		if err := c.CreateRoom(*password); err != nil {
			log.Fatalf("Failed to create room: %v", err)
		}
	} else {
		if err := c.JoinRoom(*join, *password); err != nil {
			log.Fatalf("Failed to join room: %v", err)
		}
	}

	var roomID string
	select {
	case roomID = <-events.joined:
	case <-time.After(10 * time.Second):
		log.Fatal("No response from server while entering room")
	}
	fmt.Printf("   Room: %s\n\n", roomID)

	src, err := openSource(*input, cfg.Audio)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	sink, err := openSink(*output)
	if err != nil {
		log.Fatalf("Failed to open output: %v", err)
	}

	call := client.NewCall(c)
	if err := call.Start(src, sink); err != nil {
		log.Fatalf("Failed to start call: %v", err)
	}
	defer call.Stop()

	fmt.Printf("📡 In call... (Ctrl+C to hang up)\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sigChan:
			fmt.Println("\n🛑 Hanging up...")
			call.Stop()
			if err := c.LeaveRoom(); err != nil {
				log.Printf("Leave room: %v", err)
			}
			fmt.Println("✅ Call ended")
			return
		case <-ticker.C:
			stats := call.Stats()
			fmt.Printf("\r📊 sent=%d received=%d dropped=%d suppressed=%d users=%d ",
				stats.Sent, stats.Received, stats.Dropped, stats.Suppressed, len(c.Users()))
		}
	}
}

// connectWithRetry dials with exponential backoff, giving up after a bounded
// number of attempts.
func connectWithRetry(c *client.Client) error {
	var err error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err = c.Connect(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == maxConnectAttempts {
			break
		}
		wait := time.Duration(1<<attempt) * time.Second
		fmt.Printf("⚠️  Connect failed (%v), retry %d/%d in %s\n", err, attempt, maxConnectAttempts-1, wait)
		time.Sleep(wait)
	}
	return err
}

// consoleEvents prints signaling events and signals room entry to main.
type consoleEvents struct {
	client.DefaultEventHandler
	joined chan string
}

func (e *consoleEvents) OnRoomCreated(roomID string) {
	select {
	case e.joined <- roomID:
	default:
	}
}

func (e *consoleEvents) OnRoomJoined(roomID string, users []string) {
	fmt.Printf("👥 In room with %v\n", users)
	select {
	case e.joined <- roomID:
	default:
	}
}

func (e *consoleEvents) OnUserJoined(roomID, username string, users []string) {
	fmt.Printf("➕ %s joined (%d in room)\n", username, len(users))
}

func (e *consoleEvents) OnUserLeft(roomID, username string, users []string) {
	fmt.Printf("➖ %s left (%d in room)\n", username, len(users))
}

func (e *consoleEvents) OnServerError(message string) {
	fmt.Printf("⚠️  Server: %s\n", message)
}

func (e *consoleEvents) OnDisconnected() {
	fmt.Println("\n🔌 Disconnected from server")
}

func (e *consoleEvents) OnAudio(string, []byte) {} // routed to the pipeline
func (e *consoleEvents) OnPong()                {}

// pacedReader throttles file reads to real-time frame cadence so a recorded
// file does not flood the room.
type pacedReader struct {
	r        io.ReadCloser
	interval time.Duration
	next     time.Time
}

func (p *pacedReader) Read(buf []byte) (int, error) {
	if wait := time.Until(p.next); wait > 0 {
		time.Sleep(wait)
	}
	p.next = time.Now().Add(p.interval)
	return p.r.Read(buf)
}

func (p *pacedReader) Close() error { return p.r.Close() }

// silentSource blocks forever; listen-only calls capture nothing.
type silentSource struct {
	done chan struct{}
	once sync.Once
}

func (s *silentSource) Read([]byte) (int, error) {
	<-s.done
	return 0, io.EOF
}

func (s *silentSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type discardSink struct{}

func (discardSink) Write(p []byte) (int, error) { return len(p), nil }
func (discardSink) Close() error                { return nil }

func openSource(path string, cfg config.Audio) (audio.Source, error) {
	var r io.ReadCloser
	switch path {
	case "":
		return &silentSource{done: make(chan struct{})}, nil
	case "-":
		r = os.Stdin
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		r = f
	}
	frameDur := time.Duration(cfg.Chunk) * time.Second / time.Duration(cfg.SampleRate)
	return &pacedReader{r: r, interval: frameDur}, nil
}

func openSink(path string) (audio.Sink, error) {
	switch path {
	case "":
		return discardSink{}, nil
	case "-":
		return os.Stdout, nil
	default:
		return os.Create(path)
	}
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "call_history.json"
	}
	return filepath.Join(home, ".voicelink_history.json")
}

func printHistory(path string) {
	if path == "" {
		fmt.Println("History disabled")
		return
	}
	c, err := client.New(client.Config{Addr: "unused", Username: "unused", HistoryPath: path}, nil)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}
	entries := c.History().Recent(20)
	if len(entries) == 0 {
		fmt.Println("No recorded calls")
		return
	}
	for _, e := range entries {
		fmt.Printf("%s  %s  %v  %s\n",
			e.Timestamp.Format("2006-01-02 15:04"), e.RoomID, e.Participants, e.DurationFormatted)
	}
}

func randomID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func showHelp() {
	fmt.Printf(`VoiceLink Call - voice chat client

Usage:
  voicelink-call -create [options]
  voicelink-call -join ROOM_ID [options]
  voicelink-call -show-history

Options:
`)
	flag.PrintDefaults()
	fmt.Printf(`
Examples:
  # Create a room, speak from a raw PCM file, discard received audio
  voicelink-call -create -password s3cret -input voice.pcm

  # Join a room, pipe microphone PCM in and speaker PCM out
  arecord -f S16_LE -r 16000 -c 1 | voicelink-call -join room_1_0 -input - -output - | aplay -f S16_LE -r 16000 -c 1
`)
}

package client

import (
	"log"
	"time"

	"voicelink/internal/config"
)

// Config holds the connection settings for one client.
type Config struct {
	Addr              string        // host:port of the signaling server
	Username          string        // identity to register
	DialTimeout       time.Duration // covers dial plus the register handshake
	KeepAliveInterval time.Duration // PING cadence; zero disables keep-alive
	HistoryPath       string        // call-history file; empty disables history
	Audio             config.Audio
}

const (
	defaultDialTimeout       = 10 * time.Second
	defaultKeepAliveInterval = 30 * time.Second
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.DialTimeout == 0 {
		out.DialTimeout = defaultDialTimeout
	}
	if out.KeepAliveInterval == 0 {
		out.KeepAliveInterval = defaultKeepAliveInterval
	}
	if out.Audio == (config.Audio{}) {
		out.Audio = config.LoadAudio()
	}
	return out
}

// EventHandler receives decoded signaling events. The presentation layer
// implements this; every server event maps to exactly one method.
type EventHandler interface {
	OnRegistered()
	OnRegisterFailed(reason string)
	OnRoomCreated(roomID string)
	OnRoomJoined(roomID string, users []string)
	OnUserJoined(roomID, username string, users []string)
	OnUserLeft(roomID, username string, users []string)
	OnAudio(from string, pcm []byte)
	OnPong()
	OnServerError(message string)
	OnDisconnected()
}

// DefaultEventHandler provides a logging implementation of EventHandler.
type DefaultEventHandler struct{}

func (h *DefaultEventHandler) OnRegistered()                    { log.Printf("registered") }
func (h *DefaultEventHandler) OnRegisterFailed(reason string)   { log.Printf("register failed: %s", reason) }
func (h *DefaultEventHandler) OnRoomCreated(roomID string)      { log.Printf("room created: %s", roomID) }
func (h *DefaultEventHandler) OnRoomJoined(roomID string, users []string) {
	log.Printf("joined %s with %v", roomID, users)
}
func (h *DefaultEventHandler) OnUserJoined(roomID, username string, users []string) {
	log.Printf("%s joined %s (%v)", username, roomID, users)
}
func (h *DefaultEventHandler) OnUserLeft(roomID, username string, users []string) {
	log.Printf("%s left %s (%v)", username, roomID, users)
}
func (h *DefaultEventHandler) OnAudio(from string, pcm []byte) {
	log.Printf("audio from %s: %d bytes", from, len(pcm))
}
func (h *DefaultEventHandler) OnPong()                      { log.Printf("pong") }
func (h *DefaultEventHandler) OnServerError(message string) { log.Printf("server error: %s", message) }
func (h *DefaultEventHandler) OnDisconnected()              { log.Printf("disconnected") }

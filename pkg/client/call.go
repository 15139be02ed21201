package client

import (
	"fmt"

	"voicelink/internal/audio"
)

// Call binds a connected client to an audio pipeline: captured frames go out
// as AUDIO_DATA, relayed frames land in the jitter queue for playback.
type Call struct {
	client *Client
	pipe   *audio.Pipeline
	active bool
}

// NewCall prepares a call on an existing client. The pipeline uses the
// client's audio configuration.
func NewCall(c *Client) *Call {
	return &Call{
		client: c,
		pipe:   audio.NewPipeline(c.cfg.Audio),
	}
}

// Start opens the media path on already-opened devices. If capture cannot
// start, playback is rolled back so a device failure aborts the call start
// without touching the signaling session.
func (c *Call) Start(src audio.Source, sink audio.Sink) error {
	if c.active {
		return fmt.Errorf("call already active")
	}

	c.client.SetAudioReceiver(func(_ string, pcm []byte) {
		c.pipe.Enqueue(pcm)
	})

	if err := c.pipe.StartPlayback(sink, nil); err != nil {
		c.client.SetAudioReceiver(nil)
		return fmt.Errorf("start playback: %w", err)
	}
	if err := c.pipe.StartCapture(src, c.client.SendAudio); err != nil {
		c.pipe.StopPlayback()
		c.client.SetAudioReceiver(nil)
		return fmt.Errorf("start capture: %w", err)
	}
	c.active = true
	return nil
}

// Stop closes the media path. Idempotent.
func (c *Call) Stop() {
	if !c.active {
		return
	}
	c.active = false
	c.client.SetAudioReceiver(nil)
	c.pipe.Close()
}

// ToggleMute flips the capture mute state and returns the new value.
func (c *Call) ToggleMute() bool { return c.pipe.ToggleMute() }

// Stats returns the pipeline counters for the status display.
func (c *Call) Stats() audio.Stats { return c.pipe.Stats() }

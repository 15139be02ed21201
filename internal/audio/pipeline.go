package audio

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"voicelink/internal/config"
)

// Source is one capture device delivering raw PCM. Close must unblock a
// pending Read so the capture loop can observe its stop flag.
type Source interface {
	io.ReadCloser
}

// Sink is one playback device consuming raw PCM.
type Sink interface {
	io.WriteCloser
}

// SendFunc hands one captured frame to the outbound path.
type SendFunc func(frame []byte) error

// FetchFunc retrieves one received frame, returning ok=false when none is
// available right now.
type FetchFunc func() (frame []byte, ok bool)

// Stats are the pipeline's running counters.
type Stats struct {
	Sent       uint64 `json:"sent"`
	Received   uint64 `json:"received"`
	Dropped    uint64 `json:"dropped"`
	Suppressed uint64 `json:"suppressed"`
}

var (
	ErrCaptureRunning  = errors.New("capture already running")
	ErrPlaybackRunning = errors.New("playback already running")
)

const (
	underrunDelay = 10 * time.Millisecond
	stopJoinWait  = time.Second
)

// Pipeline runs the two audio worker loops. Capture and playback are
// independent; each has its own start/stop lock so the operations are
// idempotent and race-free.
type Pipeline struct {
	cfg   config.Audio
	queue *JitterQueue
	echo  *EchoRing

	muted      atomic.Bool
	sent       atomic.Uint64
	received   atomic.Uint64
	suppressed atomic.Uint64

	captureMu   sync.Mutex
	capturing   bool
	captureStop chan struct{}
	captureDone chan struct{}
	source      Source

	playbackMu   sync.Mutex
	playing      bool
	playbackStop chan struct{}
	playbackDone chan struct{}
	sink         Sink
}

func NewPipeline(cfg config.Audio) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		queue: NewJitterQueue(cfg.QueueDepth),
		echo:  NewEchoRing(cfg.EchoDepth),
	}
}

// StartCapture begins reading fixed-size chunks from src and handing frames
// that survive silence gating and echo suppression to send. Calling it while
// capture runs is a no-op.
func (p *Pipeline) StartCapture(src Source, send SendFunc) error {
	p.captureMu.Lock()
	defer p.captureMu.Unlock()
	if p.capturing {
		return ErrCaptureRunning
	}
	p.capturing = true
	p.source = src
	p.captureStop = make(chan struct{})
	p.captureDone = make(chan struct{})

	go p.captureLoop(src, send, p.captureStop, p.captureDone)
	return nil
}

func (p *Pipeline) captureLoop(src Source, send SendFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	frameBytes := p.cfg.FrameBytes()
	silenceFloor := float64(p.cfg.SilenceThreshold) / 32768.0

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame := make([]byte, frameBytes)
		if _, err := io.ReadFull(src, frame); err != nil {
			select {
			case <-stop:
			default:
				log.Printf("audio: capture read error: %v", err)
			}
			return
		}

		samples := Samples(frame)
		if Peak(samples) < silenceFloor {
			continue
		}
		if echo, ok := p.echo.Pop(); ok {
			if Correlation(samples, echo) > p.cfg.EchoThreshold {
				p.suppressed.Add(1)
				continue
			}
		}
		if p.muted.Load() {
			continue
		}

		if err := send(frame); err != nil {
			log.Printf("audio: send error: %v", err)
			continue
		}
		p.sent.Add(1)
	}
}

// StopCapture stops the capture loop, closes the source so a blocked read
// returns, and joins the worker with a bounded wait. Safe to call twice.
func (p *Pipeline) StopCapture() {
	p.captureMu.Lock()
	if !p.capturing {
		p.captureMu.Unlock()
		return
	}
	p.capturing = false
	close(p.captureStop)
	if err := p.source.Close(); err != nil {
		log.Printf("audio: closing capture source: %v", err)
	}
	done := p.captureDone
	p.captureMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinWait):
		log.Printf("audio: capture loop did not stop within %s", stopJoinWait)
	}
}

// StartPlayback begins draining frames into sink. fetch may be nil, in which
// case the pipeline's own jitter queue is used. Calling it while playback
// runs is a no-op.
func (p *Pipeline) StartPlayback(sink Sink, fetch FetchFunc) error {
	p.playbackMu.Lock()
	defer p.playbackMu.Unlock()
	if p.playing {
		return ErrPlaybackRunning
	}
	if fetch == nil {
		fetch = p.queue.Pop
	}
	p.playing = true
	p.sink = sink
	p.playbackStop = make(chan struct{})
	p.playbackDone = make(chan struct{})

	go p.playbackLoop(sink, fetch, p.playbackStop, p.playbackDone)
	return nil
}

func (p *Pipeline) playbackLoop(sink Sink, fetch FetchFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	frameBytes := p.cfg.FrameBytes()
	silence := make([]byte, frameBytes)

	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, ok := fetch()
		underrun := !ok
		if underrun {
			frame = silence
		} else {
			frame = NormalizeFrame(frame, frameBytes)
			// Played-out audio feeds the capture loop's echo check.
			p.echo.Push(Samples(frame))
		}

		if _, err := sink.Write(frame); err != nil {
			select {
			case <-stop:
			default:
				log.Printf("audio: playback write error: %v", err)
			}
			return
		}
		if underrun {
			time.Sleep(underrunDelay)
		}
	}
}

// StopPlayback stops the playback loop, closes the sink, drains the jitter
// queue, and joins the worker with a bounded wait. Safe to call twice.
func (p *Pipeline) StopPlayback() {
	p.playbackMu.Lock()
	if !p.playing {
		p.playbackMu.Unlock()
		return
	}
	p.playing = false
	close(p.playbackStop)
	if err := p.sink.Close(); err != nil {
		log.Printf("audio: closing playback sink: %v", err)
	}
	done := p.playbackDone
	p.playbackMu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinWait):
		log.Printf("audio: playback loop did not stop within %s", stopJoinWait)
	}
	p.queue.Drain()
}

// Enqueue normalizes a received frame and offers it to the jitter queue.
// Overflow drops the frame and counts it rather than blocking the receive
// path.
func (p *Pipeline) Enqueue(frame []byte) {
	frame = NormalizeFrame(frame, p.cfg.FrameBytes())
	if p.queue.Push(frame) {
		p.received.Add(1)
	}
}

// ToggleMute flips the mute state and returns the new value. Muted capture
// still reads from the device; surviving frames are simply not sent.
func (p *Pipeline) ToggleMute() bool {
	for {
		old := p.muted.Load()
		if p.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Muted reports the current mute state.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:       p.sent.Load(),
		Received:   p.received.Load(),
		Dropped:    p.queue.Dropped(),
		Suppressed: p.suppressed.Load(),
	}
}

// Close stops both loops. Idempotent.
func (p *Pipeline) Close() {
	p.StopCapture()
	p.StopPlayback()
	p.echo.Reset()
}

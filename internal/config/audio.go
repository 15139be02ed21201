package config

const (
	defaultChunk            = 256   // samples per frame; small keeps latency low
	defaultSampleRate       = 16000 // enough for voice
	defaultChannels         = 1
	defaultSampleWidth      = 2 // s16le
	defaultSilenceThreshold = 100
	defaultQueueDepth       = 10
	defaultEchoDepth        = 3
	defaultEchoThreshold    = 0.3
)

// Audio holds the shared PCM parameters. Every participant in a room must use
// the same values or frame normalization will pad/trim their audio.
type Audio struct {
	Chunk            int     // samples per frame
	SampleRate       int     // Hz
	Channels         int     // 1 mono, 2 stereo
	SampleWidth      int     // bytes per sample
	SilenceThreshold int     // peak amplitude below which a frame is dropped
	QueueDepth       int     // inbound jitter queue capacity, in frames
	EchoDepth        int     // echo ring capacity, in frames
	EchoThreshold    float64 // normalized correlation above which capture is suppressed
}

// LoadAudio reads the audio parameters from the environment with defaults.
func LoadAudio() Audio {
	return Audio{
		Chunk:            envInt("VL_AUDIO_CHUNK", defaultChunk),
		SampleRate:       envInt("VL_AUDIO_RATE", defaultSampleRate),
		Channels:         envInt("VL_AUDIO_CHANNELS", defaultChannels),
		SampleWidth:      envInt("VL_AUDIO_SAMPLE_WIDTH", defaultSampleWidth),
		SilenceThreshold: envInt("VL_SILENCE_THRESHOLD", defaultSilenceThreshold),
		QueueDepth:       envInt("VL_AUDIO_QUEUE_DEPTH", defaultQueueDepth),
		EchoDepth:        envInt("VL_ECHO_DEPTH", defaultEchoDepth),
		EchoThreshold:    envFloat("VL_ECHO_THRESHOLD", defaultEchoThreshold),
	}
}

// FrameBytes is the exact size in bytes of one PCM frame on the wire and at
// the device boundary.
func (a Audio) FrameBytes() int {
	return a.Chunk * a.SampleWidth * a.Channels
}

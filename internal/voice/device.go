package voice

// Audio format shared by all devices. 16 kHz mono with 20 ms frames keeps
// envelopes small enough to ride the same pub/sub channel as game traffic.
const (
	SampleRate = 16000
	FrameSize  = 320
)

// Device abstracts audio hardware so the channel can run against a fake
// device in tests.
type Device interface {
	// OpenCapture opens the default input at the package sample rate.
	OpenCapture() (CaptureStream, error)
	// OpenPlayback opens the default output at the package sample rate.
	OpenPlayback() (PlaybackStream, error)
}

// CaptureStream yields PCM frames from the microphone.
type CaptureStream interface {
	// Read blocks until buf (len FrameSize) is filled with samples.
	Read(buf []int16) error
	Close() error
}

// PlaybackStream consumes PCM frames for the speaker.
type PlaybackStream interface {
	// Write blocks until buf (len FrameSize) has been queued for playback.
	Write(buf []int16) error
	Close() error
}

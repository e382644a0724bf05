package voice

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio is the hardware-backed Device. The underlying library needs a
// process-wide Initialize/Terminate pair, so open streams are refcounted.
type PortAudio struct{}

var paMu sync.Mutex
var paOpen int

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paOpen == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("portaudio init: %w", err)
		}
	}
	paOpen++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	paOpen--
	if paOpen == 0 {
		portaudio.Terminate()
	}
}

func (PortAudio) OpenCapture() (CaptureStream, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	buf := make([]int16, FrameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), FrameSize, buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		paRelease()
		return nil, fmt.Errorf("start capture stream: %w", err)
	}
	return &paCapture{stream: stream, buf: buf}, nil
}

func (PortAudio) OpenPlayback() (PlaybackStream, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	buf := make([]int16, FrameSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(SampleRate), FrameSize, buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("open playback stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		paRelease()
		return nil, fmt.Errorf("start playback stream: %w", err)
	}
	return &paPlayback{stream: stream, buf: buf}, nil
}

type paCapture struct {
	stream *portaudio.Stream
	buf    []int16
}

func (c *paCapture) Read(buf []int16) error {
	if err := c.stream.Read(); err != nil {
		return err
	}
	copy(buf, c.buf)
	return nil
}

func (c *paCapture) Close() error {
	c.stream.Stop()
	err := c.stream.Close()
	paRelease()
	return err
}

type paPlayback struct {
	stream *portaudio.Stream
	buf    []int16
}

func (p *paPlayback) Write(buf []int16) error {
	copy(p.buf, buf)
	return p.stream.Write()
}

func (p *paPlayback) Close() error {
	p.stream.Stop()
	err := p.stream.Close()
	paRelease()
	return err
}

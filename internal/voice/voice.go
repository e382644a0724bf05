// Package voice implements the push-to-talk audio channel. Frames are
// captured from the microphone, wrapped in JSON envelopes and published on
// the room's voice topic; inbound envelopes are reordered through a jitter
// buffer and fed to the speaker.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kaibanet/kaibanet/internal/protocol"
	"github.com/kaibanet/kaibanet/internal/util"
)

// State is the externally visible lifecycle of a channel.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateError  State = "error"
)

// Frame is the wire envelope for one block of audio. Data is raw little-
// endian 16-bit PCM, base64-encoded by the JSON marshaller.
type Frame struct {
	Type      string `json:"type"`
	Data      []byte `json:"data"`
	SenderID  string `json:"senderId"`
	Seq       uint32 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

const frameTypeVoice = "voice"

// Publisher is the slice of the communication layer the channel needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Channel ties one microphone and one speaker to a room's voice topic.
// A Channel serves a single room; the coordinator creates a fresh one per
// StartVoiceChat call.
type Channel struct {
	senderID string
	pub      Publisher
	device   Device
	onState  func(State)
	onError  func(error)

	micMuted      atomic.Bool
	playbackMuted atomic.Bool

	mu      sync.Mutex
	active  bool
	topic   string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	seq     seqGen
	jitter  *jitterBuffer
	playQ   chan []int16
	failed  atomic.Bool
}

// New creates an idle channel. onState and onError may be nil.
func New(senderID string, pub Publisher, device Device, onState func(State), onError func(error)) *Channel {
	if onState == nil {
		onState = func(State) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Channel{
		senderID: senderID,
		pub:      pub,
		device:   device,
		onState:  onState,
		onError:  onError,
	}
}

// Start opens the audio streams and begins publishing to the room's voice
// topic. The channel runs until Stop is called or ctx is cancelled.
func (c *Channel) Start(ctx context.Context, roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return fmt.Errorf("voice: channel already active")
	}

	capture, err := c.device.OpenCapture()
	if err != nil {
		c.onState(StateError)
		return err
	}
	playback, err := c.device.OpenPlayback()
	if err != nil {
		capture.Close()
		c.onState(StateError)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.active = true
	c.topic = protocol.VoiceTopic(roomID)
	c.cancel = cancel
	c.jitter = newJitterBuffer()
	c.playQ = make(chan []int16, 32)
	c.failed.Store(false)

	c.wg.Add(2)
	go c.captureLoop(runCtx, capture)
	go c.playbackLoop(runCtx, playback)

	c.onState(StateActive)
	util.LogInfo("voice channel active on %s", c.topic)
	return nil
}

// Stop tears the channel down and returns it to idle. Safe to call when
// already stopped.
func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	if !c.failed.Load() {
		c.onState(StateIdle)
	}
}

// Topic returns the pub/sub topic the channel publishes on, or "" when idle.
func (c *Channel) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return ""
	}
	return c.topic
}

// SetMicMuted stops publishing captured frames without closing the stream.
func (c *Channel) SetMicMuted(muted bool) { c.micMuted.Store(muted) }

// SetPlaybackMuted discards inbound frames without leaving the topic.
func (c *Channel) SetPlaybackMuted(muted bool) { c.playbackMuted.Store(muted) }

// HandleMessage feeds one raw pub/sub payload from the voice topic into the
// channel. Non-voice payloads and the sender's own echoes are ignored; the
// topic may carry other traffic and self-delivery is normal for the mesh.
func (c *Channel) HandleMessage(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	if f.Type != frameTypeVoice || f.SenderID == c.senderID {
		return
	}

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	ready := c.jitter.feed(&f)
	playQ := c.playQ
	c.mu.Unlock()

	if c.playbackMuted.Load() {
		return
	}
	for _, rf := range ready {
		select {
		case playQ <- decodeSamples(rf.Data):
		default:
			util.LogDebug("voice: playback queue full, dropping frame %d", rf.Seq)
		}
	}
}

func (c *Channel) captureLoop(ctx context.Context, stream CaptureStream) {
	defer c.wg.Done()
	defer stream.Close()

	buf := make([]int16, FrameSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(buf); err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("voice capture: %w", err))
			}
			return
		}
		if c.micMuted.Load() {
			continue
		}

		frame := Frame{
			Type:      frameTypeVoice,
			Data:      encodeSamples(buf),
			SenderID:  c.senderID,
			Seq:       c.seq.next(),
			Timestamp: time.Now().UnixMilli(),
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		if err := c.pub.Publish(ctx, c.topic, payload); err != nil {
			if ctx.Err() == nil {
				c.fail(fmt.Errorf("voice publish: %w", err))
			}
			return
		}
	}
}

func (c *Channel) playbackLoop(ctx context.Context, stream PlaybackStream) {
	defer c.wg.Done()
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case samples := <-c.playQ:
			if err := stream.Write(samples); err != nil {
				if ctx.Err() == nil {
					c.fail(fmt.Errorf("voice playback: %w", err))
				}
				return
			}
		}
	}
}

// fail records a fatal stream error and reports it once.
func (c *Channel) fail(err error) {
	if c.failed.Swap(true) {
		return
	}
	util.LogError("%v", err)
	c.onError(err)
	c.onState(StateError)

	c.mu.Lock()
	cancel := c.cancel
	c.active = false
	c.mu.Unlock()
	cancel()
}

func encodeSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func decodeSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return out
}

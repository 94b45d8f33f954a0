// Package capture provides the local media device for headless peers:
// static pion tracks standing in for a camera and microphone. Real
// sample production belongs to whoever feeds the tracks; the call core
// only needs acquire, toggle and stop semantics.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/devrtc/devrtc/internal/call"
)

// Device implements call.MediaDevice. Like real hardware it serves one
// acquisition at a time: a second Acquire while a stream is live fails
// with a busy MediaError.
type Device struct {
	mu     sync.Mutex
	inUse  bool
	closed bool
}

func NewDevice() *Device {
	return &Device{}
}

func (d *Device) Acquire(ctx context.Context) (call.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &call.MediaError{Reason: call.MediaOther, Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, &call.MediaError{Reason: call.MediaOther, Err: errors.New("device closed")}
	}
	if d.inUse {
		return nil, &call.MediaError{Reason: call.MediaBusy, Err: errors.New("device already acquired")}
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "devrtc")
	if err != nil {
		return nil, &call.MediaError{Reason: call.MediaOther, Err: err}
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "devrtc")
	if err != nil {
		return nil, &call.MediaError{Reason: call.MediaOther, Err: err}
	}

	d.inUse = true
	return &Stream{
		device: d,
		audio:  audio,
		video:  video,
	}, nil
}

// Close makes further acquisitions fail; live streams are unaffected
// until stopped.
func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func (d *Device) release() {
	d.mu.Lock()
	d.inUse = false
	d.mu.Unlock()
}

// Stream is live capture. Track toggles only flip availability flags;
// they never end the stream.
type Stream struct {
	device *Device
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample

	mu       sync.Mutex
	audioOff bool
	videoOff bool
	stopped  bool
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.audio, s.video}
}

func (s *Stream) SetAudioEnabled(on bool) {
	s.mu.Lock()
	s.audioOff = !on
	s.mu.Unlock()
}

func (s *Stream) SetVideoEnabled(on bool) {
	s.mu.Lock()
	s.videoOff = !on
	s.mu.Unlock()
}

// AudioEnabled reports whether sample feeders should write audio.
func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.audioOff && !s.stopped
}

// VideoEnabled reports whether sample feeders should write video.
func (s *Stream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.videoOff && !s.stopped
}

// Stop releases the device. Idempotent.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.device.release()
}

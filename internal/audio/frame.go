package audio

import (
	"errors"
	"time"
)

const (
	// SampleRate is the only rate carried on either side of the relay.
	SampleRate     = 24000
	BytesPerSample = 2
)

var (
	ErrEmptyFrame    = errors.New("empty audio frame")
	ErrOddFrameBytes = errors.New("pcm16 frame has odd byte length")
	ErrFrameTooLarge = errors.New("audio frame exceeds size limit")
)

// Frame is a buffer of PCM16LE mono samples at SampleRate. Frames are treated as
// immutable once created; Seq is for diagnostics only and never used to reorder.
type Frame struct {
	Seq uint64
	PCM []byte
}

// Duration reports how much audio the frame holds.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.PCM), SampleRate)
}

// ValidatePCM16 rejects payloads that cannot be PCM16 sample data.
func ValidatePCM16(pcm []byte, maxBytes int) error {
	if len(pcm) == 0 {
		return ErrEmptyFrame
	}
	if len(pcm)%BytesPerSample != 0 {
		return ErrOddFrameBytes
	}
	if maxBytes > 0 && len(pcm) > maxBytes {
		return ErrFrameTooLarge
	}
	return nil
}

// PCMDuration converts a PCM16 mono byte count into playback time.
func PCMDuration(n int, sampleRate int) time.Duration {
	if n <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Sequencer stamps frames of one direction with increasing sequence numbers.
// It is not safe for concurrent use; each direction has a single producer.
type Sequencer struct {
	next uint64
}

func (s *Sequencer) Stamp(pcm []byte) Frame {
	s.next++
	return Frame{Seq: s.next, PCM: pcm}
}

// Last returns the most recently issued sequence number, 0 if none.
func (s *Sequencer) Last() uint64 { return s.next }

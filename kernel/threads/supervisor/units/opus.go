package units

import (
	"errors"
	"fmt"

	"github.com/pion/opus"
)

// One decoded packet: 20 ms of 48 kHz mono s16.
const opusFrameBytes = 960 * 2

// OpusCodec decodes one Opus packet per input buffer into PCM. Only
// SILK-mode packets are understood by the decoder.
type OpusCodec struct {
	dec     opus.Decoder
	pcm     []byte
	pending []byte
	ready   bool
}

func NewOpusCodec() *OpusCodec {
	return &OpusCodec{dec: opus.NewDecoder(), pcm: make([]byte, opusFrameBytes)}
}

func (o *OpusCodec) Name() string { return "opus" }

// SetParam accepts only the decoder's fixed output format.
func (o *OpusCodec) SetParam(id, value uint32) error {
	want, err := o.GetParam(id)
	if err != nil {
		return err
	}
	if value != want {
		return fmt.Errorf("%w: opus param %d is fixed at %d", ErrBadParam, id, want)
	}
	return nil
}

func (o *OpusCodec) GetParam(id uint32) (uint32, error) {
	switch id {
	case ParamSampleRate:
		return 48000, nil
	case ParamChannels:
		return 1, nil
	case ParamSampleWidth:
		return 16, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownParam, id)
}

func (o *OpusCodec) Init() error {
	o.ready = true
	o.pending = nil
	return nil
}

// Process decodes in on first sight and drains the PCM across calls. The
// packet is reported consumed once all of its PCM has been written.
func (o *OpusCodec) Process(in, out []byte, eos bool) (int, int, error) {
	if !o.ready {
		return 0, 0, errors.New("opus: not initialized")
	}
	if o.pending == nil {
		_, _, err := o.dec.Decode(in, o.pcm)
		if err != nil {
			return 0, 0, fmt.Errorf("opus: %w", err)
		}
		o.pending = o.pcm
	}
	n := copy(out, o.pending)
	o.pending = o.pending[n:]
	if len(o.pending) > 0 {
		return 0, n, nil
	}
	o.pending = nil
	return len(in), n, nil
}

func (o *OpusCodec) Reset() { o.pending = nil }

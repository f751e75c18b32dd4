// Package units provides the reference component types hosted by the
// supervisor: a codec driven through a command vtable, a renderer feeding a
// sink, and a 16-bit PCM mixer.
package units

import (
	"io"

	"github.com/nmxmxh/dspaf/kernel/threads/supervisor"
)

// Type names accepted by REGISTER.
const (
	TypeCodec    = "codec"
	TypeRenderer = "renderer"
	TypeMixer    = "mixer"
)

const (
	DefaultFrameSize   = 1024
	DefaultMixerInputs = 2
)

// Config is shared by every unit built from one Register call.
type Config struct {
	// FrameSize is the processing granule in bytes.
	FrameSize uint32
	// Buffered gives the codec input an interim buffer instead of bypass mode.
	Buffered bool
	// Sink receives rendered frames. Nil discards them.
	Sink io.Writer
	// Loader serves LOAD_LIB and UNLOAD_LIB. Nil answers NotSupported.
	Loader      LibraryLoader
	MixerInputs int
}

// Register installs the reference unit types in f.
func Register(f *supervisor.Factory, cfg Config) error {
	if cfg.FrameSize == 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.Sink == nil {
		cfg.Sink = io.Discard
	}
	if cfg.MixerInputs <= 0 {
		cfg.MixerInputs = DefaultMixerInputs
	}
	if err := f.Register(TypeCodec, func(c *supervisor.Component) (supervisor.Unit, error) {
		return newCodecUnit(c, cfg)
	}); err != nil {
		return err
	}
	if err := f.Register(TypeRenderer, func(c *supervisor.Component) (supervisor.Unit, error) {
		return newRenderer(c, cfg), nil
	}); err != nil {
		return err
	}
	return f.Register(TypeMixer, func(c *supervisor.Component) (supervisor.Unit, error) {
		return newMixer(c, cfg)
	})
}

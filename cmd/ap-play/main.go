// Command ap-play streams a raw PCM file through a codec and renderer hosted
// by a running dsp-node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/nmxmxh/dspaf/internal/proxy"
	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/threads/foundation"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
	"github.com/nmxmxh/dspaf/kernel/threads/supervisor/units"
	"github.com/nmxmxh/dspaf/kernel/utils"
)

type options struct {
	config   string
	in       string
	library  string
	rate     uint
	channels uint
	buffers  uint
}

func main() {
	var o options
	flag.StringVar(&o.config, "config", "", "YAML configuration file")
	flag.StringVar(&o.in, "in", "", "raw PCM input file")
	flag.StringVar(&o.library, "lib", "", "codec library to load before streaming")
	flag.UintVar(&o.rate, "rate", 48000, "sample rate")
	flag.UintVar(&o.channels, "channels", 2, "channel count")
	flag.UintVar(&o.buffers, "buffers", 2, "input buffers in flight")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintln(os.Stderr, "ap-play:", err)
		os.Exit(1)
	}
}

func run(o options) (err error) {
	if o.in == "" {
		return errors.New("-in is required")
	}
	if o.buffers == 0 {
		return errors.New("-buffers must be positive")
	}
	cfg, err := config.Load(o.config)
	if err != nil {
		return err
	}
	utils.Configure(cfg.Logger())
	logger := utils.DefaultLogger("ap-play")

	src, err := os.Open(o.in)
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mem, err := sab.Map(sab.MapOptions{Path: cfg.SharedMemory.Path})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, mem.Close()) }()
	logger.Debug("attached to shared memory", utils.String("path", mem.Path()), utils.Uint32("size", mem.Size()))

	s, err := proxy.Connect(ctx, cfg, mem)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Close()) }()

	p := &player{
		s:     s,
		frame: cfg.Registry.FrameSize,
		free:  make(chan uint32, o.buffers+1),
		eos:   make(chan struct{}),
	}
	if err := p.open(ctx, o); err != nil {
		return multierr.Append(err, p.teardown())
	}
	start := time.Now()
	sent, err := p.stream(ctx, src)
	if err == nil {
		select {
		case <-p.eos:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	logger.Info("playback finished",
		utils.Int("bytes", sent),
		utils.Duration("elapsed", time.Since(start)),
		utils.Err(err))
	return multierr.Append(err, p.teardown())
}

type player struct {
	s     *proxy.Session
	frame uint32

	codec, rend *proxy.Handle
	bufs        map[uint32]proxy.Buffer
	free        chan uint32
	eos         chan struct{}
}

func (p *player) open(ctx context.Context, o options) error {
	var err error
	p.codec, err = p.s.Open(ctx, units.TypeCodec, p.onCodec)
	if err != nil {
		return err
	}
	p.rend, err = p.s.Open(ctx, units.TypeRenderer, p.onRenderer)
	if err != nil {
		return err
	}
	if o.library != "" {
		if err := p.s.LoadLibrary(ctx, p.codec, o.library); err != nil {
			return err
		}
	}
	if err := p.s.SetParams(ctx, p.codec,
		proxy.Param{ID: units.ParamSampleRate, Value: uint32(o.rate)},
		proxy.Param{ID: units.ParamChannels, Value: uint32(o.channels)},
	); err != nil {
		return err
	}
	if err := p.s.Route(ctx, p.codec, units.CodecOutput, p.rend, units.RendererInput, 2, p.frame, p.frame); err != nil {
		return err
	}

	p.bufs = make(map[uint32]proxy.Buffer, o.buffers)
	for i := uint(0); i < o.buffers; i++ {
		b, err := p.s.Alloc(ctx, p.frame)
		if err != nil {
			return err
		}
		p.bufs[b.Offset] = b
		p.free <- b.Offset
	}
	return p.s.StartComponent(ctx, p.codec)
}

// onCodec recycles input buffers the codec has consumed.
func (p *player) onCodec(_ *proxy.Handle, w foundation.WireMessage) {
	if w.Opcode.Type() != foundation.OpEmptyThisBuffer || w.Address == sab.NullOffset {
		return
	}
	if _, ok := p.bufs[w.Address]; ok {
		p.free <- w.Address
	}
}

func (p *player) onRenderer(_ *proxy.Handle, w foundation.WireMessage) {
	if w.Opcode.Type() == foundation.OpOutputEOS {
		close(p.eos)
	}
}

// stream fills free buffers from r until EOF, then marks end of stream.
func (p *player) stream(ctx context.Context, r io.Reader) (int, error) {
	sent := 0
	for {
		var off uint32
		select {
		case off = <-p.free:
		case <-ctx.Done():
			return sent, ctx.Err()
		}
		b := p.bufs[off]
		n, err := io.ReadFull(r, b.Data)
		if n > 0 {
			if err := p.s.Command(p.codec, units.CodecInput, foundation.OpEmptyThisBuffer, &b, uint32(n)); err != nil {
				return sent, err
			}
			sent += n
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return sent, p.s.Command(p.codec, units.CodecInput, foundation.OpEmptyThisBuffer, nil, 0)
		default:
			return sent, err
		}
	}
}

func (p *player) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if p.codec != nil && p.rend != nil {
		err = multierr.Append(err, p.s.Unroute(ctx, p.codec, units.CodecOutput))
	}
	for _, h := range []*proxy.Handle{p.codec, p.rend} {
		if h != nil {
			err = multierr.Append(err, h.Close(ctx))
		}
	}
	for _, b := range p.bufs {
		err = multierr.Append(err, p.s.Free(ctx, b))
	}
	return err
}

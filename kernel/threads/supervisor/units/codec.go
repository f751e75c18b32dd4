package units

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Parameter ids carried in SET_PARAM and GET_PARAM payloads.
const (
	ParamSampleRate uint32 = iota
	ParamChannels
	ParamSampleWidth
	ParamFrameSize
	ParamGain
)

var (
	ErrUnknownParam = errors.New("units: unknown parameter")
	ErrBadParam     = errors.New("units: parameter value out of range")
	ErrUnknownLib   = errors.New("units: unknown library")
)

// Codec is the command vtable a codec implementation exposes to the codec
// unit. Process converts in into out and reports the bytes taken and written.
type Codec interface {
	Name() string
	SetParam(id, value uint32) error
	GetParam(id uint32) (uint32, error)
	Init() error
	Process(in, out []byte, eos bool) (consumed, produced int, err error)
	Reset()
}

// PCMCodec passes interleaved PCM through unchanged.
type PCMCodec struct {
	rate     uint32
	channels uint32
	width    uint32
	ready    bool
}

func NewPCMCodec() *PCMCodec {
	return &PCMCodec{rate: 48000, channels: 2, width: 16}
}

func (p *PCMCodec) Name() string { return "pcm" }

func (p *PCMCodec) SetParam(id, value uint32) error {
	switch id {
	case ParamSampleRate:
		if value == 0 {
			return fmt.Errorf("%w: rate %d", ErrBadParam, value)
		}
		p.rate = value
	case ParamChannels:
		if value == 0 || value > 8 {
			return fmt.Errorf("%w: channels %d", ErrBadParam, value)
		}
		p.channels = value
	case ParamSampleWidth:
		if value != 16 && value != 24 && value != 32 {
			return fmt.Errorf("%w: width %d", ErrBadParam, value)
		}
		p.width = value
	default:
		return fmt.Errorf("%w: %d", ErrUnknownParam, id)
	}
	return nil
}

func (p *PCMCodec) GetParam(id uint32) (uint32, error) {
	switch id {
	case ParamSampleRate:
		return p.rate, nil
	case ParamChannels:
		return p.channels, nil
	case ParamSampleWidth:
		return p.width, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnknownParam, id)
}

func (p *PCMCodec) Init() error {
	p.ready = true
	return nil
}

// Process copies whole sample frames.
func (p *PCMCodec) Process(in, out []byte, eos bool) (int, int, error) {
	if !p.ready {
		return 0, 0, errors.New("pcm: not initialized")
	}
	n := len(in)
	if len(out) < n {
		n = len(out)
	}
	if !eos {
		frame := int(p.channels * p.width / 8)
		n -= n % frame
	}
	copy(out, in[:n])
	return n, n, nil
}

func (p *PCMCodec) Reset() {}

// LibraryLoader resolves codec libraries named by LOAD_LIB.
type LibraryLoader interface {
	Load(name string) (Codec, error)
	Unload(name string) error
}

// StaticLoader serves codecs linked into the binary.
type StaticLoader struct {
	mu     sync.Mutex
	ctors  map[string]func() Codec
	loaded map[string]int
}

func NewStaticLoader() *StaticLoader {
	l := &StaticLoader{
		ctors:  make(map[string]func() Codec),
		loaded: make(map[string]int),
	}
	l.Add("pcm", func() Codec { return NewPCMCodec() })
	l.Add("opus", func() Codec { return NewOpusCodec() })
	return l
}

// Add makes a codec available under name.
func (l *StaticLoader) Add(name string, ctor func() Codec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctors[name] = ctor
}

func (l *StaticLoader) Load(name string) (Codec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctor, ok := l.ctors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownLib, name)
	}
	l.loaded[name]++
	return ctor(), nil
}

func (l *StaticLoader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded[name] == 0 {
		return fmt.Errorf("%w: %q not loaded", ErrUnknownLib, name)
	}
	l.loaded[name]--
	return nil
}

// Loaded lists libraries with a non-zero reference count.
func (l *StaticLoader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var names []string
	for n, c := range l.loaded {
		if c > 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

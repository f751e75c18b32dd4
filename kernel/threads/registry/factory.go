package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateType = errors.New("registry: component type already registered")
	ErrUnknownType   = errors.New("registry: unknown component type")
)

// Constructor builds a component of one type for the environment env.
type Constructor[E, T any] func(env E) (T, error)

// Factory maps component type names to constructors. It is filled at startup and read
// by the dispatcher on REGISTER.
type Factory[E, T any] struct {
	ctors map[string]Constructor[E, T]
	mu    sync.RWMutex
}

func NewFactory[E, T any]() *Factory[E, T] {
	return &Factory[E, T]{ctors: make(map[string]Constructor[E, T])}
}

// Register adds a type. Registering a name twice is an error.
func (f *Factory[E, T]) Register(name string, ctor Constructor[E, T]) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("registry: empty type name or constructor")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ctors[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateType, name)
	}
	f.ctors[name] = ctor
	return nil
}

// MustRegister panics on error; for built-in types registered at init.
func (f *Factory[E, T]) MustRegister(name string, ctor Constructor[E, T]) {
	if err := f.Register(name, ctor); err != nil {
		panic(err)
	}
}

// New constructs a component of type name.
func (f *Factory[E, T]) New(name string, env E) (T, error) {
	f.mu.RLock()
	ctor, ok := f.ctors[name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return ctor(env)
}

// Names lists registered types in order.
func (f *Factory[E, T]) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.ctors))
	for n := range f.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

//go:build unix

package node

import (
	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

// openMemory maps the shared region. An empty path keeps it in process,
// which only serves an AP living in the same process.
func openMemory(cfg config.SharedMemoryConfig, size uint32) (sab.MemoryProvider, bool, error) {
	if cfg.Path == "" {
		return sab.NewInMemoryProvider(size), true, nil
	}
	mem, err := sab.Map(sab.MapOptions{Path: cfg.Path, Size: size, Create: cfg.Create})
	if err != nil {
		return nil, false, err
	}
	return mem, mem.Owner(), nil
}

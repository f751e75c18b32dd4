//go:build !unix

package node

import (
	"errors"

	"github.com/nmxmxh/dspaf/kernel/config"
	"github.com/nmxmxh/dspaf/kernel/threads/sab"
)

func openMemory(cfg config.SharedMemoryConfig, size uint32) (sab.MemoryProvider, bool, error) {
	if cfg.Path == "" {
		return sab.NewInMemoryProvider(size), true, nil
	}
	return nil, false, errors.New("shared memory files need a unix host")
}

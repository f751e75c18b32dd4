package foundation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHalfPacking(t *testing.T) {
	tests := []struct {
		core   Core
		client uint8
		port   uint8
		proxy  bool
	}{
		{CoreAP, 0, 0, false},
		{CoreDSP, 63, 15, true},
		{CoreDSP, 5, 1, false},
		{3, 1, 0, true},
	}
	for _, tt := range tests {
		h := MakeHalf(tt.core, tt.client, tt.port, tt.proxy)
		assert.Equal(t, tt.core, h.Core())
		assert.Equal(t, tt.client, h.Client())
		assert.Equal(t, tt.port, h.Port())
		assert.Equal(t, tt.proxy, h.Proxy())
	}
}

func TestHalfBitPositions(t *testing.T) {
	h := MakeHalf(CoreDSP, 1, 1, true)
	assert.Equal(t, Half(0x1<<0|0x1<<2|0x1<<8|0x1<<15), h)
	assert.Equal(t, uint8(7), h.WithPort(7).Port())
	assert.Equal(t, uint8(1), h.WithPort(7).Client())
	assert.Equal(t, uint8(9), h.WithClient(9).Client())
	assert.True(t, h.WithClient(9).Proxy())
}

func TestSessionSwap(t *testing.T) {
	src := MakeHalf(CoreAP, 3, 0, false)
	dst := MakeHalf(CoreDSP, 4, 1, false)
	s := MakeSession(src, dst)

	assert.Equal(t, src, s.Src())
	assert.Equal(t, dst, s.Dst())
	assert.Equal(t, uint32(src)<<16|uint32(dst), uint32(s))
	assert.Equal(t, dst, s.Swap().Src())
	assert.Equal(t, src, s.Swap().Dst())
	assert.Equal(t, s, s.Swap().Swap())
}

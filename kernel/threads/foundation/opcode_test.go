package foundation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpcodeFlags(t *testing.T) {
	tests := []struct {
		op       OpcodeType
		value    uint8
		cmd, rsp bool
		name     string
	}{
		{OpUnregister, 0, false, false, "UNREGISTER"},
		{OpRegister, 1, true, true, "REGISTER"},
		{OpRoute, 2, true, false, "ROUTE"},
		{OpAlloc, 4, false, true, "ALLOC"},
		{OpFree, 5, true, true, "FREE"},
		{OpGetParam, 7, true, true, "GET_PARAM"},
		{OpEmptyThisBuffer, 8, true, false, "EMPTY_THIS_BUFFER"},
		{OpFillThisBuffer, 9, false, true, "FILL_THIS_BUFFER"},
		{OpFlush, 10, false, false, "FLUSH"},
		{OpStart, 11, false, true, "START"},
		{OpSuspend, 15, false, false, "SUSPEND"},
		{OpShmemInfo, 19, false, true, "SHMEM_INFO"},
		{OpPauseRelease, 20, false, false, "PAUSE_RELEASE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := Command(tt.op)
			assert.Equal(t, tt.value, uint8(op.Type()))
			assert.Equal(t, tt.cmd, op.HasCmdPayload())
			assert.Equal(t, tt.rsp, op.HasRspPayload())
			assert.Equal(t, tt.name, op.String())
			assert.True(t, op.Valid())
		})
	}
}

func TestOpcodeValid(t *testing.T) {
	assert.False(t, Opcode(21).Valid())
	assert.False(t, Opcode(63).Valid())
	assert.False(t, (Command(OpFlush) | OpcodeCmdData).Valid())
	assert.False(t, (Command(OpRegister) &^ OpcodeRspData).Valid())
	assert.False(t, (Command(OpStop) | 1<<12).Valid())
	assert.Equal(t, "OPCODE(0x3f)", Opcode(63).String())
}

package foundation

import "fmt"

// OpcodeType is the 6-bit message type.
type OpcodeType uint8

const (
	OpUnregister OpcodeType = iota
	OpRegister
	OpRoute
	OpUnroute
	OpAlloc
	OpFree
	OpSetParam
	OpGetParam
	OpEmptyThisBuffer
	OpFillThisBuffer
	OpFlush
	OpStart
	OpStop
	OpPause
	OpResume
	OpSuspend
	OpLoadLib
	OpUnloadLib
	OpOutputEOS
	OpShmemInfo
	OpPauseRelease

	opTypeCount
)

// Opcode carries the type in bits 0-5, a command payload flag in bit 31 and a
// response payload flag in bit 30.
type Opcode uint32

const (
	OpcodeCmdData  Opcode = 1 << 31
	OpcodeRspData  Opcode = 1 << 30
	opcodeTypeMask        = 0x3F
)

type opcodeInfo struct {
	name string
	cmd  bool
	rsp  bool
}

var opcodeTable = [opTypeCount]opcodeInfo{
	OpUnregister:      {"UNREGISTER", false, false},
	OpRegister:        {"REGISTER", true, true},
	OpRoute:           {"ROUTE", true, false},
	OpUnroute:         {"UNROUTE", true, false},
	OpAlloc:           {"ALLOC", false, true},
	OpFree:            {"FREE", true, true},
	OpSetParam:        {"SET_PARAM", true, false},
	OpGetParam:        {"GET_PARAM", true, true},
	OpEmptyThisBuffer: {"EMPTY_THIS_BUFFER", true, false},
	OpFillThisBuffer:  {"FILL_THIS_BUFFER", false, true},
	OpFlush:           {"FLUSH", false, false},
	OpStart:           {"START", false, true},
	OpStop:            {"STOP", false, false},
	OpPause:           {"PAUSE", false, false},
	OpResume:          {"RESUME", false, false},
	OpSuspend:         {"SUSPEND", false, false},
	OpLoadLib:         {"LOAD_LIB", true, false},
	OpUnloadLib:       {"UNLOAD_LIB", true, false},
	OpOutputEOS:       {"OUTPUT_EOS", false, false},
	OpShmemInfo:       {"SHMEM_INFO", false, true},
	OpPauseRelease:    {"PAUSE_RELEASE", false, false},
}

// Command returns the opcode of type t with its canonical payload flags.
func Command(t OpcodeType) Opcode {
	op := Opcode(t) & opcodeTypeMask
	if t < opTypeCount {
		if opcodeTable[t].cmd {
			op |= OpcodeCmdData
		}
		if opcodeTable[t].rsp {
			op |= OpcodeRspData
		}
	}
	return op
}

func (o Opcode) Type() OpcodeType    { return OpcodeType(o & opcodeTypeMask) }
func (o Opcode) HasCmdPayload() bool { return o&OpcodeCmdData != 0 }
func (o Opcode) HasRspPayload() bool { return o&OpcodeRspData != 0 }

// Valid rejects unknown types, stray bits and payload flags that disagree with the type.
func (o Opcode) Valid() bool {
	t := o.Type()
	if t >= opTypeCount {
		return false
	}
	return o == Command(t)
}

func (o Opcode) String() string {
	if t := o.Type(); t < opTypeCount {
		return opcodeTable[t].name
	}
	return fmt.Sprintf("OPCODE(%#x)", uint32(o))
}

func (t OpcodeType) String() string {
	return Command(t).String()
}

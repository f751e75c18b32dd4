package foundation

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Administrative payloads carried in the buffer of a message.

const (
	MaxTypeNameLen     = 31
	ROUTE_PAYLOAD_SIZE = 16
	SHMEM_INFO_SIZE    = 16
)

// EncodeTypeName writes a NUL-terminated component type name for REGISTER.
func EncodeTypeName(b []byte, name string) (uint32, error) {
	if len(name) == 0 || len(name) > MaxTypeNameLen {
		return 0, fmt.Errorf("type name %q: length must be 1..%d", name, MaxTypeNameLen)
	}
	if len(b) < len(name)+1 {
		return 0, fmt.Errorf("type name %q: buffer too small", name)
	}
	n := copy(b, name)
	b[n] = 0
	return uint32(n + 1), nil
}

// DecodeTypeName reads a REGISTER payload.
func DecodeTypeName(b []byte) (string, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if len(b) == 0 || len(b) > MaxTypeNameLen {
		return "", fmt.Errorf("malformed type name of %d bytes", len(b))
	}
	return string(b), nil
}

// RouteRequest is the ROUTE payload sent to the source port.
type RouteRequest struct {
	Dst    Half
	Count  uint32
	Length uint32
	Align  uint32
}

func (r RouteRequest) Encode(b []byte) {
	_ = b[ROUTE_PAYLOAD_SIZE-1]
	binary.LittleEndian.PutUint32(b[0:], uint32(r.Dst))
	binary.LittleEndian.PutUint32(b[4:], r.Count)
	binary.LittleEndian.PutUint32(b[8:], r.Length)
	binary.LittleEndian.PutUint32(b[12:], r.Align)
}

func DecodeRouteRequest(b []byte) (RouteRequest, error) {
	if len(b) < ROUTE_PAYLOAD_SIZE {
		return RouteRequest{}, fmt.Errorf("route payload: %d bytes, want %d", len(b), ROUTE_PAYLOAD_SIZE)
	}
	return RouteRequest{
		Dst:    Half(binary.LittleEndian.Uint32(b[0:])),
		Count:  binary.LittleEndian.Uint32(b[4:]),
		Length: binary.LittleEndian.Uint32(b[8:]),
		Align:  binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

// ShmemInfo is the SHMEM_INFO response payload.
type ShmemInfo struct {
	PoolSize    uint32
	Free        uint32
	LargestFree uint32
	Allocations uint32
}

func (s ShmemInfo) Encode(b []byte) {
	_ = b[SHMEM_INFO_SIZE-1]
	binary.LittleEndian.PutUint32(b[0:], s.PoolSize)
	binary.LittleEndian.PutUint32(b[4:], s.Free)
	binary.LittleEndian.PutUint32(b[8:], s.LargestFree)
	binary.LittleEndian.PutUint32(b[12:], s.Allocations)
}

func DecodeShmemInfo(b []byte) (ShmemInfo, error) {
	if len(b) < SHMEM_INFO_SIZE {
		return ShmemInfo{}, fmt.Errorf("shmem info: %d bytes, want %d", len(b), SHMEM_INFO_SIZE)
	}
	return ShmemInfo{
		PoolSize:    binary.LittleEndian.Uint32(b[0:]),
		Free:        binary.LittleEndian.Uint32(b[4:]),
		LargestFree: binary.LittleEndian.Uint32(b[8:]),
		Allocations: binary.LittleEndian.Uint32(b[12:]),
	}, nil
}

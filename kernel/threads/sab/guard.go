package sab

import "fmt"

// RegionOwner identifies a side of the shared memory.
type RegionOwner uint32

const (
	RegionOwnerAP  RegionOwner = 1 << 0
	RegionOwnerDSP RegionOwner = 1 << 1
)

func (o RegionOwner) String() string {
	switch o {
	case RegionOwnerAP:
		return "ap"
	case RegionOwnerDSP:
		return "dsp"
	case RegionOwnerAP | RegionOwnerDSP:
		return "ap|dsp"
	default:
		return fmt.Sprintf("owner(%d)", uint32(o))
	}
}

// Peer returns the opposite side.
func (o RegionOwner) Peer() RegionOwner {
	if o == RegionOwnerAP {
		return RegionOwnerDSP
	}
	return RegionOwnerAP
}

// AccessMode defines how a region is protected.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessSingleWriter
	AccessMultiWriter
)

// RegionId identifies guard-protected regions.
type RegionId uint32

const (
	RegionCommandRing RegionId = iota
	RegionResponseRing
	RegionPool
)

// RegionPolicy declares who can access a region and how.
type RegionPolicy struct {
	RegionID   RegionId
	Access     AccessMode
	WriterMask RegionOwner
	ReaderMask RegionOwner
	// WriteIndex is the producer-owned index word, ReadIndex the consumer-owned one.
	WriteIndex uint32
	ReadIndex  uint32
	Doorbell   uint32
}

// PolicyFor returns the canonical policy for a region.
func PolicyFor(region RegionId) RegionPolicy {
	switch region {
	case RegionCommandRing:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerAP,
			ReaderMask: RegionOwnerDSP,
			WriteIndex: OFFSET_CMD_WRITE_IDX,
			ReadIndex:  OFFSET_CMD_READ_IDX,
			Doorbell:   OFFSET_DOORBELL_DSP,
		}
	case RegionResponseRing:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessSingleWriter,
			WriterMask: RegionOwnerDSP,
			ReaderMask: RegionOwnerAP,
			WriteIndex: OFFSET_RSP_WRITE_IDX,
			ReadIndex:  OFFSET_RSP_READ_IDX,
			Doorbell:   OFFSET_DOORBELL_AP,
		}
	case RegionPool:
		return RegionPolicy{
			RegionID:   region,
			Access:     AccessMultiWriter,
			WriterMask: RegionOwnerAP | RegionOwnerDSP,
			ReaderMask: RegionOwnerAP | RegionOwnerDSP,
		}
	default:
		return RegionPolicy{RegionID: region, Access: AccessReadOnly}
	}
}

// CanWrite reports whether owner may write the region's records.
func (p RegionPolicy) CanWrite(owner RegionOwner) bool {
	return p.Access != AccessReadOnly && p.WriterMask&owner != 0
}

// CanRead reports whether owner may consume the region's records.
func (p RegionPolicy) CanRead(owner RegionOwner) bool {
	return p.ReaderMask&owner != 0
}

// IndexOwner returns the only side allowed to store to a control block word.
func IndexOwner(offset uint32) (RegionOwner, bool) {
	switch offset {
	case OFFSET_CMD_WRITE_IDX, OFFSET_RSP_READ_IDX, OFFSET_DOORBELL_DSP:
		return RegionOwnerAP, true
	case OFFSET_CMD_READ_IDX, OFFSET_RSP_WRITE_IDX, OFFSET_DOORBELL_AP:
		return RegionOwnerDSP, true
	}
	return 0, false
}

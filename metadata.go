package bplusdb

import (
	"encoding/binary"
	"fmt"
)

const (
	metaMagic1 = uint32(0x42D6AECB)
	metaMagic2 = uint32(0x6B708B42)

	cleanFlag = byte(0xEA)
	uncleanFlag = byte(0x00)

	metaRecordSize = 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 1 + 4
)

// metadata is the block-0 record: fixed geometry plus the live tree
// summary needed to resume without a full rescan.
type metadata struct {
	blockSize uint32
	bOrderLeaf uint32
	bOrderInternal uint32
	storageBlock uint32
	rootID nodeID
	lowID nodeID
	highID nodeID
	elements uint32
	height uint32
	maxInternalNodes uint32
	maxLeafNodes uint32
	clean bool
}

func (m *metadata) serialize(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], metaMagic1)
	binary.BigEndian.PutUint32(buf[4:8], m.blockSize)
	binary.BigEndian.PutUint32(buf[8:12], m.bOrderLeaf)
	binary.BigEndian.PutUint32(buf[12:16], m.bOrderInternal)
	binary.BigEndian.PutUint32(buf[16:20], m.storageBlock)
	binary.BigEndian.PutUint32(buf[20:24], uint32(int32(m.rootID)))
	binary.BigEndian.PutUint32(buf[24:28], uint32(int32(m.lowID)))
	binary.BigEndian.PutUint32(buf[28:32], uint32(int32(m.highID)))
	binary.BigEndian.PutUint32(buf[32:36], m.elements)
	binary.BigEndian.PutUint32(buf[36:40], m.height)
	binary.BigEndian.PutUint32(buf[40:44], m.maxInternalNodes)
	binary.BigEndian.PutUint32(buf[44:48], m.maxLeafNodes)
	if m.clean {
		buf[48] = cleanFlag
	} else {
		buf[48] = uncleanFlag
	}
	binary.BigEndian.PutUint32(buf[49:53], metaMagic2)
}

// deserializeMetadata validates both magic constants and unpacks the
// remaining fields, returning ErrInvalidData on mismatch.
func deserializeMetadata(buf []byte) (*metadata, error) {
	if len(buf) < metaRecordSize {
		return nil, fmt.Errorf("%w: metadata block too short", ErrInvalidData)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != metaMagic1 {
		return nil, fmt.Errorf("%w: bad metadata magic1", ErrInvalidData)
	}
	if binary.BigEndian.Uint32(buf[49:53]) != metaMagic2 {
		return nil, fmt.Errorf("%w: bad metadata magic2", ErrInvalidData)
	}
	m := &metadata{
		blockSize: binary.BigEndian.Uint32(buf[4:8]),
		bOrderLeaf: binary.BigEndian.Uint32(buf[8:12]),
		bOrderInternal: binary.BigEndian.Uint32(buf[12:16]),
		storageBlock: binary.BigEndian.Uint32(buf[16:20]),
		rootID: nodeID(int32(binary.BigEndian.Uint32(buf[20:24]))),
		lowID: nodeID(int32(binary.BigEndian.Uint32(buf[24:28]))),
		highID: nodeID(int32(binary.BigEndian.Uint32(buf[28:32]))),
		elements: binary.BigEndian.Uint32(buf[32:36]),
		height: binary.BigEndian.Uint32(buf[36:40]),
		maxInternalNodes: binary.BigEndian.Uint32(buf[40:44]),
		maxLeafNodes: binary.BigEndian.Uint32(buf[44:48]),
	}
	switch buf[48] {
	case cleanFlag:
		m.clean = true
	case uncleanFlag:
		m.clean = false
	default:
		return nil, fmt.Errorf("%w: bad clean flag %#x", ErrInvalidData, buf[48])
	}
	return m, nil
}

// readMetadata loads and validates the block-0 record.
func readMetadata(store blockStore) (*metadata, error) {
	buf, err := store.Get(0)
	if err != nil {
		return nil, err
	}
	defer putBuffer(len(buf), false, buf)
	return deserializeMetadata(buf)
}

// writeMetadata serializes m into block 0, with the clean flag taken
// from m.clean.
func writeMetadata(store blockStore, m *metadata, blockSize int) error {
	buf := getBuffer(blockSize, false)
	m.serialize(buf)
	return store.Set(0, buf)
}

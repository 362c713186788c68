package bplusdb

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"os"
	"sync"
)

const (
	redoHeaderMagic = uint16(0x754C)
	redoFooterMagic = byte(0x24)
	redoPaddingMagic = byte(0x42)

	redoHeaderLen = 2 + 4 // magic16 | len32
	redoFooterLen = 1

	opPut = byte(0xA)
	opRemove = byte(0xB)
)

// redoLog is the append-only stream backing crash recovery: every record is
// framed HEADER(magic16)|len32|payload|FOOTER(magic8), optionally padded
// so headers land on a buffer-size boundary.
type redoLog struct {
	mu sync.Mutex
	file *os.File
	path string
	size int64
	boundary int64 // 1 << bits

	flushOnWrite bool
	syncOnFlush bool
	alignBlocks bool

	onSync func(offset int64)
}

// boundaryFor computes 1 << ceil(log2(max(bufferSize, 512))), the
// alignment boundary redo headers are padded to when alignBlocks is set.
func boundaryFor(bufferSize int) int64 {
	if bufferSize < 512 {
		bufferSize = 512
	}
	b := bits.Len(uint(bufferSize - 1))
	return int64(1) << uint(b)
}

func openRedoLog(path string, bufferSize int, flushOnWrite, syncOnFlush, alignBlocks bool) (*redoLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open redo %s: %v", ErrIo, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat redo %s: %v", ErrIo, path, err)
	}
	return &redoLog{
		file: f,
		path: path,
		size: info.Size(),
		boundary: boundaryFor(bufferSize),
		flushOnWrite: flushOnWrite,
		syncOnFlush: syncOnFlush,
		alignBlocks: alignBlocks,
	}, nil
}

// encodePut builds the PUT payload: 0xA | key | value.
func encodePut(key, value []byte) []byte {
	buf := make([]byte, 1+len(key)+len(value))
	buf[0] = opPut
	off := 1
	off += copy(buf[off:], key)
	copy(buf[off:], value)
	return buf
}

// encodeRemove builds the REMOVE payload: 0xB | key.
func encodeRemove(key []byte) []byte {
	buf := make([]byte, 1+len(key))
	buf[0] = opRemove
	copy(buf[1:], key)
	return buf
}

// frame lays out HEADER|payload|FOOTER into a freshly sized buffer.
func frame(payload []byte) []byte {
	buf := make([]byte, redoHeaderLen+len(payload)+redoFooterLen)
	binary.BigEndian.PutUint16(buf[0:2], redoHeaderMagic)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:6+len(payload)], payload)
	buf[len(buf)-1] = redoFooterMagic
	return buf
}

// padToLocked appends zero padding, magic-prefixed, so the next write lands on
// a boundary multiple. No-op if already aligned.
func (r *redoLog) padToLocked() error {
	if !r.alignBlocks {
		return nil
	}
	rem := r.size % r.boundary
	if rem == 0 {
		return nil
	}
	padLen := r.boundary - rem
	pad := make([]byte, padLen)
	pad[0] = redoPaddingMagic
	if _, err := r.file.WriteAt(pad, r.size); err != nil {
		return fmt.Errorf("%w: pad redo log: %v", ErrIo, err)
	}
	r.size += padLen
	return nil
}

// writeRecord appends one framed record and returns its starting offset
// (the offset of its HEADER). Frames that would straddle a boundary are
// preceded by padding when alignBlocks is set. Frames larger than
// bufferSize are written directly in header/payload/footer pieces
// instead of as one framed buffer.
func (r *redoLog) writeRecord(payload []byte, bufferSize int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf := frame(payload)

	if r.alignBlocks {
		end := r.size + int64(len(buf))
		if r.size/r.boundary != (end-1)/r.boundary {
			if err := r.padToLocked(); err != nil {
				return 0, err
			}
		}
	}

	start := r.size

	if len(buf) > bufferSize {
		if err := r.writeDirectLocked(payload); err != nil {
			return 0, err
		}
	} else if _, err := r.file.WriteAt(buf, r.size); err != nil {
		return 0, fmt.Errorf("%w: write redo record: %v", ErrIo, err)
	}
	r.size += int64(len(buf))

	if r.flushOnWrite {
		if err := r.file.Sync(); err != nil {
			return 0, fmt.Errorf("%w: flush redo record: %v", ErrIo, err)
		}
		if r.onSync != nil {
			r.onSync(r.size)
		}
	}
	return start, nil
}

// writeDirectLocked writes header, payload, and footer as three separate
// positional writes instead of one write of the framed buffer.
func (r *redoLog) writeDirectLocked(payload []byte) error {
	header := make([]byte, redoHeaderLen)
	binary.BigEndian.PutUint16(header[0:2], redoHeaderMagic)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(payload)))
	off := r.size
	if _, err := r.file.WriteAt(header, off); err != nil {
		return fmt.Errorf("%w: write redo header: %v", ErrIo, err)
	}
	off += int64(len(header))
	if _, err := r.file.WriteAt(payload, off); err != nil {
		return fmt.Errorf("%w: write redo payload: %v", ErrIo, err)
	}
	off += int64(len(payload))
	if _, err := r.file.WriteAt([]byte{redoFooterMagic}, off); err != nil {
		return fmt.Errorf("%w: write redo footer: %v", ErrIo, err)
	}
	return nil
}

const eofSentinel = int64(-1)
const corruptSentinel = int64(-2)

// readRecord reads the record starting at offset, skipping any padding
// run first. It returns the offset just past the FOOTER, or a negative
// sentinel on EOF/corruption.
func (r *redoLog) readRecord(offset int64) (next int64, payload []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	off := offset
	for {
		if off >= r.size {
			return eofSentinel, nil, nil
		}
		var b [1]byte
		if _, err := r.file.ReadAt(b[:], off); err != nil {
			return eofSentinel, nil, nil
		}
		if b[0] == redoPaddingMagic {
			off += r.boundary - (off % r.boundary)
			continue
		}
		break
	}

	header := make([]byte, redoHeaderLen)
	if _, err := r.file.ReadAt(header, off); err != nil {
		return eofSentinel, nil, nil
	}
	magic := binary.BigEndian.Uint16(header[0:2])
	if magic != redoHeaderMagic {
		return corruptSentinel, nil, fmt.Errorf("%w: bad redo header magic at offset %d", ErrCorruptRedoLog, off)
	}
	length := binary.BigEndian.Uint32(header[2:6])

	payload = make([]byte, length)
	payloadOff := off + redoHeaderLen
	if payloadOff+int64(length)+redoFooterLen > r.size {
		return corruptSentinel, nil, fmt.Errorf("%w: truncated redo record at offset %d", ErrCorruptRedoLog, off)
	}
	if _, err := r.file.ReadAt(payload, payloadOff); err != nil {
		return corruptSentinel, nil, fmt.Errorf("%w: read redo payload: %v", ErrCorruptRedoLog, err)
	}

	var footer [1]byte
	footerOff := payloadOff + int64(length)
	if _, err := r.file.ReadAt(footer[:], footerOff); err != nil {
		return corruptSentinel, nil, fmt.Errorf("%w: read redo footer: %v", ErrCorruptRedoLog, err)
	}
	if footer[0] != redoFooterMagic {
		return corruptSentinel, nil, fmt.Errorf("%w: bad redo footer at offset %d", ErrCorruptRedoLog, footerOff)
	}
	return footerOff + redoFooterLen, payload, nil
}

// readFromEnd seeks size - HEADER - payloadLen - FOOTER and reads the
// record found there.
func (r *redoLog) readFromEnd(payloadLen int) (payload []byte, err error) {
	r.mu.Lock()
	start := r.size - int64(redoHeaderLen) - int64(payloadLen) - int64(redoFooterLen)
	r.mu.Unlock()
	if start < 0 {
		return nil, fmt.Errorf("%w: redo log too short for read_from_end", ErrCorruptRedoLog)
	}
	_, payload, err = r.readRecord(start)
	return payload, err
}

// isValid reports whether the file's last byte is the footer magic —
// a cheap well-formedness check used before replay.
func (r *redoLog) isValid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == 0 {
		return true
	}
	var b [1]byte
	if _, err := r.file.ReadAt(b[:], r.size-1); err != nil {
		return false
	}
	return b[0] == redoFooterMagic
}

// decodePayload splits a payload back into its operation and fixed-width
// key/value fields.
func decodePayload(payload []byte, keyLen, valLen int) (op byte, key, value []byte, err error) {
	if len(payload) < 1 {
		return 0, nil, nil, fmt.Errorf("%w: empty redo payload", ErrCorruptRedoLog)
	}
	op = payload[0]
	switch op {
	case opPut:
		if len(payload) != 1+keyLen+valLen {
			return 0, nil, nil, fmt.Errorf("%w: malformed PUT payload", ErrCorruptRedoLog)
		}
		key = payload[1 : 1+keyLen]
		value = payload[1+keyLen:]
	case opRemove:
		if len(payload) != 1+keyLen {
			return 0, nil, nil, fmt.Errorf("%w: malformed REMOVE payload", ErrCorruptRedoLog)
		}
		key = payload[1 : 1+keyLen]
	default:
		return 0, nil, nil, fmt.Errorf("%w: unknown redo opcode %#x", ErrCorruptRedoLog, op)
	}
	return op, key, value, nil
}

func (r *redoLog) truncate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncate redo %s: %v", ErrIo, r.path, err)
	}
	r.size = 0
	return nil
}

func (r *redoLog) sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.syncOnFlush {
		return nil
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync redo %s: %v", ErrIo, r.path, err)
	}
	if r.onSync != nil {
		r.onSync(r.size)
	}
	return nil
}

func (r *redoLog) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("%w: close redo %s: %v", ErrIo, r.path, err)
	}
	return nil
}

func (r *redoLog) sizeBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

package bplusdb

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Recovery rebuilds a data file after an unclean shutdown. It scans every leaf
// block of the broken data file, re-inserts every live record into a
// fresh auxiliary tree opened at a temporary path with redo disabled,
// replays the redo log against it, then archives the broken files
// (suffixed with a random UUID rather than a raw timestamp, avoiding
// collisions when recovery runs twice in the same second) and promotes
// the auxiliary data file into their place.
//
// Recovery may be called from Created (an Open that returned
// ErrInvalidData on an unclean shutdown leaves the tree in Created)
// and transitions the receiver to Created on success, ready for a
// subsequent Open.
func (t *Tree[K, V]) Recovery() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateCreated {
		return ErrInvalidState
	}

	t.opts.logger.Warn("recovering tree from unclean shutdown", "file", t.opts.filename)

	dataPath := t.opts.filename + ".data"
	redoPath := t.opts.filename + ".redo"
	bitmapPath := bitmapSidecarPath(t.opts.filename)

	broken, err := openFileBlockStore(dataPath, t.blockSizeOrDefault())
	if err != nil {
		return err
	}

	keyLen, valLen := t.keyCodec.ByteLength(), t.valCodec.ByteLength()
	blockSize := t.blockSizeOrDefault()

	auxFilename := t.opts.filename + ".recovering"
	tmpPath := auxFilename + ".data"
	aux, err := NewTree[K, V](t.keyCodec, t.valCodec,
		WithFilename(auxFilename),
		WithBlockSize(t.opts.bSize),
		WithAutoTune(t.opts.autoTune),
		WithCacheSize(t.opts.cacheSize),
		WithRedo(false),
	)
	if err != nil {
		_ = broken.Close()
		return err
	}
	if err := aux.Open(); err != nil {
		_ = broken.Close()
		return err
	}

	total := broken.SizeInBlocks()
	for i := int32(1); i < total; i++ {
		buf, err := broken.Get(i)
		if err != nil {
			continue
		}
		n, derr := deserializeNode(buf, keyLen, valLen)
		putBuffer(len(buf), false, buf)
		if derr != nil || !n.isLeaf() || n.isDeleted() {
			continue
		}
		for j := 0; j < int(n.allocated); j++ {
			k := t.keyCodec.Deserialize(n.keys[j])
			v := t.valCodec.Deserialize(n.values[j])
			if _, err := aux.Put(k, v); err != nil {
				_ = broken.Close()
				_ = aux.Close()
				return err
			}
		}
	}
	_ = broken.Close()

	if redo, rerr := openRedoLog(redoPath, blockSize, false, false, t.opts.alignBlocks); rerr == nil {
		if redo.isValid() {
			offset := int64(0)
			for {
				next, payload, err := redo.readRecord(offset)
				if next == eofSentinel {
					break
				}
				if next == corruptSentinel || err != nil {
					break
				}
				op, key, value, derr := decodePayload(payload, keyLen, valLen)
				if derr == nil {
					switch op {
					case opPut:
						_, _ = aux.Put(t.keyCodec.Deserialize(key), t.valCodec.Deserialize(value))
					case opRemove:
						_, _ = aux.Remove(t.keyCodec.Deserialize(key))
					}
				}
				offset = next
			}
		}
		_ = redo.close()
	}

	if err := aux.Close(); err != nil {
		return err
	}

	suffix := uuid.NewString()
	archivedData := fmt.Sprintf("%s.broken.%s", dataPath, suffix)
	archivedRedo := fmt.Sprintf("%s.broken.%s", redoPath, suffix)

	if err := os.Rename(dataPath, archivedData); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: archive broken data file: %v", ErrIo, err)
	}
	if err := os.Rename(redoPath, archivedRedo); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: archive broken redo file: %v", ErrIo, err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		return fmt.Errorf("%w: promote recovered data file: %v", ErrIo, err)
	}
	_ = os.Remove(auxFilename + ".redo")
	_ = deleteBitmapSidecar(bitmapSidecarPath(auxFilename))
	_ = deleteBitmapSidecar(bitmapPath)

	t.state = stateCreated
	t.opts.logger.Info("recovery complete", "file", t.opts.filename, "archive_suffix", suffix)
	return nil
}

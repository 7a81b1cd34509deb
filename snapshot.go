package emurender

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"

	"github.com/gogpu/emurender/resource"
)

// Snapshot stream layout: an uncompressed header of SnapshotMagic, a u32
// version and the 16-byte renderer instance id, followed by one lz4 frame
// holding the table records.
const (
	SnapshotMagic   = "EMUSNAP\x00"
	SnapshotVersion = 1
)

// ErrBadSnapshot is returned for a stream that is not a renderer snapshot.
var ErrBadSnapshot = errors.New("emurender: not a renderer snapshot")

// SnapshotHeader is the uncompressed snapshot prefix.
type SnapshotHeader struct {
	Version  uint32
	Instance uuid.UUID
}

// Save writes a snapshot of the handle table to w. Decoding is paused and
// queued posts are presented first, so the table is quiescent while it is
// written.
func (r *Renderer) Save(w io.Writer) error {
	r.poster.WaitQueued()
	r.guard.Lock(nil)
	defer r.guard.Unlock(nil)

	var hdr bytes.Buffer
	hdr.WriteString(SnapshotMagic)
	binary.Write(&hdr, binary.LittleEndian, uint32(SnapshotVersion))
	hdr.Write(r.id[:])
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("emurender: write snapshot header: %w", err)
	}

	zw := lz4.NewWriter(w)
	if err := r.tbl.Save(resource.NewEncoder(zw)); err != nil {
		return fmt.Errorf("emurender: save table: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("emurender: flush snapshot: %w", err)
	}
	Logger().Info("snapshot saved", "instance", r.id.String(), "stats", r.tbl.Stats())
	return nil
}

// ReadSnapshotHeader reads the header from rd and returns a reader of the
// decompressed table records.
func ReadSnapshotHeader(rd io.Reader) (SnapshotHeader, io.Reader, error) {
	var buf [len(SnapshotMagic) + 4 + 16]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return SnapshotHeader{}, nil, fmt.Errorf("%w: %w", ErrBadSnapshot, err)
	}
	if string(buf[:len(SnapshotMagic)]) != SnapshotMagic {
		return SnapshotHeader{}, nil, ErrBadSnapshot
	}
	h := SnapshotHeader{Version: binary.LittleEndian.Uint32(buf[len(SnapshotMagic):])}
	copy(h.Instance[:], buf[len(SnapshotMagic)+4:])
	if h.Version != SnapshotVersion {
		return h, nil, fmt.Errorf("%w: version %d", ErrBadSnapshot, h.Version)
	}
	return h, lz4.NewReader(rd), nil
}

package fingerprint

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fsaccess"
)

const (
	windowBytes   = 64
	blocksPerLane = MaxFull / (windowBytes * Lanes)
	subdivisions  = Lanes*blocksPerLane - 1
)

// OffsetMode selects how sparse window offsets are computed
type OffsetMode int

const (
	// Offsets64 computes offsets in 64-bit arithmetic
	Offsets64 OffsetMode = iota

	// OffsetsLegacy32 reproduces offsets computed in wrapping 32-bit
	// arithmetic. Only for recognising fingerprints stored by such clients.
	OffsetsLegacy32
)

func (m OffsetMode) String() string {
	if m == OffsetsLegacy32 {
		return "legacy32"
	}
	return "64"
}

// windowOffset returns the offset of sampled window k (0..127)
func windowOffset(size int64, k int, mode OffsetMode) int64 {
	limit := size - windowBytes

	if mode == OffsetsLegacy32 {
		numer := (uint32(size) - windowBytes) * uint32(k)
		off := int64(numer / subdivisions)
		return min(off, limit)
	}

	off := int64(uint64(limit) * uint64(k) / subdivisions)
	return min(off, limit)
}

// FromFile fingerprints an open file using the size and mtime it reports.
// Any read failure yields Invalid().
func FromFile(f fsaccess.FileAccess) Fingerprint {
	info := f.Info()
	fp, err := Compute(f, info.Size, info.Mtime, Offsets64)
	if err != nil {
		return Invalid()
	}
	return fp
}

// FromPath opens path on fs and fingerprints it with the given offsets.
// Errors wrap domain.ErrFileUnreadable.
func FromPath(fs fsaccess.FileSystem, path string, mode OffsetMode) (Fingerprint, error) {
	f, err := fs.OpenFile(path)
	if err != nil {
		return Invalid(), fmt.Errorf("%w: %s: %v", domain.ErrFileUnreadable, path, err)
	}
	defer f.Close()

	info := f.Info()
	fp, err := Compute(f, info.Size, info.Mtime, mode)
	if err != nil {
		return Invalid(), fmt.Errorf("%w: %s: %v", domain.ErrFileUnreadable, path, err)
	}
	return fp, nil
}

// Compute fingerprints size bytes of r
func Compute(r io.ReaderAt, size, mtime int64, mode OffsetMode) (Fingerprint, error) {
	if size < 0 {
		return Invalid(), fmt.Errorf("negative size %d", size)
	}

	fp := Fingerprint{Size: size, Mtime: mtime, Valid: true}

	switch {
	case size <= CRCSize:
		var raw [CRCSize]byte
		if err := readAtFull(r, raw[:size], 0); err != nil {
			return Invalid(), err
		}
		fp.CRC = lanesFromBytes(raw[:])

	case size <= MaxFull:
		buf := make([]byte, size)
		if err := readAtFull(r, buf, 0); err != nil {
			return Invalid(), err
		}
		fp.CRC = fullCRC(buf)

	default:
		lanes, err := SparseCRC(r, size, mode)
		if err != nil {
			return Invalid(), err
		}
		fp.CRC = lanes
	}

	return fp, nil
}

// SparseCRC computes the four sampled lanes of a large file
func SparseCRC(r io.ReaderAt, size int64, mode OffsetMode) ([Lanes]uint32, error) {
	var lanes [Lanes]uint32
	if size < windowBytes {
		return lanes, fmt.Errorf("size %d below window size", size)
	}

	block := make([]byte, windowBytes)
	for lane := 0; lane < Lanes; lane++ {
		h := crc32.NewIEEE()
		for j := 0; j < blocksPerLane; j++ {
			off := windowOffset(size, lane*blocksPerLane+j, mode)
			if err := readAtFull(r, block, off); err != nil {
				return lanes, err
			}
			h.Write(block)
		}
		lanes[lane] = h.Sum32()
	}
	return lanes, nil
}

// FromStream fingerprints a forward-only stream of the given size.
// The result equals Compute over the same bytes.
func FromStream(r io.Reader, size, mtime int64) Fingerprint {
	if size < 0 {
		return Invalid()
	}

	fp := Fingerprint{Size: size, Mtime: mtime, Valid: true}

	switch {
	case size <= CRCSize:
		var raw [CRCSize]byte
		if _, err := io.ReadFull(r, raw[:size]); err != nil {
			return Invalid()
		}
		fp.CRC = lanesFromBytes(raw[:])

	case size <= MaxFull:
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Invalid()
		}
		fp.CRC = fullCRC(buf)

	default:
		block := make([]byte, windowBytes)
		var current int64
		for lane := 0; lane < Lanes; lane++ {
			h := crc32.NewIEEE()
			for j := 0; j < blocksPerLane; j++ {
				off := windowOffset(size, lane*blocksPerLane+j, Offsets64)
				if off < current {
					return Invalid()
				}
				if skip := off - current; skip > 0 {
					if _, err := io.CopyN(io.Discard, r, skip); err != nil {
						return Invalid()
					}
				}
				if _, err := io.ReadFull(r, block); err != nil {
					return Invalid()
				}
				current = off + windowBytes
				h.Write(block)
			}
			fp.CRC[lane] = h.Sum32()
		}
	}

	return fp
}

// fullCRC hashes each quarter of buf independently
func fullCRC(buf []byte) [Lanes]uint32 {
	var lanes [Lanes]uint32
	size := len(buf)
	for i := range lanes {
		begin := i * size / Lanes
		end := (i + 1) * size / Lanes
		lanes[i] = crc32.ChecksumIEEE(buf[begin:end])
	}
	return lanes
}

// readAtFull fills p from off; a short read is an error even at EOF
func readAtFull(r io.ReaderAt, p []byte, off int64) error {
	if len(p) == 0 {
		return nil
	}
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("read %d bytes at %d: %w", len(p), off, err)
}

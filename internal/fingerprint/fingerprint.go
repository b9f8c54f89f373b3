// Package fingerprint implements the sparse content fingerprint used to
// recognise unchanged, moved and duplicate files without filesystem identity.
package fingerprint

import (
	"bytes"
	"cmp"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

const (
	// Lanes is the number of CRC lanes
	Lanes = 4

	// CRCSize is the width of the CRC section in bytes
	CRCSize = Lanes * 4

	// BinarySize is the exact length of the binary form
	BinarySize = 8 + 8 + CRCSize + 1

	// MaxFull is the largest file that is hashed in full
	MaxFull = 8192

	// mtimeTolerance absorbs filesystems with 2 second timestamp resolution
	mtimeTolerance = 2
)

// encoding is the base64 alphabet of the text forms
var encoding = base64.RawURLEncoding

// Fingerprint identifies file content by size, mtime and sampled CRCs.
// It is a comparable value and may be used as a map key.
type Fingerprint struct {
	Size  int64
	Mtime int64

	// CRC holds the lane values; the persisted bytes are each lane in network order.
	CRC [Lanes]uint32

	Valid bool
}

// Invalid returns the "no identity available" fingerprint
func Invalid() Fingerprint {
	return Fingerprint{Size: -1}
}

// CRCBytes returns the 16 CRC bytes in their persisted order
func (f Fingerprint) CRCBytes() [CRCSize]byte {
	var out [CRCSize]byte
	for i, lane := range f.CRC {
		binary.BigEndian.PutUint32(out[i*4:], lane)
	}
	return out
}

func lanesFromBytes(b []byte) [Lanes]uint32 {
	var lanes [Lanes]uint32
	for i := range lanes {
		lanes[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return lanes
}

// Compare orders fingerprints by size, then mtime, then CRC bytes.
// Validity takes no part, so invalid fingerprints still order by size.
func Compare(a, b Fingerprint) int {
	if c := cmp.Compare(a.Size, b.Size); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Mtime, b.Mtime); c != 0 {
		return c
	}
	ab, bb := a.CRCBytes(), b.CRCBytes()
	return bytes.Compare(ab[:], bb[:])
}

// Equal reports whether two fingerprints describe the same content.
// Sizes must match and mtimes may differ by up to two seconds. When either
// side is invalid the CRCs are not consulted.
func Equal(a, b Fingerprint) bool {
	if a.Size != b.Size {
		return false
	}

	diff := a.Mtime - b.Mtime
	if diff < -mtimeTolerance || diff > mtimeTolerance {
		return false
	}

	if !a.Valid || !b.Valid {
		return true
	}
	return a.CRC == b.CRC
}

// AppendBinary appends the 33 byte binary form to b
func (f Fingerprint) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Size))
	b = binary.LittleEndian.AppendUint64(b, uint64(f.Mtime))
	crc := f.CRCBytes()
	b = append(b, crc[:]...)
	if f.Valid {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b, nil
}

// MarshalBinary returns the 33 byte binary form
func (f Fingerprint) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, BinarySize))
}

// UnmarshalBinary decodes exactly one binary form
func (f *Fingerprint) UnmarshalBinary(data []byte) error {
	if len(data) < BinarySize {
		return fmt.Errorf("%w: fingerprint needs %d bytes, got %d", domain.ErrTruncated, BinarySize, len(data))
	}
	if len(data) > BinarySize {
		return fmt.Errorf("%w: %d trailing bytes after fingerprint", domain.ErrInvalidFingerprint, len(data)-BinarySize)
	}

	valid := data[BinarySize-1]
	if valid > 1 {
		return fmt.Errorf("%w: validity byte %d", domain.ErrInvalidFingerprint, valid)
	}

	f.Size = int64(binary.LittleEndian.Uint64(data[0:8]))
	f.Mtime = int64(binary.LittleEndian.Uint64(data[8:16]))
	f.CRC = lanesFromBytes(data[16 : 16+CRCSize])
	f.Valid = valid == 1
	return nil
}

// Key returns the binary form as a string, for index columns and maps
func (f Fingerprint) Key() string {
	b, _ := f.MarshalBinary()
	return string(b)
}

// String returns the debug form "<size>:<mtime>:<base64 crc>:<0|1>"
func (f Fingerprint) String() string {
	crc := f.CRCBytes()
	valid := 0
	if f.Valid {
		valid = 1
	}
	return fmt.Sprintf("%d:%d:%s:%d", f.Size, f.Mtime, encoding.EncodeToString(crc[:]), valid)
}

// ParseDebugString parses the output of String
func ParseDebugString(s string) (Fingerprint, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return Fingerprint{}, fmt.Errorf("%w: want 4 fields, got %d", domain.ErrInvalidFingerprint, len(parts))
	}

	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: size: %v", domain.ErrInvalidFingerprint, err)
	}
	mtime, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: mtime: %v", domain.ErrInvalidFingerprint, err)
	}
	crc, err := encoding.DecodeString(parts[2])
	if err != nil || len(crc) != CRCSize {
		return Fingerprint{}, fmt.Errorf("%w: crc %q", domain.ErrInvalidFingerprint, parts[2])
	}

	var valid bool
	switch parts[3] {
	case "0":
	case "1":
		valid = true
	default:
		return Fingerprint{}, fmt.Errorf("%w: validity %q", domain.ErrInvalidFingerprint, parts[3])
	}

	return Fingerprint{Size: size, Mtime: mtime, CRC: lanesFromBytes(crc), Valid: valid}, nil
}

// EncodeAttr returns the compact form stored in a node's attributes:
// base64 of the CRC bytes followed by the serialized mtime. Size is not
// part of it; it travels as the node size.
func (f Fingerprint) EncodeAttr() string {
	crc := f.CRCBytes()
	buf := append(crc[:], serialize64(uint64(f.Mtime))...)
	return encoding.EncodeToString(buf)
}

// DecodeAttr parses the compact form and attaches the given size
func DecodeAttr(s string, size int64) (Fingerprint, error) {
	buf, err := encoding.DecodeString(s)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%w: %v", domain.ErrInvalidFingerprint, err)
	}
	if len(buf) < CRCSize+1 {
		return Fingerprint{}, fmt.Errorf("%w: attribute too short", domain.ErrInvalidFingerprint)
	}

	mtime, err := unserialize64(buf[CRCSize:])
	if err != nil {
		return Fingerprint{}, err
	}

	return Fingerprint{
		Size:  size,
		Mtime: int64(mtime),
		CRC:   lanesFromBytes(buf[:CRCSize]),
		Valid: true,
	}, nil
}

// serialize64 writes a count byte followed by the significant bytes, low first
func serialize64(v uint64) []byte {
	out := []byte{0}
	for v != 0 {
		out = append(out, byte(v))
		v >>= 8
	}
	out[0] = byte(len(out) - 1)
	return out
}

func unserialize64(b []byte) (uint64, error) {
	n := int(b[0])
	if n > 8 || n >= len(b) {
		return 0, fmt.Errorf("%w: bad serialized integer", domain.ErrInvalidFingerprint)
	}

	var v uint64
	for i := n; i > 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

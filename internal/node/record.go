package node

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
)

const (
	flagEncryptedAttrs = 1 << 0
	flagPublicLink     = 1 << 1
	knownFlags         = flagEncryptedAttrs | flagPublicLink
)

// MarshalBinary encodes the node record. All integers are little endian
// with fixed widths, so the record is identical on every host.
func (n *Node) MarshalBinary() ([]byte, error) {
	if !n.Handle.Valid() {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidHandle, n.Handle)
	}
	if n.Parent != domain.NoHandle && !n.Parent.Valid() {
		return nil, fmt.Errorf("%w: parent %v", domain.ErrInvalidHandle, n.Parent)
	}
	if want := KeySize(n.Type); len(n.Key) != want {
		return nil, fmt.Errorf("%w: %s key is %d bytes, want %d", domain.ErrCorruptRecord, n.Type, len(n.Key), want)
	}
	if len(n.Attrs) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d attributes", domain.ErrCorruptRecord, len(n.Attrs))
	}

	b := make([]byte, 0, 96)
	b = binary.LittleEndian.AppendUint64(b, uint64(n.Size))
	b = appendHandle(b, n.Handle)
	b = appendHandle(b, n.Parent)
	b = binary.LittleEndian.AppendUint32(b, n.Owner)
	b = binary.LittleEndian.AppendUint64(b, uint64(n.CTime))
	b = append(b, byte(n.Type))

	var flags byte
	if n.EncryptedAttrs != "" {
		flags |= flagEncryptedAttrs
	}
	if n.Link != nil {
		flags |= flagPublicLink
	}
	b = append(b, flags)

	b, _ = n.Fingerprint.AppendBinary(b)

	keys := make([]string, 0, len(n.Attrs))
	for k := range n.Attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	b = binary.LittleEndian.AppendUint16(b, uint16(len(keys)))
	for _, k := range keys {
		if len(k) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: attribute name too long", domain.ErrCorruptRecord)
		}
		v := n.Attrs[k]
		b = binary.LittleEndian.AppendUint16(b, uint16(len(k)))
		b = append(b, k...)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(v)))
		b = append(b, v...)
	}

	if flags&flagEncryptedAttrs != 0 {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(n.EncryptedAttrs)))
		b = append(b, n.EncryptedAttrs...)
	}

	if n.Link != nil {
		b = appendHandle(b, n.Link.Handle)
		b = binary.LittleEndian.AppendUint64(b, uint64(n.Link.ETS))
		if n.Link.TakenDown {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		b = binary.LittleEndian.AppendUint64(b, uint64(n.Link.CTS))
	}

	return append(b, n.Key...), nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary
func (n *Node) UnmarshalBinary(data []byte) error {
	r := reader{buf: data}

	size := int64(r.uint64())
	handle := r.handle()
	parent := r.handle()
	owner := r.uint32()
	ctime := int64(r.uint64())
	typ := domain.NodeType(int8(r.byte()))
	flags := r.byte()
	fpBytes := r.bytes(fingerprint.BinarySize)
	if r.err != nil {
		return r.err
	}

	if !typ.IsValid() {
		return fmt.Errorf("%w: node type %d", domain.ErrCorruptRecord, typ)
	}
	if flags&^knownFlags != 0 {
		return fmt.Errorf("%w: flags %#x", domain.ErrCorruptRecord, flags)
	}
	if !handle.Valid() {
		return fmt.Errorf("%w: node handle is zero", domain.ErrCorruptRecord)
	}

	var fp fingerprint.Fingerprint
	if err := fp.UnmarshalBinary(fpBytes); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCorruptRecord, err)
	}

	count := int(r.uint16())
	attrs := make(map[string]string, count)
	for i := 0; i < count && r.err == nil; i++ {
		k := string(r.bytes(int(r.uint16())))
		v := string(r.bytes(int(r.uint32())))
		attrs[k] = v
	}

	var encAttrs string
	if flags&flagEncryptedAttrs != 0 {
		encAttrs = string(r.bytes(int(r.uint32())))
	}

	var link *PublicLink
	if flags&flagPublicLink != 0 {
		link = &PublicLink{
			Handle:    r.handle(),
			ETS:       int64(r.uint64()),
			TakenDown: r.byte() != 0,
			CTS:       int64(r.uint64()),
		}
	}

	var key []byte
	if size := KeySize(typ); size > 0 {
		key = append(key, r.bytes(size)...)
	}
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != r.pos {
		return fmt.Errorf("%w: %d trailing bytes", domain.ErrCorruptRecord, len(r.buf)-r.pos)
	}

	*n = Node{
		Handle:         handle,
		Parent:         parent,
		Type:           typ,
		Size:           size,
		Owner:          owner,
		CTime:          ctime,
		Attrs:          attrs,
		Fingerprint:    fp,
		Key:            key,
		EncryptedAttrs: encAttrs,
		Link:           link,
	}
	return nil
}

// Decode unmarshals a record into a new node
func Decode(data []byte) (*Node, error) {
	n := &Node{}
	if err := n.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return n, nil
}

func appendHandle(b []byte, h domain.Handle) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(h))
	return append(b, tmp[:domain.HandleBytes]...)
}

// reader consumes a record; the first short read sticks as err
type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.pos < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", domain.ErrTruncated, n, r.pos, len(r.buf)-r.pos)
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) byte() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) handle() domain.Handle {
	b := r.bytes(domain.HandleBytes)
	if b == nil {
		return domain.NoHandle
	}
	var tmp [8]byte
	copy(tmp[:], b)
	return domain.Handle(binary.LittleEndian.Uint64(tmp[:]))
}

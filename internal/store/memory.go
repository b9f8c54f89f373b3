package store

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

// MemoryStore is a map-backed Store
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[domain.Handle]Row
	closed bool
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[domain.Handle]Row)}
}

func (s *MemoryStore) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Get(h domain.Handle) ([]byte, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	row, ok := s.rows[h]
	if !ok {
		return nil, fmt.Errorf("%w: node %v", domain.ErrNotFound, h)
	}
	return slices.Clone(row.Blob), nil
}

func (s *MemoryStore) Put(row Row) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.put(row)
	return nil
}

func (s *MemoryStore) PutMany(rows []Row) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, row := range rows {
		s.put(row)
	}
	return nil
}

func (s *MemoryStore) put(row Row) {
	row.Blob = slices.Clone(row.Blob)
	row.Fingerprint = slices.Clone(row.Fingerprint)
	s.rows[row.Handle] = row
}

func (s *MemoryStore) Remove(h domain.Handle) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	delete(s.rows, h)
	return nil
}

func (s *MemoryStore) filter(match func(Row) bool) ([]Record, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var records []Record
	for _, row := range s.rows {
		if match(row) {
			records = append(records, Record{Handle: row.Handle, Blob: slices.Clone(row.Blob)})
		}
	}
	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(a.Handle, b.Handle)
	})
	return records, nil
}

func (s *MemoryStore) ScanChildren(parent domain.Handle) ([]Record, error) {
	return s.filter(func(r Row) bool { return r.Parent == parent })
}

func (s *MemoryStore) ScanByFingerprint(fp []byte) ([]Record, error) {
	if len(fp) == 0 {
		return nil, nil
	}
	return s.filter(func(r Row) bool { return r.Fingerprint != nil && bytes.Equal(r.Fingerprint, fp) })
}

func (s *MemoryStore) ScanByName(name string) ([]Record, error) {
	return s.filter(func(r Row) bool { return r.Name == name })
}

func (s *MemoryStore) ScanRoots() ([]Record, error) {
	return s.filter(func(r Row) bool { return r.Type.IsRootType() })
}

func (s *MemoryStore) ScanFavourites() ([]Record, error) {
	return s.filter(func(r Row) bool { return r.Favourite })
}

func (s *MemoryStore) ScanRecent(since int64, limit int) ([]Record, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var rows []Row
	for _, row := range s.rows {
		if row.CTime >= since {
			rows = append(rows, row)
		}
	}
	slices.SortFunc(rows, func(a, b Row) int {
		if c := cmp.Compare(b.CTime, a.CTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Handle, b.Handle)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	records := make([]Record, len(rows))
	for i, row := range rows {
		records[i] = Record{Handle: row.Handle, Blob: slices.Clone(row.Blob)}
	}
	return records, nil
}

func (s *MemoryStore) CountChildren(parent domain.Handle, types ...domain.NodeType) (uint64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	var n uint64
	for _, row := range s.rows {
		if row.Parent == parent && (len(types) == 0 || slices.Contains(types, row.Type)) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Count() (uint64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return uint64(len(s.rows)), nil
}

func (s *MemoryStore) Truncate() error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	clear(s.rows)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

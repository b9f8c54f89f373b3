package fingerprint

import (
	"bytes"
	"errors"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fsaccess"
	"github.com/Ning0612/cloudmirror/internal/testutil"
)

func crcField(fp Fingerprint) string {
	return strings.Split(fp.String(), ":")[2]
}

func TestReferenceVectors(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		good   string
		legacy string
		mask   uint32
	}{
		{"40MiB", testutil.MiB(40), "6iqpUy7DdAKx5NIRg31i_g", "6iqpUy7DdAKx5NIRGX1AAA", 0b0111},
		{"52MiB", testutil.MiB(52), "7SMVr_-v9_H7MDsN9yuVGA", "7SMVr_-v9_Gk00B4SWd30g", 0b0011},
		{"88MiB", testutil.MiB(88), "3hhTVPVhwzudmjN1odbO6w", "3hhTVIMatxXS_18ZkPyITg", 0b0001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testutil.DeterministicBytes(tt.size, testutil.DefaultSeed)
			size := int64(len(data))

			good, err := Compute(bytes.NewReader(data), size, testutil.TestMtime, Offsets64)
			if err != nil {
				t.Fatalf("Compute() error = %v", err)
			}
			if got := crcField(good); got != tt.good {
				t.Errorf("64-bit crc = %s, want %s", got, tt.good)
			}

			stream := FromStream(bytes.NewReader(data), size, testutil.TestMtime)
			if stream != good {
				t.Errorf("stream fingerprint %v differs from random access %v", stream, good)
			}

			legacyLanes, err := SparseCRC(bytes.NewReader(data), size, OffsetsLegacy32)
			if err != nil {
				t.Fatalf("SparseCRC(legacy) error = %v", err)
			}
			legacy := Fingerprint{Size: size, Mtime: testutil.TestMtime, CRC: legacyLanes, Valid: true}
			if got := crcField(legacy); got != tt.legacy {
				t.Errorf("legacy crc = %s, want %s", got, tt.legacy)
			}

			if good == legacy {
				t.Error("legacy and 64-bit fingerprints should differ")
			}

			var mask uint32
			for i := 0; i < Lanes; i++ {
				if good.CRC[i] == legacy.CRC[i] {
					mask |= 1 << i
				}
			}
			if mask != tt.mask {
				t.Errorf("lane equality mask = %04b, want %04b", mask, tt.mask)
			}
		})
	}
}

func TestLegacyOffsetsMatchBelowOverflow(t *testing.T) {
	// (size-64)*127 fits in 32 bits, so both modes agree
	size := int64(1 << 20)
	for k := 0; k <= subdivisions; k++ {
		if a, b := windowOffset(size, k, Offsets64), windowOffset(size, k, OffsetsLegacy32); a != b {
			t.Fatalf("window %d: 64-bit offset %d, legacy offset %d", k, a, b)
		}
	}
}

func TestWindowOffsetBounds(t *testing.T) {
	for _, size := range []int64{MaxFull + 1, 1 << 20, 5 << 30} {
		if off := windowOffset(size, 0, Offsets64); off != 0 {
			t.Errorf("size %d: first window at %d, want 0", size, off)
		}
		if off := windowOffset(size, subdivisions, Offsets64); off != size-windowBytes {
			t.Errorf("size %d: last window at %d, want %d", size, off, size-windowBytes)
		}
	}
}

func TestComputeTiny(t *testing.T) {
	fp, err := Compute(strings.NewReader("hello"), 5, 10, Offsets64)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	want := [CRCSize]byte{'h', 'e', 'l', 'l', 'o'}
	if got := fp.CRCBytes(); got != want {
		t.Errorf("CRCBytes() = %x, want %x", got, want)
	}
	if !fp.Valid || fp.Size != 5 || fp.Mtime != 10 {
		t.Errorf("unexpected fingerprint %v", fp)
	}
}

func TestComputeEmpty(t *testing.T) {
	fp, err := Compute(strings.NewReader(""), 0, 10, Offsets64)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}
	if !fp.Valid || fp.Size != 0 || fp.CRC != [Lanes]uint32{} {
		t.Errorf("empty file fingerprint = %v, want valid zero crc", fp)
	}
}

func TestComputeSmall(t *testing.T) {
	for _, size := range []int{CRCSize + 1, 100, MaxFull} {
		data := testutil.DeterministicBytes(size, 7)
		fp, err := Compute(bytes.NewReader(data), int64(size), 0, Offsets64)
		if err != nil {
			t.Fatalf("size %d: Compute() error = %v", size, err)
		}

		for i := 0; i < Lanes; i++ {
			want := crc32.ChecksumIEEE(data[i*size/Lanes : (i+1)*size/Lanes])
			if fp.CRC[i] != want {
				t.Errorf("size %d lane %d = %08x, want %08x", size, i, fp.CRC[i], want)
			}
		}
	}
}

func TestComputeSparseFirstLarge(t *testing.T) {
	size := MaxFull + 1
	data := testutil.DeterministicBytes(size, 9)

	fp, err := Compute(bytes.NewReader(data), int64(size), 0, Offsets64)
	if err != nil {
		t.Fatalf("Compute() error = %v", err)
	}

	for lane := 0; lane < Lanes; lane++ {
		h := crc32.NewIEEE()
		for j := 0; j < blocksPerLane; j++ {
			off := int64(size-windowBytes) * int64(lane*blocksPerLane+j) / subdivisions
			h.Write(data[off : off+windowBytes])
		}
		if fp.CRC[lane] != h.Sum32() {
			t.Errorf("lane %d = %08x, want %08x", lane, fp.CRC[lane], h.Sum32())
		}
	}

	if got := FromStream(bytes.NewReader(data), int64(size), 0); got != fp {
		t.Errorf("FromStream() = %v, want %v", got, fp)
	}
}

func TestDeterminismAndSensitivity(t *testing.T) {
	data := testutil.DeterministicBytes(testutil.MiB(1), testutil.DefaultSeed)
	size := int64(len(data))

	a, _ := Compute(bytes.NewReader(data), size, 100, Offsets64)
	b, _ := Compute(bytes.NewReader(data), size, 100, Offsets64)
	if a != b {
		t.Fatalf("identical input gave %v and %v", a, b)
	}

	// byte 0 is inside the first window of lane 0
	changed := append([]byte(nil), data...)
	changed[0] ^= 0xFF
	c, _ := Compute(bytes.NewReader(changed), size, 100, Offsets64)
	if c.CRC[0] == a.CRC[0] {
		t.Error("changing a sampled byte should change lane 0")
	}
	if c.CRC[1] != a.CRC[1] {
		t.Error("lane 1 does not sample byte 0")
	}

	d, _ := Compute(bytes.NewReader(data), size, 101, Offsets64)
	if d == a {
		t.Error("changing mtime should change the fingerprint")
	}
}

type failingFile struct {
	size int64
}

func (f failingFile) Info() fsaccess.FileInfo {
	return fsaccess.FileInfo{Size: f.size, Mtime: 42, Type: fsaccess.EntryFile}
}

func (f failingFile) ReadAt(p []byte, off int64) (int, error) {
	return 0, errors.New("device error")
}

func (f failingFile) Close() error {
	return nil
}

func TestFromFileReadFailure(t *testing.T) {
	for _, size := range []int64{4, 1000, 1 << 20} {
		fp := FromFile(failingFile{size: size})
		if fp.Valid || fp.Size != -1 || fp.CRC != [Lanes]uint32{} {
			t.Errorf("size %d: fingerprint = %v, want Invalid()", size, fp)
		}
	}
}

func TestFromFileShortContent(t *testing.T) {
	// a file that shrank after stat reads short
	fp, err := Compute(strings.NewReader("abc"), 20, 0, Offsets64)
	if err == nil {
		t.Errorf("Compute() on short content = %v, want error", fp)
	}
	if fp != Invalid() {
		t.Errorf("Compute() on short content = %v, want Invalid()", fp)
	}
}

func TestFromStreamShort(t *testing.T) {
	data := testutil.DeterministicBytes(MaxFull*2, 1)
	fp := FromStream(bytes.NewReader(data[:MaxFull]), int64(len(data)), 0)
	if fp != Invalid() {
		t.Errorf("FromStream() on short stream = %v, want Invalid()", fp)
	}
}

func TestFromPath(t *testing.T) {
	data := testutil.DeterministicBytes(50000, 3)
	mem := testutil.NewMemTree(t, map[string]testutil.MemFile{
		"/data/blob.bin": {Content: data, Mtime: testutil.TestMtime},
	})
	fs := fsaccess.New(mem)

	got, err := FromPath(fs, "/data/blob.bin", Offsets64)
	if err != nil {
		t.Fatalf("FromPath() error = %v", err)
	}
	want, _ := Compute(bytes.NewReader(data), int64(len(data)), testutil.TestMtime, Offsets64)
	if got != want {
		t.Errorf("FromPath() = %v, want %v", got, want)
	}
	legacy, err := FromPath(fs, "/data/blob.bin", OffsetsLegacy32)
	if err != nil {
		t.Fatalf("FromPath(legacy) error = %v", err)
	}
	wantLegacy, _ := Compute(bytes.NewReader(data), int64(len(data)), testutil.TestMtime, OffsetsLegacy32)
	if legacy != wantLegacy {
		t.Errorf("FromPath(legacy) = %v, want %v", legacy, wantLegacy)
	}

	f, err := fs.OpenFile("/data/blob.bin")
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()
	if fromFile := FromFile(f); fromFile != want {
		t.Errorf("FromFile() = %v, want %v", fromFile, want)
	}

	if _, err := FromPath(fs, "/data/missing", Offsets64); !errors.Is(err, domain.ErrFileUnreadable) {
		t.Errorf("FromPath() on a missing file: error = %v, want ErrFileUnreadable", err)
	}
}

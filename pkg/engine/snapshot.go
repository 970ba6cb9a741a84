package engine

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Snapshot layout, little-endian:
//
//	magic "NBRN" | version u16 | name | task | neurons u32 | outputs u32 |
//	flags u8 | label count u32 | labels... | diverged [outputs]u8 |
//	weights [outputs][neurons+1]f64
//
// Strings are a u32 length followed by bytes.
const (
	snapshotMagic   = "NBRN"
	snapshotVersion = uint16(1)

	flagEthics    = 1 << 0
	flagCuriosity = 1 << 1
	flagClone     = 1 << 2

	maxSnapshotString = 1 << 20
	maxSnapshotDim    = 1 << 24
)

var errBadSnapshot = errors.New("not a brain snapshot")

// Save writes h to path atomically: the snapshot goes to a temp file in the
// same directory which is then renamed over path.
func (l *Local) Save(h Handle, path string) error {
	lh, err := l.handle(h)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	lh.mu.RLock()
	err = writeSnapshot(tmp, lh)
	lh.mu.RUnlock()
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename snapshot %s: %w", path, err)
	}
	return nil
}

// Load reads a snapshot written by Save. The returned handle owns all of its
// pages; divergence recorded for a clone is kept.
func (l *Local) Load(path string) (Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	h, err := readSnapshot(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	return h, nil
}

func writeSnapshot(w io.Writer, h *localHandle) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian

	var flags uint8
	if h.ethics {
		flags |= flagEthics
	}
	if h.curiosity {
		flags |= flagCuriosity
	}
	if h.isClone {
		flags |= flagClone
	}

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}
	if err := binary.Write(bw, le, snapshotVersion); err != nil {
		return err
	}
	if err := writeString(bw, h.name); err != nil {
		return err
	}
	if err := writeString(bw, h.task); err != nil {
		return err
	}
	header := []any{uint32(h.neurons), uint32(len(h.pages)), flags, uint32(len(h.labels))}
	for _, f := range header {
		if err := binary.Write(bw, le, f); err != nil {
			return err
		}
	}
	for _, label := range h.labels {
		if err := writeString(bw, label); err != nil {
			return err
		}
	}
	div := make([]uint8, len(h.diverged))
	for k, d := range h.diverged {
		if d {
			div[k] = 1
		}
	}
	if _, err := bw.Write(div); err != nil {
		return err
	}
	for _, p := range h.pages {
		if err := binary.Write(bw, le, p.w); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func readSnapshot(r io.Reader) (*localHandle, error) {
	le := binary.LittleEndian

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != snapshotMagic {
		return nil, errBadSnapshot
	}
	var version uint16
	if err := binary.Read(r, le, &version); err != nil {
		return nil, err
	}
	if version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	h := &localHandle{}
	var err error
	if h.name, err = readString(r); err != nil {
		return nil, err
	}
	if h.task, err = readString(r); err != nil {
		return nil, err
	}

	var neurons, outputs, labelCount uint32
	var flags uint8
	for _, f := range []any{&neurons, &outputs, &flags, &labelCount} {
		if err := binary.Read(r, le, f); err != nil {
			return nil, err
		}
	}
	if neurons == 0 || neurons > maxSnapshotDim || outputs == 0 || outputs > maxSnapshotDim || labelCount > outputs {
		return nil, fmt.Errorf("%w: bad dimensions %d/%d/%d", errBadSnapshot, neurons, outputs, labelCount)
	}
	h.neurons = int(neurons)
	h.ethics = flags&flagEthics != 0
	h.curiosity = flags&flagCuriosity != 0
	h.isClone = flags&flagClone != 0

	h.labels = make([]string, labelCount)
	for i := range h.labels {
		if h.labels[i], err = readString(r); err != nil {
			return nil, err
		}
	}

	div := make([]uint8, outputs)
	if _, err := io.ReadFull(r, div); err != nil {
		return nil, err
	}
	h.diverged = make([]bool, outputs)
	for k, d := range div {
		h.diverged[k] = d != 0
	}

	h.pages = make([]*page, outputs)
	for k := range h.pages {
		p := newPage(h.neurons + 1)
		if err := binary.Read(r, le, p.w); err != nil {
			return nil, err
		}
		h.pages[k] = p
	}
	return h, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxSnapshotString {
		return "", fmt.Errorf("%w: string length %d", errBadSnapshot, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Package indexmap implements the product-index map: a persistent,
// append-mostly file tying a sender's monotonic product index to the
// signature of the product published at that index.
//
// The file is sparsely indexed: entry i lives at a fixed offset
// headerSize + i*signatureSize, so a reader never has to scan to find
// an entry once it knows the header is current. Crash safety comes
// from scanning backward from the end of the file on open, looking
// for the highest non-zero signature slot.
package indexmap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
)

const (
	magic      uint32 = 0x4C444D37 // "LDM7"
	version    uint32 = 1
	headerSize        = 16 // magic(4) + version(4) + sigSize(4) + next(4)
)

// Map is an open product-index map file. A Map opened as writer holds
// an exclusive flock on a sidecar lock file and rejects a second
// writer on the same path; readers take no lock at all, so any number
// of them run concurrently with the one writer. The entry-then-header
// write order is what keeps lock-free readers consistent.
type Map struct {
	mu     sync.Mutex
	f      *os.File
	lockf  *os.File // writer only
	writer bool
	next   uint32 // cached; authoritative only for the writer
	path   string
}

// OpenWriter opens (creating if necessary) the map at path for
// exclusive writing. Only one writer may hold the path at a time;
// a second OpenWriter call on the same path fails with SystemError.
func OpenWriter(path string) (*Map, error) {
	lockf, err := os.OpenFile(path+".lock", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, lderr.New(lderr.SystemError, "indexmap.OpenWriter", err)
	}
	if err := syscall.Flock(int(lockf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lockf.Close()
		return nil, lderr.New(lderr.SystemError, "indexmap.OpenWriter", fmt.Errorf("already open for writing: %w", err))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		lockf.Close()
		return nil, lderr.New(lderr.SystemError, "indexmap.OpenWriter", err)
	}
	m := &Map{f: f, lockf: lockf, writer: true, path: path}
	if err := m.recoverOrInit(); err != nil {
		f.Close()
		lockf.Close()
		return nil, err
	}
	return m, nil
}

// OpenReader opens the map at path for concurrent shared reading. A
// missing or still-empty map is a valid map with next_index = 0 — a
// subscriber may attach before the sender has published anything.
func OpenReader(path string) (*Map, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, lderr.New(lderr.SystemError, "indexmap.OpenReader", err)
	}
	m := &Map{f: f, writer: false, path: path}
	if err := m.checkHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// recoverOrInit runs on writer-open: validates or writes a fresh
// header, then scans backward for the first non-zero signature slot
// to recover next_index after an unclean shutdown.
func (m *Map) recoverOrInit() error {
	fi, err := m.f.Stat()
	if err != nil {
		return lderr.New(lderr.SystemError, "indexmap.recoverOrInit", err)
	}
	if fi.Size() < headerSize {
		if err := m.writeHeader(0); err != nil {
			return err
		}
		m.next = 0
		return nil
	}
	if err := m.checkHeader(); err != nil {
		return err
	}

	entries := (fi.Size() - headerSize) / product.SignatureSize
	buf := make([]byte, product.SignatureSize)
	next := uint32(0)
	for i := entries - 1; i >= 0; i-- {
		off := headerSize + i*product.SignatureSize
		if _, err := m.f.ReadAt(buf, off); err != nil {
			return lderr.New(lderr.SystemError, "indexmap.recoverOrInit", err)
		}
		if !isZero(buf) {
			next = uint32(i) + 1
			break
		}
	}
	m.next = next
	// Re-commit the header in case the last run crashed between the
	// entry write and the header update.
	return m.writeHeader(next)
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (m *Map) checkHeader() error {
	fi, err := m.f.Stat()
	if err != nil {
		return lderr.New(lderr.SystemError, "indexmap.checkHeader", err)
	}
	if fi.Size() < headerSize {
		// Zero bytes (or a torn header) is an empty map, not a corrupt
		// one; the writer commits the full header before any entry.
		return nil
	}
	hdr := make([]byte, headerSize)
	if _, err := m.f.ReadAt(hdr, 0); err != nil {
		return lderr.New(lderr.SystemError, "indexmap.checkHeader", err)
	}
	gotMagic := binary.BigEndian.Uint32(hdr[0:4])
	gotVersion := binary.BigEndian.Uint32(hdr[4:8])
	gotSigSize := binary.BigEndian.Uint32(hdr[8:12])
	if gotMagic != magic || gotVersion != version || gotSigSize != product.SignatureSize {
		return lderr.New(lderr.Corrupt, "indexmap.checkHeader", fmt.Errorf("bad header: magic=%x version=%d sigSize=%d", gotMagic, gotVersion, gotSigSize))
	}
	return nil
}

func (m *Map) writeHeader(next uint32) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	binary.BigEndian.PutUint32(hdr[4:8], version)
	binary.BigEndian.PutUint32(hdr[8:12], product.SignatureSize)
	binary.BigEndian.PutUint32(hdr[12:16], next)
	if _, err := m.f.WriteAt(hdr, 0); err != nil {
		return lderr.New(lderr.SystemError, "indexmap.writeHeader", err)
	}
	return m.f.Sync()
}

func (m *Map) readHeaderNext() (uint32, error) {
	hdr := make([]byte, headerSize)
	if _, err := m.f.ReadAt(hdr, 0); err != nil {
		if err == io.EOF {
			return 0, nil // nothing committed yet
		}
		return 0, lderr.New(lderr.SystemError, "indexmap.readHeaderNext", err)
	}
	return binary.BigEndian.Uint32(hdr[12:16]), nil
}

// NextIndex returns the next index this writer will accept from Put.
func (m *Map) NextIndex() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}

// Put records signature at index. index must equal NextIndex(); on
// success NextIndex() advances by one. Entries are written before the
// header is updated, so a reader that sees a stale header and retries
// will eventually observe the entry.
func (m *Map) Put(index uint32, sig product.Signature) error {
	if !m.writer {
		return lderr.New(lderr.Logic, "indexmap.Put", fmt.Errorf("map opened as reader"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if index != m.next {
		return lderr.New(lderr.Invalid, "indexmap.Put", fmt.Errorf("index %d != next %d", index, m.next))
	}
	off := int64(headerSize) + int64(index)*product.SignatureSize
	if _, err := m.f.WriteAt(sig[:], off); err != nil {
		return lderr.New(lderr.SystemError, "indexmap.Put", err)
	}
	if err := m.f.Sync(); err != nil {
		return lderr.New(lderr.SystemError, "indexmap.Put", err)
	}
	if err := m.writeHeader(index + 1); err != nil {
		return err
	}
	m.next = index + 1
	return nil
}

// ErrNotFound is returned by Get when index has no recorded entry,
// either because it hasn't been written yet or the map was truncated.
var ErrNotFound = fmt.Errorf("indexmap: index not found")

// Get looks up the signature recorded at index. Readers tolerate a
// header that lags the true next-index by at most one entry: if the
// requested index looks not-yet-written, the header is re-read once
// before concluding NotFound.
func (m *Map) Get(index uint32) (product.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := m.readHeaderNext()
	if err != nil {
		return product.Signature{}, err
	}
	if index >= next {
		// Lagging header: re-read once.
		next, err = m.readHeaderNext()
		if err != nil {
			return product.Signature{}, err
		}
		if index >= next {
			return product.Signature{}, lderr.New(lderr.NoEntry, "indexmap.Get", ErrNotFound)
		}
	}

	buf := make([]byte, product.SignatureSize)
	off := int64(headerSize) + int64(index)*product.SignatureSize
	if _, err := m.f.ReadAt(buf, off); err != nil {
		return product.Signature{}, lderr.New(lderr.SystemError, "indexmap.Get", err)
	}
	if isZero(buf) {
		return product.Signature{}, lderr.New(lderr.NoEntry, "indexmap.Get", ErrNotFound)
	}
	var sig product.Signature
	copy(sig[:], buf)
	return sig, nil
}

// Close releases the writer lock, if held, and closes the file.
func (m *Map) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockf != nil {
		syscall.Flock(int(m.lockf.Fd()), syscall.LOCK_UN)
		m.lockf.Close()
		m.lockf = nil
	}
	return m.f.Close()
}

// Path returns the filesystem path the map was opened from.
func (m *Map) Path() string { return m.path }

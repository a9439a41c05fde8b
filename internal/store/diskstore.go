package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
)

// DiskStore is the production Store implementation behind the `-q`
// flag: a single append-only file of length-prefixed records, read
// forward by one or more independent cursors and indexed by signature
// in memory at open time. The file has no header: it holds only
// records, appended and synced one at a time, each length-prefixed
// since a product's payload size is not known in advance.
type DiskStore struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	offsets  []int64 // record start offsets, in store order
	bySig    map[product.Signature]int
	released map[int64]bool
}

// record layout, all fields big-endian:
//
//	recordLen   uint32 // bytes following this field
//	signature   [16]byte
//	feed        uint32
//	timestampNs int64
//	idLen       uint16
//	identifier  []byte
//	payload     []byte (remainder)
const diskRecordFixedLen = 4 + product.SignatureSize + 4 + 8 + 2

// OpenDiskStore opens or creates path and indexes every record already
// present by scanning forward once.
func OpenDiskStore(path string) (*DiskStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, wrapStoreErr("diskstore.Open", err)
	}
	s := &DiskStore{
		f:        f,
		path:     path,
		bySig:    make(map[product.Signature]int),
		released: make(map[int64]bool),
	}
	if err := s.indexExisting(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) indexExisting() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return wrapStoreErr("diskstore.indexExisting", err)
	}
	r := bufio.NewReader(s.f)
	var offset int64
	for {
		rec, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return lderr.New(lderr.Corrupt, "diskstore.indexExisting", err)
		}
		s.offsets = append(s.offsets, offset)
		s.bySig[rec.product.Signature] = len(s.offsets) - 1
		offset += int64(n)
	}
	return nil
}

type diskRecord struct {
	product product.Product
}

// readRecord reads one record from r, returning its decoded product
// and the total number of bytes consumed (4-byte length prefix
// included), or io.EOF if r is exhausted exactly at a record boundary.
func readRecord(r *bufio.Reader) (diskRecord, int, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return diskRecord{}, 0, fmt.Errorf("truncated record length prefix")
		}
		return diskRecord{}, 0, err
	}
	recLen := binary.BigEndian.Uint32(lenBuf[:])
	if recLen < diskRecordFixedLen-4 {
		return diskRecord{}, 0, fmt.Errorf("record length %d shorter than fixed header", recLen)
	}
	body := make([]byte, recLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return diskRecord{}, 0, fmt.Errorf("truncated record body: %w", err)
	}

	var sig product.Signature
	copy(sig[:], body[0:product.SignatureSize])
	pos := product.SignatureSize
	feed := product.Feed(binary.BigEndian.Uint32(body[pos : pos+4]))
	pos += 4
	ts := int64(binary.BigEndian.Uint64(body[pos : pos+8]))
	pos += 8
	idLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if pos+idLen > len(body) {
		return diskRecord{}, 0, fmt.Errorf("identifier length overruns record")
	}
	id := string(body[pos : pos+idLen])
	pos += idLen
	payload := append([]byte(nil), body[pos:]...)

	return diskRecord{product: product.Product{
		Signature:  sig,
		Feed:       feed,
		Timestamp:  time.Unix(0, ts),
		Identifier: id,
		Payload:    payload,
	}}, 4 + int(recLen), nil
}

// Append writes p as a new record and returns its offset (the record's
// start position in the file). Intended for the store-population side
// of the pipeline that is outside this module's scope; exported so
// tests can populate a DiskStore the same way a real feed-injector
// would.
func (s *DiskStore) Append(p product.Product) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idBytes := []byte(p.Identifier)
	recLen := diskRecordFixedLen - 4 + len(idBytes) + len(p.Payload)
	buf := make([]byte, 4+recLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(recLen))
	copy(buf[4:4+product.SignatureSize], p.Signature[:])
	o := 4 + product.SignatureSize
	binary.BigEndian.PutUint32(buf[o:o+4], uint32(p.Feed))
	o += 4
	binary.BigEndian.PutUint64(buf[o:o+8], uint64(p.Timestamp.UnixNano()))
	o += 8
	binary.BigEndian.PutUint16(buf[o:o+2], uint16(len(idBytes)))
	o += 2
	copy(buf[o:o+len(idBytes)], idBytes)
	o += len(idBytes)
	copy(buf[o:], p.Payload)

	offset, err := s.f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, wrapStoreErr("diskstore.Append", err)
	}
	if _, err := s.f.Write(buf); err != nil {
		return 0, wrapStoreErr("diskstore.Append", err)
	}
	if err := s.f.Sync(); err != nil {
		return 0, wrapStoreErr("diskstore.Append", err)
	}
	s.offsets = append(s.offsets, offset)
	s.bySig[p.Signature] = len(s.offsets) - 1
	return offset, nil
}

func (s *DiskStore) readAt(offset int64) (product.Product, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return product.Product{}, wrapStoreErr("diskstore.readAt", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return product.Product{}, wrapStoreErr("diskstore.readAt", err)
	}
	rec, _, err := readRecord(bufio.NewReader(f))
	if err != nil {
		return product.Product{}, lderr.New(lderr.Corrupt, "diskstore.readAt", err)
	}
	return rec.product, nil
}

func (s *DiskStore) OpenCursor() (Cursor, error) {
	return &diskCursor{store: s}, nil
}

func (s *DiskStore) LookupBySignature(sig product.Signature) (product.Product, error) {
	s.mu.Lock()
	idx, ok := s.bySig[sig]
	var offset int64
	if ok {
		offset = s.offsets[idx]
		if s.released[offset] {
			ok = false
		}
	}
	s.mu.Unlock()
	if !ok {
		return product.Product{}, lderr.New(lderr.NoEntry, "diskstore.LookupBySignature", errStoreEntryGone)
	}
	return s.readAt(offset)
}

func (s *DiskStore) Release(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[offset] = true
	return nil
}

func (s *DiskStore) Close() error {
	return wrapStoreErr("diskstore.Close", s.f.Close())
}

func (s *DiskStore) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offsets)
}

func (s *DiskStore) entryAt(i int) (product.Product, int64, bool) {
	s.mu.Lock()
	if i < 0 || i >= len(s.offsets) {
		s.mu.Unlock()
		return product.Product{}, 0, false
	}
	offset := s.offsets[i]
	s.mu.Unlock()
	p, err := s.readAt(offset)
	if err != nil {
		return product.Product{}, 0, false
	}
	return p, offset, true
}

type diskCursor struct {
	store *DiskStore
	pos   int
}

func (c *diskCursor) SeekNow() error {
	c.pos = c.store.entryCount()
	return nil
}

func (c *diskCursor) SeekAfter(sig product.Signature) (bool, error) {
	c.store.mu.Lock()
	idx, ok := c.store.bySig[sig]
	c.store.mu.Unlock()
	if !ok {
		return false, nil
	}
	c.pos = idx + 1
	return true, nil
}

func (c *diskCursor) SeekNotOlderThan(t time.Time) error {
	n := c.store.entryCount()
	for i := 0; i < n; i++ {
		p, _, ok := c.store.entryAt(i)
		if ok && !p.Timestamp.Before(t) {
			c.pos = i
			return nil
		}
	}
	c.pos = n
	return nil
}

func (c *diskCursor) Next(ctx context.Context, feed product.Feed, wake <-chan struct{}) (product.Product, int64, error) {
	deadline := time.NewTimer(suspendCeiling)
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	for {
		for c.pos < c.store.entryCount() {
			p, offset, ok := c.store.entryAt(c.pos)
			c.pos++
			if ok && p.Feed.IsSubsetOf(feed) {
				return p, offset, nil
			}
		}
		select {
		case <-ctx.Done():
			return product.Product{}, 0, ctx.Err()
		case <-wake:
			continue
		case <-poll.C:
			continue
		case <-deadline.C:
			return product.Product{}, 0, ErrEmpty
		}
	}
}

func (c *diskCursor) Close() error { return nil }

// Package store defines the product store contract: an append-only,
// time-ordered sequence of data-products the dispatch loop reads
// forward from and the repair server looks up by signature. The
// contract is intentionally opaque about how products are retained;
// this package supplies an in-memory implementation for development
// and testing (memstore.go) and a disk-backed one for production
// (diskstore.go).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
)

// ErrEmpty is returned by Cursor.Next when its wait elapsed with no
// matching product available, not an error condition the dispatch loop
// or repair server should treat as fatal.
var ErrEmpty = errors.New("store: no matching product available")

// errStoreEntryGone backs the NoEntry/Invalid errors memstore and
// diskstore return for an unknown signature or out-of-range offset.
var errStoreEntryGone = errors.New("store: entry not present")

// Store is the contract the dispatch loop and repair server share: an
// iterator factory plus a signature lookup, with the ability to
// release a previously read offset once the multicast transport is
// done retransmitting it.
type Store interface {
	// OpenCursor returns a fresh, independent read position. The
	// dispatch loop opens exactly one for the life of the child; the
	// repair server opens one per request_backlog call.
	OpenCursor() (Cursor, error)
	// LookupBySignature finds a product by content signature,
	// regardless of cursor position. Returns lderr.NoEntry if the
	// signature is unknown or has been released.
	LookupBySignature(sig product.Signature) (product.Product, error)
	// Release returns the store's resources for offset, previously
	// returned by a Cursor's Next, to the store. Errors here are
	// logged by the caller and otherwise ignored; Release must never
	// leave the store inconsistent.
	Release(offset int64) error
	Close() error
}

// Cursor is a single, stateful read position into a Store.
type Cursor interface {
	// SeekNow positions the cursor after every product currently in
	// the store, the precondition the dispatch loop starts from.
	SeekNow() error
	// SeekAfter positions the cursor immediately after sig, reporting
	// ok=false if sig is not present in the store.
	SeekAfter(sig product.Signature) (ok bool, err error)
	// SeekNotOlderThan positions the cursor at the first product whose
	// Timestamp is not before t.
	SeekNotOlderThan(t time.Time) error
	// Next returns the next product whose feed is a subset of feed,
	// blocking until one arrives, ctx is done, or an internal 30-second
	// ceiling elapses. wake additionally interrupts the wait (a
	// SIGCONT/SIGALRM relay in the standalone binary, a plain send in
	// tests). Returns ErrEmpty, not an error, on a timed-out wait.
	Next(ctx context.Context, feed product.Feed, wake <-chan struct{}) (product.Product, int64, error)
	Close() error
}

const suspendCeiling = 30 * time.Second

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return lderr.New(lderr.StoreError, op, err)
}

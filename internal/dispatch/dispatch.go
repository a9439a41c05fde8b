// Package dispatch implements the sender dispatch loop: pull products
// from the store under a feed filter, assign each the next multicast
// index, record it in the product-index map and the offset map, then
// hand it to the multicast transport.
package dispatch

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/mcast"
	"github.com/dissemhub/mcastup/internal/offsetmap"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/store"
)

// IndexWriter is the write-side view of the product-index map the loop
// needs; satisfied by *indexmap.Map.
type IndexWriter interface {
	Put(index uint32, sig product.Signature) error
	Close() error
}

// Hooks lets the caller observe dispatch activity for metrics without
// the loop depending on internal/metrics directly.
type Hooks struct {
	OnPublish func(index uint32, payloadLen int)
	OnRelease func(index uint32)
	OnEmpty   func()
}

// Config bundles everything one run of the loop needs. All fields are
// owned by, and scoped to, the one sender child running it.
type Config struct {
	Feed    product.Feed
	Cursor  store.Cursor
	Store   store.Store
	Index   IndexWriter
	Offsets *offsetmap.Map
	// Transport must already have been created with a Done callback
	// that drains Offsets and releases the store (see ReleaseCallback).
	Transport mcast.Transport
	// Wake relays SIGCONT/SIGALRM in the standalone binary, or a plain
	// channel send in tests, to interrupt Cursor.Next's suspend early.
	Wake  <-chan struct{}
	Log   zerolog.Logger
	Hooks Hooks
}

// ReleaseCallback builds the mcast.DoneFunc the transport invokes once
// per completed send: it drains the offset map entry for index and
// releases the corresponding store offset. Errors are logged and
// otherwise ignored — the store must remain consistent even if this
// particular release fails.
func ReleaseCallback(offsets *offsetmap.Map, st store.Store, log zerolog.Logger, hooks Hooks) mcast.DoneFunc {
	return func(index uint32) {
		offset, ok := offsets.GetAndRemove(index)
		if !ok {
			log.Warn().Uint32("index", index).Msg("dispatch: done callback for unknown index")
			return
		}
		if err := st.Release(offset); err != nil {
			log.Warn().Err(err).Uint32("index", index).Int64("offset", offset).Msg("dispatch: store release failed")
		}
		if hooks.OnRelease != nil {
			hooks.OnRelease(index)
		}
	}
}

// Run executes the loop until ctx is cancelled (termination signal) or
// an unrecoverable store/multicast error occurs. On any return it has
// already performed the clean-shutdown sequence: Transport.Terminate,
// then close Index, Cursor, Store in that order.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Cursor.SeekNow(); err != nil {
		shutdown(cfg)
		return lderr.New(lderr.StoreError, "dispatch.Run", err)
	}

	for {
		select {
		case <-ctx.Done():
			shutdown(cfg)
			return nil
		default:
		}

		p, offset, err := cfg.Cursor.Next(ctx, cfg.Feed, cfg.Wake)
		if err != nil {
			if errors.Is(err, store.ErrEmpty) {
				if cfg.Hooks.OnEmpty != nil {
					cfg.Hooks.OnEmpty()
				}
				continue
			}
			if ctx.Err() != nil {
				shutdown(cfg)
				return nil
			}
			shutdown(cfg)
			return lderr.New(lderr.StoreError, "dispatch.Run", err)
		}

		if err := cfg.publish(p, offset); err != nil {
			shutdown(cfg)
			return err
		}
	}
}

// publish runs in load-bearing order: reserve the index, pin the
// offset, record the signature, then send. Put to the index map
// happens before Send so a receiver that gets the multicast before
// this process crashes can still find the signature on reconnect.
func (cfg Config) publish(p product.Product, offset int64) error {
	idx := cfg.Transport.NextIndex()
	cfg.Offsets.Put(idx, offset)
	if err := cfg.Index.Put(idx, p.Signature); err != nil {
		return lderr.New(lderr.SystemError, "dispatch.publish", err)
	}
	if _, err := cfg.Transport.Send(p.Payload, p.Signature); err != nil {
		return err
	}
	if cfg.Hooks.OnPublish != nil {
		cfg.Hooks.OnPublish(idx, len(p.Payload))
	}
	return nil
}

func shutdown(cfg Config) {
	if err := cfg.Transport.Terminate(); err != nil {
		cfg.Log.Warn().Err(err).Msg("dispatch: transport terminate failed")
	}
	for idx, offset := range cfg.Offsets.Drain() {
		if err := cfg.Store.Release(offset); err != nil {
			cfg.Log.Warn().Err(err).Uint32("index", idx).Msg("dispatch: drain release failed")
		}
	}
	if err := cfg.Index.Close(); err != nil {
		cfg.Log.Warn().Err(err).Msg("dispatch: index map close failed")
	}
	if err := cfg.Cursor.Close(); err != nil {
		cfg.Log.Warn().Err(err).Msg("dispatch: cursor close failed")
	}
	if err := cfg.Store.Close(); err != nil {
		cfg.Log.Warn().Err(err).Msg("dispatch: store close failed")
	}
}

// Package signals wires the sender's process-signal contract: SIGINT
// and SIGTERM terminate, SIGCONT and SIGALRM wake the store suspend,
// SIGUSR2 rotates the log level, and SIGPIPE is ignored so a repair
// write to a closed receiver surfaces as a socket error instead of
// killing the process.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/dissemhub/mcastup/internal/logging"
)

// IgnorePipe must run before any repair or command-channel socket is
// written to.
func IgnorePipe() {
	signal.Ignore(syscall.SIGPIPE)
}

// NotifyTermination returns a context cancelled on SIGINT or SIGTERM,
// logging reception of either. Only the dispatch loop acts on it; the
// other goroutines observe the cancellation through the context.
func NotifyTermination(parent context.Context, log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-ch:
			log.Info().Str("signal", sig.String()).Msg("signals: termination signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

// WakeChannel relays SIGCONT and SIGALRM onto the returned channel,
// which the store's suspend primitive selects on. The relay drops
// signals arriving while a wake is already pending; one pending wake
// is enough to unblock the cursor.
func WakeChannel(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGCONT, syscall.SIGALRM)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()
	return wake
}

// RotateOnUSR2 cycles the global log level on every SIGUSR2 until ctx
// is cancelled.
func RotateOnUSR2(ctx context.Context, log zerolog.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR2)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				next := logging.Rotate()
				log.Info().Str("level", next.String()).Msg("signals: log level rotated")
			}
		}
	}()
}

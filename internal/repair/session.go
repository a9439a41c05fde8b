package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dissemhub/mcastup/internal/lderr"
	"github.com/dissemhub/mcastup/internal/product"
	"github.com/dissemhub/mcastup/internal/store"
)

// Hooks lets the owning sender observe session activity for metrics
// without this package depending on internal/metrics. All fields are
// optional.
type Hooks struct {
	OnSessionStart func()
	OnSessionEnd   func()
	OnRequest      func(msgType string)
	OnMissed       func()
	OnBacklog      func()
	OnNoSuch       func()
}

// requestRate caps how fast one receiver can pump repair requests.
// Pacing (Wait, not drop) preserves the in-order response guarantee
// while keeping a misbehaving receiver from monopolizing the store.
var requestRate = rate.Limit(200)

const requestBurst = 50

// SessionState is a position in the per-connection state machine:
// UNSUBSCRIBED -> SUBSCRIBED -> SERVING -> CLOSED.
type SessionState int

const (
	StateUnsubscribed SessionState = iota
	StateSubscribed
	StateServing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateServing:
		return "SERVING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IndexReader is the read-side view of the product-index map a session
// consults to turn a multicast index back into a content signature.
type IndexReader interface {
	Get(index uint32) (product.Signature, error)
	Close() error
}

// SubscribeRequest carries the inputs of the subscription handler's
// admission procedure, decoded from the connection's first frame.
type SubscribeRequest struct {
	Feed           product.Feed
	RemoteEndpoint string
	RemoteAddr     net.IP
}

// SubscribeResult is what a successful subscription hands back to the
// session: the granted feed and addressing info for the reply, plus
// the resources this session will read from and must release on close.
type SubscribeResult struct {
	GrantedFeed  product.Feed
	GroupAddr    string
	ServerAddr   string
	ReservedAddr net.IP
	IndexReader  IndexReader
	Store        store.Store
	// Release undoes everything the subscription handler did (address
	// release, authorization revoke, virtual-circuit teardown). Called
	// exactly once, on any transition to CLOSED.
	Release func()
}

// Subscriber performs the subscription handler's admission steps.
// internal/subscription provides the concrete implementation; this
// package only depends on the interface to avoid an import cycle
// (subscription needs repair's wire-level request/result types).
type Subscriber interface {
	Subscribe(req SubscribeRequest) (SubscribeResult, error)
}

// Session owns one accepted TCP connection for its entire lifetime:
// the synchronous subscribe call, then an unbounded one-way stream of
// repair requests until the peer disconnects.
type Session struct {
	conn       net.Conn
	subscriber Subscriber
	log        zerolog.Logger
	hooks      Hooks
	limiter    *rate.Limiter

	state   SessionState
	granted product.Feed
	idx     IndexReader
	pstore  store.Store
	release func()
}

// NewSession wraps an accepted connection. Serve must be called to run
// it; NewSession performs no I/O.
func NewSession(conn net.Conn, subscriber Subscriber, log zerolog.Logger) *Session {
	return &Session{
		conn:       conn,
		subscriber: subscriber,
		log:        log,
		limiter:    rate.NewLimiter(requestRate, requestBurst),
		state:      StateUnsubscribed,
	}
}

func (s *Session) State() SessionState { return s.state }

// Serve runs the session to completion: the subscribe handshake, then
// the request loop, then teardown. It always returns after the
// connection is closed and never returns an error the caller needs to
// act on further (failures are logged and end the session).
func (s *Session) Serve() {
	if s.hooks.OnSessionStart != nil {
		s.hooks.OnSessionStart()
	}
	defer s.teardown()

	if err := s.handleSubscribe(); err != nil {
		s.log.Warn().Err(err).Msg("repair: subscribe failed, closing session")
		return
	}

	for {
		env, err := readFrame(s.conn)
		if err != nil {
			s.log.Debug().Err(err).Msg("repair: session read ended")
			return
		}
		if err := s.dispatch(env); err != nil {
			s.log.Warn().Err(err).Str("type", env.Type).Msg("repair: session request failed, closing")
			return
		}
	}
}

func (s *Session) handleSubscribe() error {
	env, err := readFrame(s.conn)
	if err != nil {
		return err
	}
	// test_connection is valid before subscribing; connectivity probes
	// use it without committing to a subscription.
	for env.Type == typeTestConnection {
		if s.hooks.OnRequest != nil {
			s.hooks.OnRequest(env.Type)
		}
		env, err = readFrame(s.conn)
		if err != nil {
			return err
		}
	}
	if env.Type != typeSubscribe {
		writeFrame(s.conn, typeSubscribeReply, subscribeReplyWire{Status: "Invalid", Error: "first message must be subscribe"})
		return fmt.Errorf("repair: expected subscribe, got %s", env.Type)
	}
	var wire subscribeWire
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		writeFrame(s.conn, typeSubscribeReply, subscribeReplyWire{Status: "Invalid", Error: err.Error()})
		return err
	}
	feed, err := product.ParseFeedExpr(wire.Feed)
	if err != nil {
		writeFrame(s.conn, typeSubscribeReply, subscribeReplyWire{Status: "Invalid", Error: err.Error()})
		return err
	}

	remoteIP, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	result, err := s.subscriber.Subscribe(SubscribeRequest{
		Feed:           feed,
		RemoteEndpoint: wire.RemoteEndpoint,
		RemoteAddr:     net.ParseIP(remoteIP),
	})
	if err != nil {
		writeFrame(s.conn, typeSubscribeReply, subscribeReplyWire{
			Status: lderr.KindOf(err).String(),
			Error:  err.Error(),
		})
		return err
	}

	s.granted = result.GrantedFeed
	s.idx = result.IndexReader
	s.pstore = result.Store
	s.release = result.Release
	s.state = StateSubscribed

	return writeFrame(s.conn, typeSubscribeReply, subscribeReplyWire{
		Status: "Ok",
		Info: &subscribeInfoWire{
			Feed:         result.GrantedFeed.String(),
			GroupAddr:    result.GroupAddr,
			ServerAddr:   result.ServerAddr,
			ReservedAddr: result.ReservedAddr.String(),
		},
	})
}

func (s *Session) dispatch(env envelope) error {
	s.state = StateServing
	if s.hooks.OnRequest != nil {
		s.hooks.OnRequest(env.Type)
	}
	if err := s.limiter.Wait(context.Background()); err != nil {
		return err
	}
	switch env.Type {
	case typeRequestProduct:
		var req requestProductWire
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return s.handleRequestProduct(req.Index)
	case typeRequestBacklog:
		var req requestBacklogWire
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return s.handleRequestBacklog(req)
	case typeTestConnection:
		return nil
	default:
		return fmt.Errorf("repair: unknown message type %q", env.Type)
	}
}

func (s *Session) handleRequestProduct(index uint32) error {
	sig, err := s.idx.Get(index)
	if err != nil {
		return s.sendNoSuch(index)
	}
	p, err := s.pstore.LookupBySignature(sig)
	if err != nil {
		if lderr.KindOf(err) == lderr.NoEntry {
			return s.sendNoSuch(index)
		}
		return err
	}
	if s.hooks.OnMissed != nil {
		s.hooks.OnMissed()
	}
	return writeFrame(s.conn, typeMissedProduct, missedProductWire{
		Index: index,
		Info:  productInfo(p),
		Data:  p.Payload,
	})
}

func (s *Session) sendNoSuch(index uint32) error {
	if s.hooks.OnNoSuch != nil {
		s.hooks.OnNoSuch()
	}
	return writeFrame(s.conn, typeNoSuchProduct, noSuchProductWire{Index: index})
}

func (s *Session) handleRequestBacklog(req requestBacklogWire) error {
	before, err := product.ParseSignature(req.Before)
	if err != nil {
		return err
	}

	cur, err := s.pstore.OpenCursor()
	if err != nil {
		return err
	}
	defer cur.Close()

	positioned := false
	if req.After != "" {
		after, err := product.ParseSignature(req.After)
		if err == nil {
			if ok, serr := cur.SeekAfter(after); serr == nil && ok {
				positioned = true
			}
		}
	}
	if !positioned {
		cutoff := time.Now().Add(-time.Duration(req.TimeOffsetSeconds) * time.Second)
		if err := cur.SeekNotOlderThan(cutoff); err != nil {
			return err
		}
	}

	for {
		expired, cancel := context.WithDeadline(context.Background(), time.Now())
		p, _, err := cur.Next(expired, s.granted, nil)
		cancel()
		if err != nil {
			s.log.Info().Str("before", before.String()).Msg("repair: backlog reached end of store before the requested signature")
			return nil
		}
		if p.Signature == before {
			return nil
		}
		if err := writeFrame(s.conn, typeBacklogProduct, backlogProductWire{
			Info: productInfo(p),
			Data: p.Payload,
		}); err != nil {
			return err
		}
		if s.hooks.OnBacklog != nil {
			s.hooks.OnBacklog()
		}
	}
}

func productInfo(p product.Product) productInfoWire {
	return productInfoWire{
		Signature:  p.Signature.String(),
		Feed:       p.Feed.String(),
		Timestamp:  p.Timestamp,
		Identifier: p.Identifier,
	}
}

func (s *Session) teardown() {
	s.state = StateClosed
	if s.idx != nil {
		s.idx.Close()
	}
	if s.release != nil {
		s.release()
	}
	s.conn.Close()
	if s.hooks.OnSessionEnd != nil {
		s.hooks.OnSessionEnd()
	}
}

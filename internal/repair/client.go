package repair

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the receiver side of the repair wire protocol: dial, issue
// the one synchronous subscribe call, then send one-way requests.
// internal/manager never uses this (it only relays over cmdchan); this
// exists for cmd/mcastping and any other receiver-side tooling that
// needs to speak the protocol without re-deriving the framing.
type Client struct {
	conn net.Conn
}

// Dial opens a connection to a sender child's repair port.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("repair: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// SubscribeReply is the decoded form of the subscribe_reply envelope.
type SubscribeReply struct {
	Status       string
	Feed         string
	GroupAddr    string
	ServerAddr   string
	ReservedAddr string
	Error        string
}

// Subscribe issues the synchronous subscribe(feed, vc_endpoint) call
// and waits for its reply.
func (c *Client) Subscribe(feed, remoteEndpoint string) (SubscribeReply, error) {
	if err := writeFrame(c.conn, typeSubscribe, subscribeWire{Feed: feed, RemoteEndpoint: remoteEndpoint}); err != nil {
		return SubscribeReply{}, err
	}
	env, err := readFrame(c.conn)
	if err != nil {
		return SubscribeReply{}, err
	}
	if env.Type != typeSubscribeReply {
		return SubscribeReply{}, fmt.Errorf("repair: expected subscribe_reply, got %s", env.Type)
	}
	var wire subscribeReplyWire
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		return SubscribeReply{}, err
	}
	reply := SubscribeReply{Status: wire.Status, Error: wire.Error}
	if wire.Info != nil {
		reply.Feed = wire.Info.Feed
		reply.GroupAddr = wire.Info.GroupAddr
		reply.ServerAddr = wire.Info.ServerAddr
		reply.ReservedAddr = wire.Info.ReservedAddr
	}
	return reply, nil
}

// RequestProduct issues the one-way request_product(index) RPC. The
// sender's answer, if any, arrives later as a notification.
func (c *Client) RequestProduct(index uint32) error {
	return writeFrame(c.conn, typeRequestProduct, requestProductWire{Index: index})
}

// RequestBacklog issues the one-way request_backlog RPC. after may be
// empty; before must be the hex signature the backlog stops at.
func (c *Client) RequestBacklog(before, after string, timeOffsetSeconds int64) error {
	return writeFrame(c.conn, typeRequestBacklog, requestBacklogWire{
		Before:            before,
		After:             after,
		TimeOffsetSeconds: timeOffsetSeconds,
	})
}

// Notification is one decoded one-way message from the sender:
// missed_product, no_such_product or backlog_product.
type Notification struct {
	Type       string
	Index      uint32
	Signature  string
	Identifier string
	Data       []byte
}

// ReadNotification blocks until the next one-way message arrives or
// timeout elapses.
func (c *Client) ReadNotification(timeout time.Duration) (Notification, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	env, err := readFrame(c.conn)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{Type: env.Type}
	switch env.Type {
	case typeMissedProduct:
		var wire missedProductWire
		if err := json.Unmarshal(env.Payload, &wire); err != nil {
			return Notification{}, err
		}
		n.Index = wire.Index
		n.Signature = wire.Info.Signature
		n.Identifier = wire.Info.Identifier
		n.Data = wire.Data
	case typeNoSuchProduct:
		var wire noSuchProductWire
		if err := json.Unmarshal(env.Payload, &wire); err != nil {
			return Notification{}, err
		}
		n.Index = wire.Index
	case typeBacklogProduct:
		var wire backlogProductWire
		if err := json.Unmarshal(env.Payload, &wire); err != nil {
			return Notification{}, err
		}
		n.Signature = wire.Info.Signature
		n.Identifier = wire.Info.Identifier
		n.Data = wire.Data
	default:
		return Notification{}, fmt.Errorf("repair: unexpected notification type %q", env.Type)
	}
	return n, nil
}

// TestConnection issues the one-way test_connection RPC and reports
// how long writing it took. This channel never replies, so the time
// is not a round trip: "sent" is the only signal.
func (c *Client) TestConnection() (time.Duration, error) {
	start := time.Now()
	if err := writeFrame(c.conn, typeTestConnection, testConnectionWire{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

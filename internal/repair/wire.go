// Package repair implements the per-receiver repair RPC server: the
// same TCP connection that carries the one synchronous subscribe call
// is reused, for the life of the connection, to carry an unbounded
// stream of one-way product and backlog notifications in both
// directions. See DESIGN.md for why this rules out a request/reply RPC
// framework and what the wire framing looks like instead.
package repair

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const maxFrameLen = 64 << 20 // guards a corrupt length prefix from an unbounded allocation

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// writeFrame marshals payload into an envelope of the given type and
// writes it as a 4-byte big-endian length prefix followed by the JSON
// bytes. Each write is bounded by a 5-second deadline; a write that
// fails or times out is returned to the caller as an error.
func writeFrame(conn net.Conn, msgType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("repair: marshal %s payload: %w", msgType, err)
	}
	env, err := json.Marshal(envelope{Type: msgType, Payload: body})
	if err != nil {
		return fmt.Errorf("repair: marshal %s envelope: %w", msgType, err)
	}

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(env)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(env)
	return err
}

// readFrame blocks until a full envelope arrives on conn.
func readFrame(conn net.Conn) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return envelope{}, fmt.Errorf("repair: frame length %d exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("repair: decode envelope: %w", err)
	}
	return env, nil
}

// Message types carried in envelope.Type.
const (
	typeSubscribe      = "subscribe"
	typeSubscribeReply = "subscribe_reply"
	typeRequestProduct = "request_product"
	typeMissedProduct  = "missed_product"
	typeNoSuchProduct  = "no_such_product"
	typeRequestBacklog = "request_backlog"
	typeBacklogProduct = "backlog_product"
	typeTestConnection = "test_connection"
)

type subscribeWire struct {
	Feed           string `json:"feed"`
	RemoteEndpoint string `json:"remote_endpoint"`
}

type subscribeReplyWire struct {
	Status string             `json:"status"`
	Info   *subscribeInfoWire `json:"info,omitempty"`
	Error  string             `json:"error,omitempty"`
}

type subscribeInfoWire struct {
	Feed         string `json:"feed"`
	GroupAddr    string `json:"group_addr"`
	ServerAddr   string `json:"server_addr"`
	ReservedAddr string `json:"reserved_addr"`
}

type requestProductWire struct {
	Index uint32 `json:"index"`
}

type productInfoWire struct {
	Signature  string    `json:"signature"`
	Feed       string    `json:"feed"`
	Timestamp  time.Time `json:"timestamp"`
	Identifier string    `json:"identifier"`
}

type missedProductWire struct {
	Index uint32          `json:"index"`
	Info  productInfoWire `json:"info"`
	Data  []byte          `json:"data"`
}

type noSuchProductWire struct {
	Index uint32 `json:"index"`
}

type requestBacklogWire struct {
	Before            string `json:"before"`
	After             string `json:"after,omitempty"`
	TimeOffsetSeconds int64  `json:"time_offset_seconds"`
}

type backlogProductWire struct {
	Info productInfoWire `json:"info"`
	Data []byte          `json:"data"`
}

type testConnectionWire struct{}

// Package rtpengine drives rtpengine-compatible media relays over the NG
// control protocol and pools them for call sessions.
package rtpengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/bencode"
)

// NG result values.
const (
	resultOK    = "ok"
	resultPong  = "pong"
	resultError = "error"
)

// maxDatagram bounds a reply; rewritten SDP easily exceeds a single MTU.
const maxDatagram = 65535

// Reply is a decoded NG response dictionary.
type Reply struct {
	Result      string `bencode:"result"`
	SDP         string `bencode:"sdp"`
	ErrorReason string `bencode:"error-reason"`
	Warning     string `bencode:"warning"`
}

// Client sends NG commands to one media relay. Each command uses its own
// UDP socket so concurrent commands never share a read path.
type Client struct {
	addr    string
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient creates a client for the relay control socket at host:port.
func NewClient(host string, port int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{
		addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		timeout: timeout,
	}
}

// Addr returns the relay's control address.
func (c *Client) Addr() string {
	return c.addr
}

// Do sends command with params and waits for the matching reply. The reply
// is returned even when its result is not ok; only transport and decoding
// problems produce an error.
func (c *Client) Do(ctx context.Context, command string, params map[string]any) (*Reply, error) {
	msg := make(map[string]any, len(params)+1)
	for k, v := range params {
		if nv, ok := normalizeValue(v); ok {
			msg[k] = nv
		}
	}
	msg["command"] = command

	body, err := bencode.EncodeBytes(msg)
	if err != nil {
		return nil, fmt.Errorf("rtpengine: encoding %s: %w", command, err)
	}

	cookie := uuid.NewString()
	packet := make([]byte, 0, len(cookie)+1+len(body))
	packet = append(packet, cookie...)
	packet = append(packet, ' ')
	packet = append(packet, body...)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("rtpengine: dialing %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("rtpengine: sending %s: %w", command, err)
	}

	buf := make([]byte, maxDatagram)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("rtpengine: waiting for %s reply: %w", command, ctx.Err())
			}
			return nil, fmt.Errorf("rtpengine: reading %s reply: %w", command, err)
		}

		gotCookie, payload, ok := bytes.Cut(buf[:n], []byte{' '})
		if !ok {
			return nil, fmt.Errorf("rtpengine: malformed %s reply", command)
		}
		// Late replies to an earlier command on a reused port are dropped.
		if string(gotCookie) != cookie {
			continue
		}

		var reply Reply
		if err := bencode.DecodeBytes(payload, &reply); err != nil {
			return nil, fmt.Errorf("rtpengine: decoding %s reply: %w", command, err)
		}
		return &reply, nil
	}
}

// Ping checks that the relay answers.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.Do(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if reply.Result != resultPong {
		return fmt.Errorf("rtpengine: unexpected ping result %q", reply.Result)
	}
	return nil
}

// errResult converts a non-ok reply into an error.
func errResult(command string, reply *Reply) error {
	if reply.Result == resultOK {
		return nil
	}
	if reply.ErrorReason != "" {
		return fmt.Errorf("rtpengine: %s failed: %s", command, reply.ErrorReason)
	}
	if reply.Result == "" {
		return errors.New("rtpengine: " + command + " reply has no result")
	}
	return fmt.Errorf("rtpengine: %s returned %q", command, reply.Result)
}

// normalizeValue maps JSON-decoded media option values onto types bencode
// can carry. Integral floats become integers, booleans become yes/no and
// nil values are dropped.
func normalizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case bool:
		if val {
			return "yes", true
		}
		return "no", true
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return int64(val), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if nv, ok := normalizeValue(item); ok {
				out = append(out, nv)
			}
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if nv, ok := normalizeValue(item); ok {
				out[k] = nv
			}
		}
		return out, true
	default:
		return v, true
	}
}

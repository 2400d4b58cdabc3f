package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// SIPLogVerbosity controls how much of each SIP message is logged.
type SIPLogVerbosity int32

const (
	// SIPLogOff disables SIP message tracing.
	SIPLogOff SIPLogVerbosity = iota
	// SIPLogHeaders logs only the start line and headers (no SDP body).
	SIPLogHeaders
	// SIPLogFull logs the complete SIP message including the body.
	SIPLogFull
)

// ParseSIPLogVerbosity converts a config setting to a SIPLogVerbosity value.
func ParseSIPLogVerbosity(s string) SIPLogVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return SIPLogHeaders
	case "full":
		return SIPLogFull
	default:
		return SIPLogOff
	}
}

func (v SIPLogVerbosity) String() string {
	switch v {
	case SIPLogHeaders:
		return "headers"
	case SIPLogFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs SIP messages handled by the gateway at a verbosity
// that can be changed at runtime.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a SIP message tracer.
func NewMessageTracer(logger *slog.Logger, verbosity SIPLogVerbosity) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity updates the tracing verbosity level.
func (t *MessageTracer) SetVerbosity(v SIPLogVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip message tracing verbosity changed", "verbosity", v.String())
}

// Verbosity returns the current tracing verbosity level.
func (t *MessageTracer) Verbosity() SIPLogVerbosity {
	return SIPLogVerbosity(t.verbosity.Load())
}

// Recv traces a message received from addr.
func (t *MessageTracer) Recv(msg sip.Message, addr string) {
	t.trace("recv", msg, addr)
}

// Send traces a message sent to addr.
func (t *MessageTracer) Send(msg sip.Message, addr string) {
	t.trace("send", msg, addr)
}

func (t *MessageTracer) trace(direction string, msg sip.Message, addr string) {
	v := t.Verbosity()
	if v == SIPLogOff || msg == nil {
		return
	}
	t.logger.Debug("sip "+direction,
		"direction", direction,
		"transport", msg.Transport(),
		"remote_addr", addr,
		"message", formatMessage([]byte(msg.String()), v),
	)
}

// formatMessage applies the verbosity filter to a raw SIP message.
func formatMessage(sipmsg []byte, v SIPLogVerbosity) string {
	if v == SIPLogFull {
		return string(sipmsg)
	}

	// Headers only: strip everything after the blank line.
	idx := bytes.Index(sipmsg, []byte("\r\n\r\n"))
	if idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}

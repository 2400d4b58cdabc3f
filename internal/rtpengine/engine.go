package rtpengine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/tenantgw/internal/database/models"
)

const (
	// pingInterval is how often each engine is pinged.
	pingInterval = 10 * time.Second
	// deleteTimeout bounds delete commands issued during teardown.
	deleteTimeout = 2 * time.Second
)

// ErrRejected is returned by Offer and Answer when the engine is configured
// to reject calls on failure instead of passing the SDP through.
var ErrRejected = errors.New("rtpengine: media negotiation rejected")

// Params identifies the call and carries the SDP and media options for an
// offer or answer.
type Params struct {
	CallID  string
	FromTag string
	ToTag   string
	SDP     string
	Options models.MediaOptions
}

type callKey struct {
	callID  string
	fromTag string
}

// Engine is one media relay. All media operations degrade to passing the
// SDP through unchanged when the relay is unavailable or fails.
type Engine struct {
	ID   int64
	Host string
	Port int

	logger    *slog.Logger
	available atomic.Bool

	mu              sync.Mutex
	client          *Client
	rejectOnFailure bool
	calls           map[callKey]struct{}
	listeners       []func(e *Engine, available bool)
	cancel          context.CancelFunc
	done            chan struct{}
	closed          bool
}

// NewEngine creates an engine from its configuration row. It starts out
// unavailable; call Start to begin health checks.
func NewEngine(row models.MediaEngine, logger *slog.Logger) *Engine {
	e := &Engine{
		ID:     row.ID,
		Host:   row.Host,
		Port:   row.Port,
		calls:  make(map[callKey]struct{}),
		logger: logger.With("engine", net.JoinHostPort(row.Host, strconv.Itoa(row.Port))),
	}
	e.configure(row)
	return e
}

func (e *Engine) configure(row models.MediaEngine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = NewClient(row.Host, row.Port, time.Duration(row.TimeoutMS)*time.Millisecond)
	e.rejectOnFailure = row.RejectOnFailure
}

// Addr returns host:port of the engine's control socket.
func (e *Engine) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Available reports the result of the most recent health check.
func (e *Engine) Available() bool {
	return e.available.Load()
}

// OnAvailability registers fn to be called whenever availability flips.
func (e *Engine) OnAvailability(fn func(e *Engine, available bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// ActiveCalls returns the number of calls with engine state.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Start begins the health check loop. The first ping is sent immediately.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.pingLoop(ctx, e.done)
}

// Close stops health checks and marks the engine unavailable.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.closed = true
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	e.setAvailable(false)
}

func (e *Engine) pingLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		err := e.currentClient().Ping(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Debug("engine ping failed", "error", err)
		}
		e.setAvailable(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) currentClient() *Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

// setAvailable records availability and notifies listeners on change only.
func (e *Engine) setAvailable(available bool) {
	if e.available.Swap(available) == available {
		return
	}
	if available {
		e.logger.Info("engine available")
	} else {
		e.logger.Warn("engine unavailable")
	}

	e.mu.Lock()
	listeners := make([]func(*Engine, bool), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(e, available)
	}
}

// Offer returns the SDP to present to the far leg. The call is tracked for
// a later Delete. Nothing is tracked or sent once ctx is done.
func (e *Engine) Offer(ctx context.Context, p Params) (string, error) {
	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return "", err
	}
	e.calls[callKey{p.CallID, p.FromTag}] = struct{}{}
	e.mu.Unlock()

	params := e.params(p)
	return e.negotiate(ctx, "offer", p, params)
}

// Answer returns the SDP to present to the near leg once the far leg's
// to-tag is known.
func (e *Engine) Answer(ctx context.Context, p Params) (string, error) {
	params := e.params(p)
	params["to-tag"] = p.ToTag
	return e.negotiate(ctx, "answer", p, params)
}

func (e *Engine) params(p Params) map[string]any {
	params := make(map[string]any, len(p.Options)+4)
	for k, v := range p.Options {
		params[k] = v
	}
	params["sdp"] = p.SDP
	params["call-id"] = p.CallID
	params["from-tag"] = p.FromTag
	return params
}

func (e *Engine) negotiate(ctx context.Context, command string, p Params, params map[string]any) (string, error) {
	logger := e.logger.With("call_id", p.CallID, "command", command)

	if !e.Available() {
		logger.Error("engine not connected, passing sdp through")
		return p.SDP, nil
	}

	e.mu.Lock()
	client, reject := e.client, e.rejectOnFailure
	e.mu.Unlock()

	reply, err := client.Do(ctx, command, params)
	if err == nil {
		err = errResult(command, reply)
	}
	if err == nil && reply.SDP == "" {
		err = errors.New("rtpengine: " + command + " reply has no sdp")
	}
	if err != nil {
		if reject {
			logger.Error("engine request failed, rejecting", "error", err)
			return "", ErrRejected
		}
		logger.Error("engine request failed, passing sdp through", "error", err)
		return p.SDP, nil
	}
	return reply.SDP, nil
}

// Delete releases the engine's state for a call. Only calls seen by Offer
// are deleted, and each at most once.
func (e *Engine) Delete(ctx context.Context, callID, fromTag string) {
	key := callKey{callID, fromTag}

	e.mu.Lock()
	_, tracked := e.calls[key]
	delete(e.calls, key)
	client := e.client
	e.mu.Unlock()

	if !tracked {
		return
	}

	logger := e.logger.With("call_id", callID, "command", "delete")
	if !e.Available() {
		logger.Error("engine not connected, skipping delete")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteTimeout)
	defer cancel()

	reply, err := client.Do(ctx, "delete", map[string]any{
		"call-id":  callID,
		"from-tag": fromTag,
	})
	if err == nil {
		err = errResult("delete", reply)
	}
	if err != nil {
		logger.Error("engine delete failed", "error", err)
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/gluk-w/claworc/sessiond/internal/bus"
	"github.com/gluk-w/claworc/sessiond/internal/events"
	"github.com/gluk-w/claworc/sessiond/internal/logutil"
	"github.com/gluk-w/claworc/sessiond/internal/sessionerr"
	"github.com/gluk-w/claworc/sessiond/internal/sshaudit"
	"github.com/gluk-w/claworc/sessiond/internal/sshterminal"
)

const (
	// MaxInputMessageSize bounds a single inbound frame.
	MaxInputMessageSize = 1024 * 1024

	// outboundQueue is the number of frames buffered per connection. A client
	// that falls this far behind is disconnected.
	outboundQueue = 4096

	writeTimeout = 10 * time.Second

	// wsRateLimit is the sustained number of frames per second accepted from
	// one connection; wsRateBurst lets pastes and resize storms through.
	wsRateLimit = 200
	wsRateBurst = 200
)

// ServeWS bridges one WebSocket to the bus. Text frames carry bus.Request
// JSON; the server answers with bus.Response frames and pushes every
// events.Event published on the broadcaster.
//
// Fire-and-forget operations run inline on the reader so shell input keeps
// its order. Everything else runs on its own goroutine, because connect
// waits for interactive-auth:response frames arriving on the same socket.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxInputMessageSize)

	source := logutil.SanitizeForLog(sshaudit.ExtractSourceIP(r))
	s.log.Info().Str("source_ip", source).Msg("Bus client connected")
	s.metrics.Connections.Inc()
	defer s.metrics.Connections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan any, outboundQueue)
	var overflow atomic.Bool
	push := func(v any) {
		select {
		case out <- v:
		default:
			if overflow.CompareAndSwap(false, true) {
				s.metrics.Dropped.WithLabelValues("overflow").Inc()
				s.log.Warn().Str("source_ip", source).Msg("Bus client too slow, disconnecting")
				cancel()
			}
		}
	}
	if s.opts.Broadcaster != nil {
		unsubscribe := s.opts.Broadcaster.Subscribe(func(e events.Event) { push(e) })
		defer unsubscribe()
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, out, cancel)
	}()

	// reject answers a frame that is not dispatched, echoing whatever
	// request id it carries.
	reject := func(data []byte, reason string, kind sessionerr.Kind, msg string) {
		s.metrics.Dropped.WithLabelValues(reason).Inc()
		var req bus.Request
		_ = json.Unmarshal(data, &req)
		push(&bus.Response{
			RequestID: req.RequestID,
			Op:        req.Op,
			Status:    bus.StatusError,
			Message:   msg,
			Kind:      kind.String(),
		})
	}

	var inflight sync.WaitGroup
	limiter := sshterminal.NewRateLimiter(nil, s.opts.FrameRate, s.opts.FrameBurst)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		s.metrics.Frames.WithLabelValues("in").Inc()
		if typ != websocket.MessageText {
			reject(data, "binary", sessionerr.InvalidRequest, "unsupported frame type, requests are JSON text frames")
			continue
		}
		if !limiter.Allow() {
			reject(data, "rate_limit", sessionerr.RateLimited, "rate limited, request not processed")
			continue
		}

		var req bus.Request
		if err := json.Unmarshal(data, &req); err != nil {
			push(&bus.Response{
				Status:  bus.StatusError,
				Message: "invalid request: " + err.Error(),
				Kind:    sessionerr.InvalidRequest.String(),
			})
			continue
		}

		if s.opts.Dispatcher.FireAndForget(req.Op) {
			if resp := s.opts.Dispatcher.Dispatch(ctx, req); resp != nil {
				push(resp)
			}
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			push(s.opts.Dispatcher.Dispatch(ctx, req))
		}()
	}

	cancel()
	inflight.Wait()
	<-writerDone
	s.log.Info().Str("source_ip", source).Msg("Bus client disconnected")
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan any, cancel context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-out:
			wctx, done := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, v)
			done()
			if err != nil {
				s.log.Debug().Err(err).Msg("Websocket write failed")
				cancel()
				return
			}
			s.metrics.Frames.WithLabelValues("out").Inc()
		}
	}
}

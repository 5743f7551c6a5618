package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"teststand/internal/ratelimit"
)

// Handler executes inbound observer commands.
type Handler interface {
	// HandleValves applies a valve vector and returns the vector in effect.
	HandleValves(ctx context.Context, valves []int) ([]int, error)
	// HandleStepMotor moves one actuator and reports its reply.
	HandleStepMotor(ctx context.Context, motorID int, angle float64) (bool, string, error)
	// HandleMode records the system mode.
	HandleMode(ctx context.Context, mode string)
	// SensorPayload returns the latest frame as an observer payload.
	SensorPayload() map[string]any
}

// ServerOptions configures the observer endpoint.
type ServerOptions struct {
	Listen       string
	Path         string
	WriteTimeout time.Duration
	// MetricsPath and Metrics mount an extra handler when both are set.
	MetricsPath string
	Metrics     http.Handler
}

// Server accepts observers over WebSocket and routes their commands.
type Server struct {
	hub      *Hub
	handler  Handler
	opts     ServerOptions
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	base     atomic.Pointer[context.Context]
	nextID   atomic.Uint64
	badInput *ratelimit.Counter
}

// NewServer wires the observer endpoint onto hub.
func NewServer(hub *Hub, handler Handler, opts ServerOptions) *Server {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	s := &Server{
		hub:     hub,
		handler: handler,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux:      http.NewServeMux(),
		badInput: ratelimit.NewCounter(10 * time.Second),
	}
	s.mux.HandleFunc(opts.Path, s.serveWS)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		s.mux.Handle(opts.MetricsPath, opts.Metrics)
	}
	return s
}

// Handler returns the HTTP handler serving the observer and metrics routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.base.Store(&ctx)
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Broadcast: listening on %s%s", s.opts.Listen, s.opts.Path)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.hub.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("broadcast: listen %s: %w", s.opts.Listen, err)
	}
}

func (s *Server) context() context.Context {
	if p := s.base.Load(); p != nil {
		return *p
	}
	return context.Background()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Broadcast: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	obs := &wsObserver{
		id:      fmt.Sprintf("ws-%d", s.nextID.Add(1)),
		conn:    conn,
		timeout: s.opts.WriteTimeout,
	}
	s.hub.Add(obs)
	log.Printf("Broadcast: observer %s connected from %s (%d total)", obs.id, r.RemoteAddr, s.hub.Count())

	ctx := s.context()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.hub.Remove(obs.id, nil)
			log.Printf("Broadcast: observer %s disconnected", obs.id)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		in, err := DecodeInbound(data, mt == websocket.BinaryMessage)
		if err != nil {
			if total, ok := s.badInput.Inc(); ok {
				log.Printf("Broadcast: bad message from %s (%d total): %v", obs.id, total, err)
			}
			continue
		}
		s.route(ctx, obs.id, in)
	}
}

// route executes one inbound message. Replies go only to the sender; state
// changes are published by the handler.
func (s *Server) route(ctx context.Context, id string, in Inbound) {
	switch in.Type {
	case TypeValveCommand:
		applied, err := s.handler.HandleValves(ctx, in.Valves)
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		_ = s.hub.SendTo(id, ValveResponse(err == nil, applied, errText))
	case TypeStepMotorCommand:
		motorID := 1
		if in.MotorID != nil {
			motorID = *in.MotorID
		}
		angle := 0.0
		if in.Angle != nil {
			angle = *in.Angle
		}
		ok, resp, err := s.handler.HandleStepMotor(ctx, motorID, angle)
		if err != nil && resp == "" {
			resp = err.Error()
		}
		_ = s.hub.SendTo(id, StepMotorResponse(ok && err == nil, motorID, angle, resp))
	case TypeSystemMode:
		mode := in.Mode
		if mode == "" {
			mode = "idle"
		}
		s.handler.HandleMode(ctx, mode)
	case TypeGetSensors:
		_ = s.hub.SendTo(id, SensorData(s.handler.SensorPayload()))
	default:
		if total, ok := s.badInput.Inc(); ok {
			log.Printf("Broadcast: unknown message type %q from %s (%d total)", in.Type, id, total)
		}
	}
}

type wsObserver struct {
	id      string
	conn    *websocket.Conn
	timeout time.Duration
}

func (o *wsObserver) ID() string { return o.id }

func (o *wsObserver) Send(f Frame) error {
	_ = o.conn.SetWriteDeadline(time.Now().Add(o.timeout))
	mt := websocket.TextMessage
	if f.Binary {
		mt = websocket.BinaryMessage
	}
	return o.conn.WriteMessage(mt, f.Data)
}

func (o *wsObserver) Close() error {
	return o.conn.Close()
}

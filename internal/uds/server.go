package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/conveyor/internal/logging"
)

// HandlerFunc serves one command. ctx is cancelled when the server stops or
// the request runs past the connection timeout.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Observer is told about every answered request. code is "" on success.
type Observer func(command, code string, elapsed time.Duration)

const (
	defaultConnTimeout = 30 * time.Second
	defaultMaxConns    = 64
)

// Server answers one request per connection. At most maxConns requests are
// served at once; connections beyond that are refused with ErrCodeBusy.
type Server struct {
	socketPath  string
	logger      *logging.Logger
	connTimeout time.Duration
	slots       *semaphore.Weighted
	observe     Observer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		logger:      logger,
		connTimeout: defaultConnTimeout,
		slots:       semaphore.NewWeighted(defaultMaxConns),
		handlers:    make(map[string]HandlerFunc),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetConnTimeout bounds how long one connection may take end to end.
func (s *Server) SetConnTimeout(d time.Duration) { s.connTimeout = d }

// SetMaxConns must be called before Start.
func (s *Server) SetMaxConns(n int64) {
	if n > 0 {
		s.slots = semaphore.NewWeighted(n)
	}
}

func (s *Server) SetObserver(o Observer) { s.observe = o }

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Commands lists the registered command names in order.
func (s *Server) Commands() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Server) Start() error {
	// A socket left by a crashed daemon would make Listen fail. The daemon
	// lock guarantees nobody else is serving it.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.serve(ln)
	return nil
}

// Stop refuses new requests, waits for in-flight ones and removes the socket.
func (s *Server) Stop() error {
	s.cancel()
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) serve(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic serving connection: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Debugf("read request: %v", err)
		return
	}

	start := time.Now()
	var resp *Response
	if s.slots.TryAcquire(1) {
		resp = s.dispatch(&req)
		s.slots.Release(1)
	} else {
		resp = ErrorResponse(ErrCodeBusy, "daemon is at its connection limit")
	}
	if s.observe != nil {
		s.observe(req.Command, resp.ErrorCode(), time.Since(start))
	}

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}
	if s.ctx.Err() != nil {
		return ErrorResponse(ErrCodeShuttingDown, "daemon is shutting down")
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler %s panicked", req.Command))
		}
	}()
	ctx, cancel := context.WithTimeout(s.ctx, s.connTimeout)
	defer cancel()
	resp = handler(ctx, req)
	if resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}

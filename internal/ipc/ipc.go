// Package ipc carries control commands between hetu-ctl and the daemon over
// a unix socket, one JSON request and one JSON response per connection.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const ioTimeout = 10 * time.Minute

type Request struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type Response struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful response. data is marshalled when non-nil.
func OK(msg string, data any) Response {
	r := Response{OK: true, Message: msg}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Fail(fmt.Errorf("encode response: %w", err))
		}
		r.Data = raw
	}
	return r
}

func Fail(err error) Response {
	return Response{Message: err.Error()}
}

type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

type HandlerFunc func(ctx context.Context, req Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response { return f(ctx, req) }

func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "hetu.sock")
	}
	return filepath.Join(os.TempDir(), "hetu.sock")
}

type Server struct {
	path    string
	ln      net.Listener
	handler Handler

	wg     sync.WaitGroup
	closed chan struct{}
	once   sync.Once
}

// Listen removes a stale socket at path and starts listening.
func Listen(path string, h Handler) (*Server, error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("ipc: chmod socket: %w", err)
	}

	return &Server{path: path, ln: ln, handler: h, closed: make(chan struct{})}, nil
}

// Serve accepts connections until Close or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				s.wg.Wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			slog.Warn("ipc accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.ln.Close()
		os.Remove(s.path)
	})
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ioTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		json.NewEncoder(conn).Encode(Fail(fmt.Errorf("bad request: %w", err)))
		return
	}

	resp := s.dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Warn("ipc write failed", "cmd", req.Cmd, "err", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ipc handler panicked", "cmd", req.Cmd, "panic", r)
			resp = Fail(fmt.Errorf("internal error handling %q", req.Cmd))
		}
	}()
	return s.handler.Handle(ctx, req)
}

// Send delivers req to the daemon listening on path and waits for its
// response.
func Send(ctx context.Context, path string, req Request) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Response{}, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("ipc: send: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("ipc: read response: %w", err)
	}
	return resp, nil
}

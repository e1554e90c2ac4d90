package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sei0o/binchotan-backend/internal/logging"
)

// Server accepts frontend connections on a unix-domain socket and speaks
// newline-delimited JSON-RPC. Requests are handled concurrently, including
// within a single connection: responses are matched by id, not arrival order.
type Server struct {
	socketPath     string
	handler        *Handler
	requestTimeout time.Duration

	listener net.Listener
	wg       sync.WaitGroup
}

func NewServer(socketPath string, handler *Handler, requestTimeout time.Duration) *Server {
	return &Server{socketPath: socketPath, handler: handler, requestTimeout: requestTimeout}
}

// Listen binds the socket and serves until ctx is cancelled. A bind failure
// usually means another backend is already running (or left a stale socket).
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind %s (another backend running?): %w", s.socketPath, err)
	}
	s.listener = listener
	log.Printf("🚀 listening on %s", s.socketPath)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			log.Printf("⚠️ accept: %v", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.removeSocket()
	return nil
}

// Close unblocks Listen and removes the socket file.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.removeSocket()
}

func (s *Server) removeSocket() {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("⚠️ remove socket %s: %v", s.socketPath, err)
	}
}

// serveConn reads one JSON-RPC message per line and dispatches each in its own
// goroutine. A write mutex serializes responses onto the connection; the
// caller matches them to requests by id.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	encoder := json.NewEncoder(conn)
	write := func(resp Response) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := encoder.Encode(resp); err != nil {
			log.Printf("⚠️ write response: %v", err)
		}
	}

	var pending sync.WaitGroup
	defer pending.Wait()

	scanner := bufio.NewScanner(conn)
	// Timeline responses can be large; give each message room to breathe.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(errorResponse(nil, CodeParseError, "could not parse the socket payload: "+err.Error(), nil))
			continue
		}

		pending.Add(1)
		go func() {
			defer pending.Done()
			reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
			defer cancel()
			reqCtx = logging.WithRequestID(reqCtx, logging.GenerateRequestID())
			write(s.handler.Handle(reqCtx, &req))
		}()
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Printf("⚠️ connection read: %v", err)
	}
}

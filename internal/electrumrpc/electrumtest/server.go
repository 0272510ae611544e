// Package electrumtest provides an in process electrum server for tests.
package electrumtest

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/RogueTeam/ltcsweep/internal/electrumrpc/rpc"
	"github.com/stretchr/testify/assert"
)

type Handler func(params []json.RawMessage) (result any, err *rpc.RemoteError)

// FakeServer speaks just enough of the electrum protocol for the client tests
type FakeServer struct {
	listener net.Listener

	mu          sync.Mutex
	handlers    map[string]Handler
	conns       []net.Conn
	connections int
	open        int
	peak        int
	handshakes  int
	calls       map[string]int
	params      map[string][]json.RawMessage
	dropNext    int
	notify      bool
}

// NewFakeServer listens on a random local port until the test ends
func NewFakeServer(t *testing.T) (s *FakeServer) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if !assert.Nil(t, err, "failed to listen") {
		t.FailNow()
	}

	s = &FakeServer{
		listener: listener,
		handlers: map[string]Handler{},
		calls:    map[string]int{},
		params:   map[string][]json.RawMessage{},
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *FakeServer) Address() string {
	return s.listener.Addr().String()
}

func (s *FakeServer) Handle(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// DropNext closes the connection instead of answering the next n calls
func (s *FakeServer) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = n
}

// Notify makes the server push a notification and a stale response before every answer
func (s *FakeServer) Notify(notify bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = notify
}

func (s *FakeServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Peak returns the maximum number of connections open at the same time
func (s *FakeServer) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *FakeServer) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

func (s *FakeServer) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *FakeServer) LastParams(method string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params[method]
}

func (s *FakeServer) Close() {
	s.listener.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}

func (s *FakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.connections++
		s.open++
		s.peak = max(s.peak, s.open)
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

type fakeRequest struct {
	Id     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type fakeResponse struct {
	JsonRPC string           `json:"jsonrpc"`
	Id      uint64           `json:"id"`
	Result  any              `json:"result,omitempty"`
	Error   *rpc.RemoteError `json:"error,omitempty"`
}

func (s *FakeServer) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.open--
		s.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	encoder := json.NewEncoder(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req fakeRequest
		err = json.Unmarshal(line, &req)
		if err != nil {
			return
		}

		if req.Method == rpc.MethodServerVersion {
			s.mu.Lock()
			s.handshakes++
			s.mu.Unlock()
			encoder.Encode(fakeResponse{JsonRPC: "2.0", Id: req.Id, Result: []string{"FakeElectrum 1.0", "1.4"}})
			continue
		}

		s.mu.Lock()
		s.calls[req.Method]++
		s.params[req.Method] = req.Params
		drop := s.dropNext > 0
		if drop {
			s.dropNext--
		}
		notify := s.notify
		handler, found := s.handlers[req.Method]
		s.mu.Unlock()

		if drop {
			return
		}

		if notify {
			encoder.Encode(map[string]any{
				"jsonrpc": "2.0",
				"method":  rpc.MethodHeadersSubscribe,
				"params":  []any{map[string]any{"height": 1}},
			})
			encoder.Encode(fakeResponse{JsonRPC: "2.0", Id: req.Id + 1_000, Result: "stale"})
		}

		if !found {
			encoder.Encode(fakeResponse{JsonRPC: "2.0", Id: req.Id, Error: &rpc.RemoteError{Code: -32601, Message: "unknown method"}})
			continue
		}

		result, remoteErr := handler(req.Params)
		encoder.Encode(fakeResponse{JsonRPC: "2.0", Id: req.Id, Result: result, Error: remoteErr})
	}
}

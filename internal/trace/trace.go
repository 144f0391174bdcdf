// Package trace runs an optional websocket server that broadcasts one
// JSON frame per executed instruction to connected debugger clients,
// driven by the VM's DebugHook.
package trace

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"pseudovm/internal/vm"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client wraps one connected websocket debugger client.
type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

func (c *client) send(frame vm.TraceFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed = true
	}
}

// Server accepts websocket clients on one HTTP endpoint and broadcasts
// every TraceFrame handed to it via Send.
type Server struct {
	addr    string
	http    *http.Server
	mu      sync.RWMutex
	clients map[string]*client
	nextID  int
}

// NewServer creates a trace server listening on addr (e.g. ":8089").
func NewServer(addr string) *Server {
	return &Server{addr: addr, clients: make(map[string]*client)}
}

// Start begins accepting connections in the background. It returns
// once the listener is up or an error occurs binding it.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/trace", s.handleConn)
	s.http = &http.Server{Addr: s.addr, Handler: mux}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("trace: listen %s: %w", s.addr, err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("trace: serve %s: %v", s.addr, err)
		}
	}()
	return nil
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("trace: upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	id := fmt.Sprintf("client-%d", s.nextID)
	s.nextID++
	s.clients[id] = c
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.clients, id)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Send broadcasts frame to every connected client. Implements
// vm.FrameSink.
func (s *Server) Send(frame vm.TraceFrame) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.send(frame)
	}
}

// Stop closes every client connection and shuts down the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	for id, c := range s.clients {
		c.mu.Lock()
		c.closed = true
		c.conn.Close()
		c.mu.Unlock()
		delete(s.clients, id)
	}
	s.mu.Unlock()

	if s.http != nil {
		return s.http.Close()
	}
	return nil
}

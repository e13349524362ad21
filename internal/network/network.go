package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siohaza/blocksmith/internal/protocol"
	"github.com/siohaza/blocksmith/internal/queue"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 2 * time.Minute
)

var ErrClosed = errors.New("connection closed")

type EventType int

const (
	EventTypeNone EventType = iota
	EventTypeConnect
	EventTypeDisconnect
	EventTypeReceive
)

type Event struct {
	Type       EventType
	Conn       *Conn
	PacketType protocol.PacketType
	Data       []byte
	Err        error
}

type Server struct {
	port     int
	maxConns int
	logger   *slog.Logger

	listener net.Listener
	events   chan Event
	closing  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	conns  map[uint64]*Conn
	nextID atomic.Uint64
}

func NewServer(port int, maxConns int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	return &Server{
		port:     port,
		maxConns: maxConns,
		logger:   logger,
		events:   make(chan Event, 256),
		closing:  make(chan struct{}),
		conns:    make(map[uint64]*Conn),
	}, nil
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("server started", "address", ln.Addr().String(), "max_connections", s.maxConns)
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every connection, then waits for their
// goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.closing)
		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.mu.Lock()
		conns := make([]*Conn, 0, len(s.conns))
		for _, c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		for _, c := range conns {
			c.Close()
		}
		s.wg.Wait()
		s.logger.Info("server stopped")
	})
}

// Service waits up to timeout for the next network event.
func (s *Server) Service(timeout time.Duration) (*Event, error) {
	if s.listener == nil {
		return nil, fmt.Errorf("server not started")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-s.events:
		return &ev, nil
	case <-timer.C:
		return &Event{Type: EventTypeNone}, nil
	case <-s.closing:
		return nil, ErrClosed
	}
}

func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("failed to accept connection", "error", err)
			return
		}

		s.mu.Lock()
		full := s.maxConns > 0 && len(s.conns) >= s.maxConns
		s.mu.Unlock()
		if full {
			s.logger.Warn("connection limit reached, refusing", "remote", nc.RemoteAddr().String())
			_ = nc.Close()
			continue
		}

		c := newConn(s, s.nextID.Add(1), nc)
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()

		select {
		case <-s.closing:
			s.forget(c)
			_ = nc.Close()
			return
		default:
		}

		s.logger.Debug("peer connected", "remote", c.RemoteAddr())
		if !s.emit(Event{Type: EventTypeConnect, Conn: c}) {
			s.forget(c)
			_ = nc.Close()
			return
		}

		s.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	}
}

func (s *Server) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// Conn is one client connection. Outgoing packets are queued and written in
// order by the connection's writer goroutine.
type Conn struct {
	id     uint64
	conn   net.Conn
	server *Server
	remote string

	out    *queue.Queue[[]byte]
	notify chan struct{}

	closing   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(s *Server, id uint64, nc net.Conn) *Conn {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	return &Conn{
		id:      id,
		conn:    nc,
		server:  s,
		remote:  host,
		out:     queue.New[[]byte](),
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

func (c *Conn) ID() uint64 {
	return c.id
}

// RemoteAddr is the peer's IP address without the port.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Send queues data for writing. It never blocks on the network.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.out.Enqueue(data)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports how many packets are queued but not yet written.
func (c *Conn) Pending() int {
	return int(c.out.Len())
}

// Close stops accepting packets, writes what is already queued and then
// closes the socket.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closing)
	})
}

func (c *Conn) readLoop() {
	defer c.server.wg.Done()
	defer c.server.forget(c)

	var cause error
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		typ, data, err := protocol.ReadPacket(c.conn)
		if err != nil {
			cause = err
			break
		}
		if !c.server.emit(Event{Type: EventTypeReceive, Conn: c, PacketType: typ, Data: data}) {
			break
		}
	}

	c.Close()
	select {
	case <-c.server.closing:
	default:
		c.server.logger.Debug("peer disconnected", "remote", c.remote, "error", cause)
		c.server.emit(Event{Type: EventTypeDisconnect, Conn: c, Err: cause})
	}
}

func (c *Conn) writeLoop() {
	defer c.server.wg.Done()
	defer c.conn.Close()

	for {
		select {
		case <-c.notify:
			if err := c.flush(); err != nil {
				c.Close()
				return
			}
		case <-c.closing:
			_ = c.flush()
			return
		}
	}
}

func (c *Conn) flush() error {
	for {
		data, ok := c.out.Dequeue()
		if !ok {
			return nil
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.conn.Write(data); err != nil {
			c.server.logger.Debug("failed to write to peer", "remote", c.remote, "error", err)
			return err
		}
	}
}

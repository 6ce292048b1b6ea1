// Package tcpserver binds an Acceptor on a main loop to a pool of worker
// loops and manages the TcpConnections it accepts.
package tcpserver

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/idgenerator"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/metrics"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

// ErrServerStopped is returned by Start after Stop.
var ErrServerStopped = errors.New("tcp server stopped")

// Config holds the construction parameters of a TCPServer.
type Config struct {
	// Name prefixes connection names and worker loop names.
	Name string
	// ListenAddr is the address to bind.
	ListenAddr sockets.InetAddress
	// ReusePort sets SO_REUSEPORT on the listening socket.
	ReusePort bool
	// NumThreads is the number of worker loops; zero serves everything on
	// the main loop.
	NumThreads int
	// WorkerLoop is the template configuration of the worker loops.
	WorkerLoop reactor.Config
	// HighWaterMark is the backpressure threshold of every connection; zero
	// keeps the connection default.
	HighWaterMark int
}

// TCPServer accepts connections on its main loop and pins each one to a
// worker loop chosen round robin. The connection map is only touched on the
// main loop.
type TCPServer struct {
	Logger  logger.Logger
	Name    string
	Metrics *metrics.Metrics

	config      Config
	loop        *reactor.EventLoop
	acceptor    *Acceptor
	pool        *reactor.EventLoopThreadPool
	ipPort      string
	connections map[string]*connection.TcpConnection
	numConns    atomic.Int64
	nextConnID  *idgenerator.IdGenerator
	started     atomic.Bool
	stopped     atomic.Bool

	connectionCallback    connection.ConnectionCallback
	messageCallback       connection.MessageCallback
	writeCompleteCallback connection.WriteCompleteCallback
	highWaterMarkCallback connection.HighWaterMarkCallback
	threadInitCallback    reactor.ThreadInitCallback
}

// NewTCPServer creates a server whose acceptor lives on loop. The socket is
// bound immediately so the listen address is known before Start.
//
// Parameters:
//   - loop: The main loop
//   - cfg: Server configuration
//   - log: Logger the server and its connections derive theirs from
//
// Returns:
//   - A new *TCPServer
//   - An error if the listening socket cannot be created or bound
func NewTCPServer(loop *reactor.EventLoop, cfg Config, log logger.Logger) (*TCPServer, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	log = log.With(logger.Field{Key: "server", Value: cfg.Name})
	acceptor, err := NewAcceptor(loop, cfg.ListenAddr, cfg.ReusePort, log)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}

	bound, err := acceptor.ListenAddr()
	if err != nil {
		bound = cfg.ListenAddr
	}

	workerCfg := cfg.WorkerLoop
	if workerCfg.Logger == nil {
		workerCfg.Logger = log
	}

	s := &TCPServer{
		Logger:      log,
		Name:        cfg.Name,
		config:      cfg,
		loop:        loop,
		acceptor:    acceptor,
		pool:        reactor.NewEventLoopThreadPool(cfg.Name+"-worker", workerCfg),
		ipPort:      bound.ToIPPort(),
		connections: make(map[string]*connection.TcpConnection),
		nextConnID:  idgenerator.NewIdGenerator(0),
		connectionCallback: func(conn *connection.TcpConnection) {
			log.Debug("connection state", logger.Field{Key: "conn", Value: conn.Name()}, logger.Field{Key: "state", Value: conn.State().String()})
		},
		messageCallback: func(_ *connection.TcpConnection, buf *connection.Buffer, _ reactor.Timestamp) {
			buf.RetrieveAll()
		},
	}

	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

// SetConnectionCallback sets the up/down callback of every connection.
func (s *TCPServer) SetConnectionCallback(cb connection.ConnectionCallback) {
	s.connectionCallback = cb
}

// SetMessageCallback sets the read callback of every connection.
func (s *TCPServer) SetMessageCallback(cb connection.MessageCallback) {
	s.messageCallback = cb
}

// SetWriteCompleteCallback sets the drained-output callback of every connection.
func (s *TCPServer) SetWriteCompleteCallback(cb connection.WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback sets the backpressure callback of every connection.
func (s *TCPServer) SetHighWaterMarkCallback(cb connection.HighWaterMarkCallback) {
	s.highWaterMarkCallback = cb
}

// SetThreadInitCallback sets the callback run on each worker loop at start.
func (s *TCPServer) SetThreadInitCallback(cb reactor.ThreadInitCallback) {
	s.threadInitCallback = cb
}

// Loop returns the main loop.
func (s *TCPServer) Loop() *reactor.EventLoop {
	return s.loop
}

// IPPort returns the bound address as "ip:port".
func (s *TCPServer) IPPort() string {
	return s.ipPort
}

// NumConnections returns the number of live connections.
func (s *TCPServer) NumConnections() int {
	return int(s.numConns.Load())
}

// Start spawns the worker loops and starts listening. It may be called from
// any goroutine and blocks until the main loop has done both; further calls
// are no-ops.
//
// Returns:
//   - An error if the server was stopped, a worker could not start or
//     listening failed
func (s *TCPServer) Start() error {
	if s.stopped.Load() {
		return ErrServerStopped
	}

	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	if s.loop.IsInLoopThread() {
		return s.startInLoop()
	}

	done := make(chan error, 1)
	s.loop.RunInLoop(func() { done <- s.startInLoop() })
	return <-done
}

func (s *TCPServer) startInLoop() error {
	s.pool.Init(s.loop, s.config.NumThreads)
	if err := s.pool.Start(s.threadInitCallback); err != nil {
		s.Logger.Error("start worker loops failed", logger.Field{Key: "error", Value: err})
		return fmt.Errorf("server %s: %w", s.Name, err)
	}

	if err := s.acceptor.Listen(); err != nil {
		s.Logger.Error("server failed to start", logger.Field{Key: "error", Value: err})
		s.pool.Stop()
		return fmt.Errorf("server %s failed to listen: %w", s.Name, err)
	}

	s.Logger.Info(fmt.Sprintf("%s server started", s.Name),
		logger.Field{Key: "addr", Value: s.ipPort},
		logger.Field{Key: "workers", Value: s.config.NumThreads})
	return nil
}

// Stop closes the listener, force closes every connection on its own loop and
// stops the worker loops. Safe to call more than once and from any goroutine
// other than a worker loop.
func (s *TCPServer) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	stopInLoop := func() {
		if err := s.acceptor.Close(); err != nil {
			s.Logger.Warn("close acceptor failed", logger.Field{Key: "error", Value: err})
		}

		for name, conn := range s.connections {
			delete(s.connections, name)
			s.numConns.Add(-1)
			s.Metrics.ConnectionDown()
			conn.Loop().RunInLoop(conn.ConnectDestroyed)
		}
	}

	if s.loop.IsInLoopThread() {
		stopInLoop()
	} else {
		done := make(chan struct{})
		s.loop.RunInLoop(func() {
			stopInLoop()
			close(done)
		})
		<-done
	}

	// Worker loops drain the queued ConnectDestroyed calls before exiting.
	s.pool.Stop()
	s.Logger.Info(fmt.Sprintf("%s server stopped", s.Name))
}

// ForEachConnection runs fn for every live connection on the main loop.
func (s *TCPServer) ForEachConnection(fn func(conn *connection.TcpConnection)) {
	s.loop.RunInLoop(func() {
		for _, conn := range s.connections {
			fn(conn)
		}
	})
}

func (s *TCPServer) newConnection(sockfd int, peerAddr sockets.InetAddress) {
	s.loop.AssertInLoopThread()

	ioLoop := s.pool.GetNextLoop()
	name := fmt.Sprintf("%s-%s#%d", s.Name, s.ipPort, s.nextConnID.Id())

	localAddr, err := sockets.GetLocalAddr(sockfd)
	if err != nil {
		s.Logger.Warn("get local address failed", logger.Field{Key: "error", Value: err})
	}

	s.Logger.Debug("new connection", logger.Field{Key: "conn", Value: name}, logger.Field{Key: "peer", Value: peerAddr.ToIPPort()})

	conn := connection.NewTcpConnection(ioLoop, name, sockfd, localAddr, peerAddr, s.Logger)
	s.connections[name] = conn
	s.numConns.Add(1)
	s.Metrics.ConnectionUp()

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)

	hwm := s.config.HighWaterMark
	if hwm <= 0 {
		hwm = connection.DefaultHighWaterMark
	}

	hwmCallback := s.highWaterMarkCallback
	conn.SetHighWaterMarkCallback(func(c *connection.TcpConnection, queued int) {
		s.Metrics.HighWaterMark()
		if hwmCallback != nil {
			hwmCallback(c, queued)
		}
	}, hwm)
	conn.SetCloseCallback(s.removeConnection)

	ioLoop.RunInLoop(conn.ConnectEstablished)
}

// removeConnection runs on the connection's loop and hops to the main loop,
// which alone mutates the connection map.
func (s *TCPServer) removeConnection(conn *connection.TcpConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TCPServer) removeConnectionInLoop(conn *connection.TcpConnection) {
	s.loop.AssertInLoopThread()

	if _, ok := s.connections[conn.Name()]; !ok {
		return
	}

	delete(s.connections, conn.Name())
	s.numConns.Add(-1)
	s.Metrics.ConnectionDown()
	s.Logger.Debug("remove connection", logger.Field{Key: "conn", Value: conn.Name()})

	conn.Loop().QueueInLoop(conn.ConnectDestroyed)
}

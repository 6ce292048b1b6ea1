// Package tcpclient provides the active side of the reactor: a Connector that
// keeps trying to reach a server with exponential backoff and a TcpClient
// that turns the connected socket into a TcpConnection.
package tcpclient

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

// Retry delays of the Connector.
const (
	InitRetryDelay = 500 * time.Millisecond
	MaxRetryDelay  = 30 * time.Second
)

// ConnectorState is the state of one connect attempt.
type ConnectorState int32

const (
	Disconnected ConnectorState = iota // Idle, or waiting for the next retry
	Connecting                         // Nonblocking connect in flight
	Connected                          // Socket handed to the owner
)

// String returns a human-readable name for the connector state.
func (s ConnectorState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// NewConnectionHandler receives a connected socket and takes ownership of it.
type NewConnectionHandler func(sockfd int)

// Connector performs a nonblocking connect on its loop and retries failures
// with a delay that starts at InitRetryDelay and doubles up to MaxRetryDelay.
type Connector struct {
	loop       *reactor.EventLoop
	serverAddr sockets.InetAddress
	logger     logger.Logger

	connect    atomic.Bool
	state      atomic.Int32
	channel    *reactor.Channel
	retryDelay time.Duration
	retryTimer reactor.TimerID

	newConnection NewConnectionHandler
}

// NewConnector creates an idle Connector.
//
// Parameters:
//   - loop: The loop that runs the connect attempts
//   - serverAddr: Address to connect to
//   - log: Logger for connect diagnostics
//
// Returns:
//   - A new *Connector; call Start to begin connecting
func NewConnector(loop *reactor.EventLoop, serverAddr sockets.InetAddress, log logger.Logger) *Connector {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		logger:     log.With(logger.Field{Key: "server", Value: serverAddr.ToIPPort()}),
		retryDelay: InitRetryDelay,
	}
}

// SetNewConnectionHandler sets the receiver of connected sockets.
func (c *Connector) SetNewConnectionHandler(h NewConnectionHandler) {
	c.newConnection = h
}

// ServerAddress returns the target address.
func (c *Connector) ServerAddress() sockets.InetAddress {
	return c.serverAddr
}

// State returns the current state.
func (c *Connector) State() ConnectorState {
	return ConnectorState(c.state.Load())
}

// Start begins connecting. It may be called from any goroutine.
func (c *Connector) Start() {
	c.connect.Store(true)
	c.loop.RunInLoop(c.startInLoop)
}

// Restart resets the backoff and connects again. Loop thread only.
func (c *Connector) Restart() {
	c.loop.AssertInLoopThread()
	c.setState(Disconnected)
	c.retryDelay = InitRetryDelay
	c.connect.Store(true)
	c.startInLoop()
}

// Stop abandons any attempt in flight and any scheduled retry. It may be
// called from any goroutine.
func (c *Connector) Stop() {
	c.connect.Store(false)
	c.loop.QueueInLoop(c.stopInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.AssertInLoopThread()
	if c.State() != Disconnected {
		return
	}

	if !c.connect.Load() {
		c.logger.Debug("do not connect")
		return
	}

	c.connectSocket()
}

func (c *Connector) stopInLoop() {
	c.loop.AssertInLoopThread()
	c.loop.Remove(c.retryTimer)

	if c.State() == Connecting {
		c.setState(Disconnected)
		c.retry(c.removeAndResetChannel())
	}
}

func (c *Connector) connectSocket() {
	sockfd, err := sockets.CreateNonblocking(c.serverAddr.Family())
	if err != nil {
		c.logger.Error("create socket failed", logger.Field{Key: "error", Value: err})
		return
	}

	err = sockets.Connect(sockfd, c.serverAddr)
	switch {
	case err == nil, errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EISCONN):
		c.connecting(sockfd)
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EADDRINUSE), errors.Is(err, unix.EADDRNOTAVAIL),
		errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENETUNREACH):
		c.retry(sockfd)
	default:
		c.logger.Error("connect failed", logger.Field{Key: "error", Value: err})
		_ = sockets.Close(sockfd)
	}
}

func (c *Connector) connecting(sockfd int) {
	c.setState(Connecting)
	c.channel = reactor.NewChannel(c.loop, sockfd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetErrorCallback(c.handleError)

	if err := c.channel.EnableWriting(); err != nil {
		c.logger.Error("register connecting socket failed", logger.Field{Key: "error", Value: err})
		c.setState(Disconnected)
		c.channel = nil
		_ = sockets.Close(sockfd)
	}
}

func (c *Connector) removeAndResetChannel() int {
	sockfd := c.channel.Fd()
	if err := c.channel.DisableAll(); err != nil {
		c.logger.Warn("disable connecting channel failed", logger.Field{Key: "error", Value: err})
	}

	if err := c.channel.Remove(); err != nil {
		c.logger.Warn("remove connecting channel failed", logger.Field{Key: "error", Value: err})
	}

	c.channel = nil
	return sockfd
}

func (c *Connector) handleWrite() {
	if c.State() != Connecting {
		return
	}

	sockfd := c.removeAndResetChannel()
	if err := sockets.GetSocketError(sockfd); err != nil {
		c.logger.Warn("connect failed", logger.Field{Key: "error", Value: err})
		c.retry(sockfd)
		return
	}

	if sockets.IsSelfConnect(sockfd) {
		c.logger.Warn("self connect")
		c.retry(sockfd)
		return
	}

	c.setState(Connected)
	if c.connect.Load() && c.newConnection != nil {
		c.newConnection(sockfd)
		return
	}

	_ = sockets.Close(sockfd)
}

func (c *Connector) handleError() {
	if c.State() != Connecting {
		return
	}

	sockfd := c.removeAndResetChannel()
	c.logger.Warn("connect error", logger.Field{Key: "error", Value: sockets.GetSocketError(sockfd)})
	c.retry(sockfd)
}

func (c *Connector) retry(sockfd int) {
	_ = sockets.Close(sockfd)
	c.setState(Disconnected)

	if !c.connect.Load() {
		c.logger.Debug("do not connect")
		return
	}

	c.logger.Info("retry connecting", logger.Field{Key: "delay", Value: c.retryDelay.String()})
	c.retryTimer = c.loop.RunAfter(c.retryDelay, c.startInLoop)
	c.retryDelay = min(c.retryDelay*2, MaxRetryDelay)
}

func (c *Connector) setState(s ConnectorState) {
	c.state.Store(int32(s))
}

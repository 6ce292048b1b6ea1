package tcpclient

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

// TcpClient owns at most one TcpConnection to a server, created by its
// Connector. With retry enabled a lost connection is re-established.
type TcpClient struct {
	loop      *reactor.EventLoop
	connector *Connector
	name      string
	logger    logger.Logger

	retry      atomic.Bool
	connect    atomic.Bool
	nextConnID int

	mu   sync.Mutex
	conn *connection.TcpConnection

	connectionCallback    connection.ConnectionCallback
	messageCallback       connection.MessageCallback
	writeCompleteCallback connection.WriteCompleteCallback
}

// NewTcpClient creates a client; nothing happens until Connect.
//
// Parameters:
//   - loop: The loop the connection will live on
//   - serverAddr: Address to connect to
//   - name: Prefix of the connection names
//   - log: Logger the client derives its own from
//
// Returns:
//   - A new *TcpClient
func NewTcpClient(loop *reactor.EventLoop, serverAddr sockets.InetAddress, name string, log logger.Logger) *TcpClient {
	if log == nil {
		log = logger.NewNopLogger()
	}

	log = log.With(logger.Field{Key: "client", Value: name})
	c := &TcpClient{
		loop:       loop,
		connector:  NewConnector(loop, serverAddr, log),
		name:       name,
		logger:     log,
		nextConnID: 1,
		connectionCallback: func(conn *connection.TcpConnection) {
			log.Debug("connection state", logger.Field{Key: "conn", Value: conn.Name()}, logger.Field{Key: "state", Value: conn.State().String()})
		},
		messageCallback: func(_ *connection.TcpConnection, buf *connection.Buffer, _ reactor.Timestamp) {
			buf.RetrieveAll()
		},
	}

	c.connector.SetNewConnectionHandler(c.newConnection)
	return c
}

// Name returns the client name.
func (c *TcpClient) Name() string { return c.name }

// Loop returns the owning loop.
func (c *TcpClient) Loop() *reactor.EventLoop { return c.loop }

// EnableRetry makes the client reconnect after the connection is lost.
func (c *TcpClient) EnableRetry() { c.retry.Store(true) }

// Retry reports whether reconnecting is enabled.
func (c *TcpClient) Retry() bool { return c.retry.Load() }

// SetConnectionCallback sets the up/down callback. Set before Connect.
func (c *TcpClient) SetConnectionCallback(cb connection.ConnectionCallback) {
	c.connectionCallback = cb
}

// SetMessageCallback sets the read callback. Set before Connect.
func (c *TcpClient) SetMessageCallback(cb connection.MessageCallback) {
	c.messageCallback = cb
}

// SetWriteCompleteCallback sets the drained-output callback. Set before Connect.
func (c *TcpClient) SetWriteCompleteCallback(cb connection.WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// Connection returns the live connection, or nil.
func (c *TcpClient) Connection() *connection.TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect starts connecting to the server.
func (c *TcpClient) Connect() {
	c.logger.Info("connecting", logger.Field{Key: "server", Value: c.connector.ServerAddress().ToIPPort()})
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the live connection, if any.
func (c *TcpClient) Disconnect() {
	c.connect.Store(false)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Shutdown()
	}
}

// Stop cancels connecting without touching a live connection.
func (c *TcpClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Close stops connecting and force closes the live connection so that it is
// destroyed on the loop without reconnecting.
func (c *TcpClient) Close() {
	c.connect.Store(false)
	c.retry.Store(false)
	c.connector.Stop()

	c.loop.RunInLoop(func() {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			conn.ForceClose()
		}
	})
}

func (c *TcpClient) newConnection(sockfd int) {
	c.loop.AssertInLoopThread()

	peerAddr, err := sockets.GetPeerAddr(sockfd)
	if err != nil {
		c.logger.Warn("get peer address failed", logger.Field{Key: "error", Value: err})
	}

	localAddr, err := sockets.GetLocalAddr(sockfd)
	if err != nil {
		c.logger.Warn("get local address failed", logger.Field{Key: "error", Value: err})
	}

	name := fmt.Sprintf("%s:%s#%d", c.name, peerAddr.ToIPPort(), c.nextConnID)
	c.nextConnID++

	conn := connection.NewTcpConnection(c.loop, name, sockfd, localAddr, peerAddr, c.logger)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.ConnectEstablished()
}

func (c *TcpClient) removeConnection(conn *connection.TcpConnection) {
	c.loop.AssertInLoopThread()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	c.loop.QueueInLoop(conn.ConnectDestroyed)
	if c.retry.Load() && c.connect.Load() {
		c.logger.Info("reconnecting", logger.Field{Key: "server", Value: c.connector.ServerAddress().ToIPPort()})
		c.connector.Restart()
	}
}

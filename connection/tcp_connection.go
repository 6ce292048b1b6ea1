// Package connection implements TcpConnection, the live connection object
// shared by the server and client sides: its buffers, its state machine and
// the callbacks it raises on its owning loop.
package connection

import (
	"bytes"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

// DefaultHighWaterMark is the queued output size that triggers the
// backpressure callback unless overridden.
const DefaultHighWaterMark = 64 * 1024 * 1024

// State is the lifecycle state of a TcpConnection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// ConnectionCallback runs when a connection goes up or down.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback runs after new bytes were appended to the input buffer.
// It must consume only complete frames and leave the rest for the next call.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime reactor.Timestamp)

// WriteCompleteCallback runs when the output buffer drained.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback runs when queued output crosses the high-water mark.
type HighWaterMarkCallback func(conn *TcpConnection, queued int)

// CloseCallback detaches a closed connection from its owner.
type CloseCallback func(conn *TcpConnection)

// TcpConnection is one established TCP connection pinned to a loop. Every
// callback runs on that loop; Send, Shutdown and ForceClose may be called
// from any goroutine.
type TcpConnection struct {
	loop      *reactor.EventLoop
	name      string
	state     atomic.Int32
	reading   bool
	destroyed bool
	// faulted is set on the loop after a write hit EPIPE or ECONNRESET.
	faulted   bool

	socket    *sockets.Socket
	channel   *reactor.Channel
	localAddr sockets.InetAddress
	peerAddr  sockets.InetAddress
	logger    logger.Logger

	inputBuffer   *Buffer
	outputBuffer  *Buffer
	highWaterMark int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	context atomic.Value
}

// NewTcpConnection wraps an established, nonblocking socket. The connection
// starts in Connecting; ConnectEstablished must run on loop to go live.
//
// Parameters:
//   - loop: The owning loop
//   - name: Unique connection name
//   - sockfd: Connected socket; ownership moves to the connection
//   - localAddr: Local endpoint
//   - peerAddr: Remote endpoint
//   - log: Logger the connection derives its own from
//
// Returns:
//   - A new *TcpConnection
func NewTcpConnection(loop *reactor.EventLoop, name string, sockfd int, localAddr, peerAddr sockets.InetAddress, log logger.Logger) *TcpConnection {
	if log == nil {
		log = logger.NewNopLogger()
	}

	c := &TcpConnection{
		loop:          loop,
		name:          name,
		reading:       true,
		socket:        sockets.NewSocket(sockfd),
		channel:       reactor.NewChannel(loop, sockfd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		logger:        log.With(logger.Field{Key: "conn", Value: name}, logger.Field{Key: "fd", Value: sockfd}),
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: DefaultHighWaterMark,
		connectionCallback: func(*TcpConnection) {
		},
		messageCallback: func(_ *TcpConnection, buf *Buffer, _ reactor.Timestamp) {
			buf.RetrieveAll()
		},
	}

	c.state.Store(int32(Connecting))
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	if err := c.socket.SetKeepAlive(true); err != nil {
		c.logger.Warn("enable keepalive failed", logger.Field{Key: "error", Value: err})
	}

	c.logger.Debug("connection created")
	return c
}

// Loop returns the owning loop.
func (c *TcpConnection) Loop() *reactor.EventLoop { return c.loop }

// Name returns the connection name.
func (c *TcpConnection) Name() string { return c.name }

// LocalAddress returns the local endpoint.
func (c *TcpConnection) LocalAddress() sockets.InetAddress { return c.localAddr }

// PeerAddress returns the remote endpoint.
func (c *TcpConnection) PeerAddress() sockets.InetAddress { return c.peerAddr }

// State returns the current state.
func (c *TcpConnection) State() State { return State(c.state.Load()) }

// Connected reports whether the connection is live.
func (c *TcpConnection) Connected() bool { return c.State() == Connected }

// Disconnected reports whether teardown has happened.
func (c *TcpConnection) Disconnected() bool { return c.State() == Disconnected }

// InputBuffer returns the input buffer. Loop thread only.
func (c *TcpConnection) InputBuffer() *Buffer { return c.inputBuffer }

// OutputBuffer returns the output buffer. Loop thread only.
func (c *TcpConnection) OutputBuffer() *Buffer { return c.outputBuffer }

// SetContext attaches application state, typically the session.
func (c *TcpConnection) SetContext(ctx any) { c.context.Store(&ctx) }

// Context returns the value stored with SetContext, or nil.
func (c *TcpConnection) Context() any {
	if p, ok := c.context.Load().(*any); ok {
		return *p
	}

	return nil
}

// SetConnectionCallback sets the up/down callback.
func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the read callback.
func (c *TcpConnection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the drained-output callback.
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback sets the backpressure callback and its threshold.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

// SetCloseCallback sets the owner detach callback.
func (c *TcpConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetTCPNoDelay toggles Nagle's algorithm.
func (c *TcpConnection) SetTCPNoDelay(on bool) error { return c.socket.SetTCPNoDelay(on) }

// Send queues data for writing. Off-loop callers get their data copied and
// the write handed to the loop. Sends on a connection that is not Connected
// are dropped.
func (c *TcpConnection) Send(data []byte) {
	if c.State() != Connected {
		return
	}

	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}

	cp := bytes.Clone(data)
	c.loop.RunInLoop(func() { c.sendInLoop(cp) })
}

// SendString is Send for text.
func (c *TcpConnection) SendString(s string) {
	c.Send([]byte(s))
}

// SendBuffer sends and consumes the readable bytes of buf.
func (c *TcpConnection) SendBuffer(buf *Buffer) {
	c.Send(buf.Peek())
	buf.RetrieveAll()
}

func (c *TcpConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == Disconnected {
		c.logger.Warn("disconnected, give up writing")
		return
	}

	if c.faulted {
		return
	}

	nwrote := 0
	remaining := len(data)
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		for remaining > 0 {
			n, err := sockets.Write(c.channel.Fd(), data[nwrote:])
			if err != nil {
				if !errors.Is(err, unix.EAGAIN) {
					c.logger.Error("send failed", logger.Field{Key: "error", Value: err})
					faultError = errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
				}

				break
			}

			nwrote += n
			remaining -= n
		}

		if remaining == 0 && c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
	}

	if faultError {
		c.faulted = true
		c.ForceClose()
		return
	}

	if remaining == 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		queued := oldLen + remaining
		c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, queued) })
	}

	c.outputBuffer.Append(data[nwrote:])
	if !c.channel.IsWriting() {
		if err := c.channel.EnableWriting(); err != nil {
			c.logger.Error("enable writing failed", logger.Field{Key: "error", Value: err})
		}
	}
}

// Shutdown half-closes the connection once queued output has drained.
func (c *TcpConnection) Shutdown() {
	if c.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.channel.IsWriting() {
		return
	}

	if err := c.socket.ShutdownWrite(); err != nil {
		c.logger.Warn("shutdown write failed", logger.Field{Key: "error", Value: err})
	}
}

// ForceClose tears the connection down on its loop regardless of queued
// output. Repeated calls are ignored.
func (c *TcpConnection) ForceClose() {
	if c.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) || c.State() == Disconnecting {
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay runs ForceClose after delay on the owning loop.
func (c *TcpConnection) ForceCloseWithDelay(delay time.Duration) {
	if c.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) || c.State() == Disconnecting {
		c.loop.RunAfter(delay, c.ForceClose)
	}
}

func (c *TcpConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	if s := c.State(); s == Connected || s == Disconnecting {
		c.handleClose()
	}
}

// StartRead resumes reading.
func (c *TcpConnection) StartRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.Disconnected() {
			return
		}

		if err := c.channel.EnableReading(); err != nil {
			c.logger.Error("enable reading failed", logger.Field{Key: "error", Value: err})
			return
		}

		c.reading = true
	})
}

// StopRead pauses reading, leaving data in the kernel buffer.
func (c *TcpConnection) StopRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || c.Disconnected() {
			return
		}

		if err := c.channel.DisableReading(); err != nil {
			c.logger.Error("disable reading failed", logger.Field{Key: "error", Value: err})
			return
		}

		c.reading = false
	})
}

// ConnectEstablished makes the connection live. It must run on the owning
// loop exactly once, right after the connection was handed to it.
func (c *TcpConnection) ConnectEstablished() {
	c.loop.AssertInLoopThread()
	if !c.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
		return
	}

	if err := c.channel.EnableReading(); err != nil {
		c.logger.Error("enable reading failed", logger.Field{Key: "error", Value: err})
		c.handleClose()
		return
	}

	c.connectionCallback(c)
}

// ConnectDestroyed is the last call a connection receives. It runs on the
// owning loop after the owner forgot the connection, unregisters the channel
// and closes the socket.
func (c *TcpConnection) ConnectDestroyed() {
	c.loop.AssertInLoopThread()
	if c.destroyed {
		return
	}

	c.destroyed = true
	if c.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
		if err := c.channel.DisableAll(); err != nil {
			c.logger.Warn("disable channel failed", logger.Field{Key: "error", Value: err})
		}

		c.connectionCallback(c)
	}

	if c.loop.HasChannel(c.channel) {
		if !c.channel.IsNoneEvent() {
			_ = c.channel.DisableAll()
		}

		if err := c.channel.Remove(); err != nil {
			c.logger.Warn("remove channel failed", logger.Field{Key: "error", Value: err})
		}
	}

	if err := c.socket.Close(); err != nil {
		c.logger.Warn("close socket failed", logger.Field{Key: "error", Value: err})
	}

	c.logger.Debug("connection destroyed")
}

func (c *TcpConnection) handleRead(receiveTime reactor.Timestamp) {
	c.loop.AssertInLoopThread()

	n, eof, err := c.inputBuffer.ReadFd(c.channel.Fd())
	if n > 0 {
		c.messageCallback(c, c.inputBuffer, receiveTime)
	}

	switch {
	case err != nil:
		c.logger.Error("read failed", logger.Field{Key: "error", Value: err})
		c.handleError()
	case eof:
		c.handleClose()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		c.logger.Debug("connection is down, no more writing")
		return
	}

	for c.outputBuffer.ReadableBytes() > 0 {
		n, err := sockets.Write(c.channel.Fd(), c.outputBuffer.Peek())
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}

			c.logger.Error("write failed", logger.Field{Key: "error", Value: err})
			c.handleClose()
			return
		}

		c.outputBuffer.Retrieve(n)
	}

	if err := c.channel.DisableWriting(); err != nil {
		c.logger.Error("disable writing failed", logger.Field{Key: "error", Value: err})
	}

	if c.writeCompleteCallback != nil {
		c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
	}

	if c.State() == Disconnecting {
		c.shutdownInLoop()
	}
}

// handleClose runs at most once per connection: mark Disconnected, park the
// channel, raise the connection callback, then let the owner detach.
func (c *TcpConnection) handleClose() {
	if c.State() == Disconnected {
		return
	}

	c.loop.AssertInLoopThread()
	c.logger.Debug("connection closing", logger.Field{Key: "state", Value: c.State().String()})
	c.state.Store(int32(Disconnected))

	if err := c.channel.DisableAll(); err != nil {
		c.logger.Warn("disable channel failed", logger.Field{Key: "error", Value: err})
	}

	c.connectionCallback(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	if err := sockets.GetSocketError(c.channel.Fd()); err != nil {
		c.logger.Error("socket error", logger.Field{Key: "error", Value: err})
	}

	c.handleClose()
}

package tcpserver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/sockets"
)

// NewConnectionCallback receives an accepted, nonblocking descriptor and takes
// ownership of it.
type NewConnectionCallback func(sockfd int, peerAddr sockets.InetAddress)

// Acceptor owns a listening socket registered on one loop and accepts every
// pending connection whenever it becomes readable.
type Acceptor struct {
	loop          *reactor.EventLoop
	socket        *sockets.Socket
	channel       *reactor.Channel
	listening     bool
	idleFd        int
	logger        logger.Logger
	newConnection NewConnectionCallback
}

// NewAcceptor creates and binds the listening socket. It does not listen yet.
//
// Parameters:
//   - loop: The loop that will own the listening socket
//   - listenAddr: Address to bind
//   - reusePort: Whether to set SO_REUSEPORT
//   - log: Logger for accept diagnostics
//
// Returns:
//   - A new *Acceptor
//   - An error if the socket cannot be created or bound
func NewAcceptor(loop *reactor.EventLoop, listenAddr sockets.InetAddress, reusePort bool, log logger.Logger) (*Acceptor, error) {
	fd, err := sockets.CreateNonblocking(listenAddr.Family())
	if err != nil {
		return nil, err
	}

	a := &Acceptor{
		loop:    loop,
		socket:  sockets.NewSocket(fd),
		channel: reactor.NewChannel(loop, fd),
		idleFd:  -1,
		logger:  log,
	}

	if err := a.socket.SetReuseAddr(true); err != nil {
		_ = a.socket.Close()
		return nil, err
	}

	if reusePort {
		if err := a.socket.SetReusePort(true); err != nil {
			_ = a.socket.Close()
			return nil, err
		}
	}

	if err := a.socket.BindAddress(listenAddr); err != nil {
		_ = a.socket.Close()
		return nil, err
	}

	// Spare descriptor released when the process runs out of them, so the
	// pending connection can be accepted and closed instead of spinning.
	a.idleFd, err = unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = a.socket.Close()
		return nil, fmt.Errorf("open idle fd: %w", err)
	}

	a.channel.SetReadCallback(func(reactor.Timestamp) { a.handleRead() })
	return a, nil
}

// SetNewConnectionCallback sets the receiver of accepted descriptors.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnection = cb
}

// Listening reports whether Listen succeeded.
func (a *Acceptor) Listening() bool {
	return a.listening
}

// ListenAddr returns the bound address, which carries the real port when
// the acceptor was bound to port 0.
func (a *Acceptor) ListenAddr() (sockets.InetAddress, error) {
	return sockets.GetLocalAddr(a.socket.Fd())
}

// Listen starts listening and registers the socket for reading. It must run
// on the owning loop.
func (a *Acceptor) Listen() error {
	a.loop.AssertInLoopThread()

	if err := a.socket.Listen(); err != nil {
		return err
	}

	a.listening = true
	return a.channel.EnableReading()
}

// Close unregisters and closes the listening socket. It must run on the
// owning loop.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()

	var errs []error
	if a.loop.HasChannel(a.channel) {
		errs = append(errs, a.channel.DisableAll(), a.channel.Remove())
	}

	a.listening = false
	errs = append(errs, a.socket.Close())
	if a.idleFd >= 0 {
		errs = append(errs, unix.Close(a.idleFd))
		a.idleFd = -1
	}

	return errors.Join(errs...)
}

// handleRead accepts until the backlog is empty; the listening socket is
// registered edge-triggered.
func (a *Acceptor) handleRead() {
	a.loop.AssertInLoopThread()

	for {
		connfd, peerAddr, err := a.socket.Accept()
		if err == nil {
			if a.newConnection != nil {
				a.newConnection(connfd, peerAddr)
			} else {
				_ = sockets.Close(connfd)
			}

			continue
		}

		switch {
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED), errors.Is(err, unix.EPROTO):
			continue
		case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE):
			a.logger.Error("accept: out of file descriptors", logger.Field{Key: "error", Value: err})
			a.dropPending()
			return
		default:
			a.logger.Error("accept failed", logger.Field{Key: "error", Value: err})
			return
		}
	}
}

// dropPending frees the spare descriptor and uses it to accept and close
// every pending connection, then takes the spare back. It returns how many
// connections were dropped.
func (a *Acceptor) dropPending() int {
	if a.idleFd < 0 {
		return 0
	}

	_ = unix.Close(a.idleFd)
	a.idleFd = -1

	dropped := 0
	for {
		fd, _, err := a.socket.Accept()
		if err == nil {
			_ = sockets.Close(fd)
			dropped++
			continue
		}

		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) || errors.Is(err, unix.EPROTO) {
			continue
		}

		break
	}

	if dropped > 0 {
		a.logger.Warn("dropped pending connections", logger.Field{Key: "count", Value: dropped})
	}

	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err == nil {
		a.idleFd = fd
	}

	return dropped
}

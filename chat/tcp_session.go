package chat

import (
	"weak"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/metrics"
	"github.com/ripperdev/flamingo/protocol"
)

// Conn is the part of a connection a session writes to.
type Conn interface {
	Name() string
	Send(data []byte)
	ForceClose()
	Connected() bool
}

// connHandle is a non-owning reference to the connection under a session.
// get fails once the connection is gone or no longer connected.
type connHandle interface {
	get() (Conn, bool)
}

type weakConn struct {
	p weak.Pointer[connection.TcpConnection]
}

func newWeakConn(conn *connection.TcpConnection) weakConn {
	return weakConn{p: weak.Make(conn)}
}

func (w weakConn) get() (Conn, bool) {
	c := w.p.Value()
	if c == nil || !c.Connected() {
		return nil, false
	}

	return c, true
}

// TcpSession frames and sends chat bodies over a connection it does not own.
// Send is safe from any goroutine.
type TcpSession struct {
	conn    connHandle
	logger  logger.Logger
	metrics *metrics.Metrics
}

func newTcpSession(conn connHandle, log logger.Logger, m *metrics.Metrics) TcpSession {
	return TcpSession{conn: conn, logger: log, metrics: m}
}

// send writes a message without trailing fields.
func (s *TcpSession) send(cmd protocol.Cmd, seq int32, data string) {
	s.sendBody(protocol.Message{Cmd: cmd, Seq: seq, Data: data}.Encode())
}

// sendBody compresses a finished body stream into a frame and queues it.
func (s *TcpSession) sendBody(body []byte) {
	conn, ok := s.conn.get()
	if !ok {
		s.logger.Error("send on expired connection", logger.Field{Key: "bytes", Value: len(body)})
		return
	}

	frame, err := protocol.EncodeFrame(body)
	if err != nil {
		s.logger.Error("encode frame", logger.Field{Key: "error", Value: err.Error()}, logger.Field{Key: "conn", Value: conn.Name()})
		return
	}

	conn.Send(frame)
	s.metrics.FrameOut()
}

// forceClose closes the connection if it is still alive.
func (s *TcpSession) forceClose() {
	if conn, ok := s.conn.get(); ok {
		conn.ForceClose()
	}
}

package chat

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/protocol"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/utils"
)

// ChatSession is the protocol state machine of one connection. Everything
// except the fields read by the registry is touched only on the loop that
// owns the connection.
type ChatSession struct {
	TcpSession

	server *ChatServer
	id     int32
	peer   string

	// Read by the registry and by pushes from other loops.
	seq        atomic.Int32
	userID     atomic.Int32
	clientType atomic.Int32
	status     atomic.Int32

	loggedIn        bool
	username        string
	lastPackageTime time.Time
	checkTimer      reactor.TimerID
	hasTimer        bool

	// now is the clock of the heartbeat check and chat timestamps.
	now func() time.Time
}

func newChatSession(server *ChatServer, conn connHandle, id int32, peer string) *ChatSession {
	log := server.Logger.With(logger.Field{Key: "session", Value: id}, logger.Field{Key: "peer", Value: peer})
	s := &ChatSession{
		TcpSession: newTcpSession(conn, log, server.Metrics),
		server:     server,
		id:         id,
		peer:       peer,
		now:        time.Now,
	}

	s.lastPackageTime = s.now()
	return s
}

// ID returns the session id.
func (s *ChatSession) ID() int32 { return s.id }

// UserID returns the logged-in user id, or 0 before login or once the
// session has been displaced by another login.
func (s *ChatSession) UserID() int32 { return s.userID.Load() }

// ClientType returns the client type given at login.
func (s *ChatSession) ClientType() int32 { return s.clientType.Load() }

// Status returns the online status given at login or last changed.
func (s *ChatSession) Status() int32 { return s.status.Load() }

// Valid reports whether the session still speaks for a user.
func (s *ChatSession) Valid() bool { return s.UserID() > 0 }

func (s *ChatSession) makeInvalid() {
	s.userID.Store(0)
}

func (s *ChatSession) authenticated() bool {
	return s.loggedIn && s.Valid()
}

// onRead consumes every complete frame in buf. A framing or dispatch error
// closes the connection.
func (s *ChatSession) onRead(buf *connection.Buffer, _ reactor.Timestamp) {
	for {
		body, err := protocol.ReadFrame(buf)
		if err != nil {
			reason := "illegal_package"
			if errors.Is(err, protocol.ErrDecompress) {
				reason = "decompress"
			}

			s.logger.Error("bad frame, closing connection", logger.Field{Key: "error", Value: err.Error()})
			s.server.Metrics.ProtocolError(reason)
			buf.RetrieveAll()
			s.forceClose()
			return
		}

		if body == nil {
			return
		}

		s.server.Metrics.FrameIn()
		if err := s.process(body); err != nil {
			reason := "malformed"
			if errors.Is(err, ErrUnsupportedCommand) {
				reason = "unsupported_cmd"
			}

			s.logger.Error("process error, closing connection", logger.Field{Key: "error", Value: err.Error()})
			s.server.Metrics.ProtocolError(reason)
			buf.RetrieveAll()
			s.forceClose()
			return
		}

		s.lastPackageTime = s.now()
	}
}

// process decodes and dispatches one frame body. It returns an error only
// for protocol violations; business failures are answered in-band.
func (s *ChatSession) process(body []byte) error {
	msg, r, err := protocol.DecodeMessage(body)
	if err != nil {
		return err
	}

	s.seq.Store(msg.Seq)

	if msg.Cmd != protocol.CmdHeartbeat {
		s.logger.Info("request",
			logger.Field{Key: "userid", Value: s.UserID()},
			logger.Field{Key: "cmd", Value: msg.Cmd.String()},
			logger.Field{Key: "seq", Value: msg.Seq},
			logger.Field{Key: "data", Value: msg.Data})
	}

	if s.server.opts.LogPackageBinary && s.logger.Enabled(zerolog.InfoLevel) {
		s.logger.Info("body stream", logger.Field{Key: "len", Value: len(body)}, logger.Field{Key: "hex", Value: hex.EncodeToString(body)})
	}

	switch msg.Cmd {
	case protocol.CmdHeartbeat:
		s.onHeartbeat()
	case protocol.CmdRegister:
		s.onRegister(msg.Data)
	case protocol.CmdLogin:
		s.onLogin(msg.Data)
	default:
		if !msg.Cmd.Known() || msg.Cmd == protocol.CmdKickUser {
			return fmt.Errorf("%w: %s", ErrUnsupportedCommand, msg.Cmd)
		}

		if !s.authenticated() {
			s.send(msg.Cmd, msg.Seq, notLoginReply)
			s.logger.Info("rejected before login", logger.Field{Key: "cmd", Value: msg.Cmd.String()})
			break
		}

		if err := s.dispatch(msg, r); err != nil {
			return err
		}
	}

	s.seq.Add(1)
	return nil
}

// dispatch runs the handler of an authenticated command, reading its
// trailing fields first.
func (s *ChatSession) dispatch(msg protocol.Message, r *protocol.BinaryStreamReader) error {
	switch msg.Cmd {
	case protocol.CmdGetFriendList:
		s.onGetFriendList()
	case protocol.CmdFindUser:
		s.onFindUser(msg.Data)
	case protocol.CmdOperateFriend:
		s.onOperateFriend(msg.Data)
	case protocol.CmdUserStatusChange:
		s.onChangeUserStatus(msg.Data)
	case protocol.CmdUpdateUserInfo:
		s.onUpdateUserInfo(msg.Data)
	case protocol.CmdModifyPassword:
		s.onModifyPassword(msg.Data)
	case protocol.CmdCreateGroup:
		s.onCreateGroup(msg.Data)
	case protocol.CmdGetGroupMembers:
		s.onGetGroupMembers(msg.Data)

	case protocol.CmdChat:
		target, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("read chat target: %w", err)
		}

		s.onChat(target, msg.Data)

	case protocol.CmdMultiChat:
		targets, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("read multichat targets: %w", err)
		}

		s.onMultiChat(targets, msg.Data)

	case protocol.CmdRemoteDesktop:
		bmpHeader, err := r.ReadBytes()
		if err != nil {
			return fmt.Errorf("read bmp header: %w", err)
		}

		bmpData, err := r.ReadBytes()
		if err != nil {
			return fmt.Errorf("read bmp data: %w", err)
		}

		target, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("read screenshot target: %w", err)
		}

		s.onScreenshot(target, bmpHeader, bmpData)

	case protocol.CmdUpdateTeamInfo:
		op, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("read team operation: %w", err)
		}

		newName, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("read new team name: %w", err)
		}

		oldName, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("read old team name: %w", err)
		}

		s.onUpdateTeamInfo(op, newName, oldName)

	case protocol.CmdModifyFriendMarkname:
		friendID, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("read friend id: %w", err)
		}

		markname, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("read markname: %w", err)
		}

		s.onModifyMarkname(friendID, markname)

	case protocol.CmdMoveFriendToOtherTeam:
		friendID, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("read friend id: %w", err)
		}

		newTeam, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("read new team: %w", err)
		}

		oldTeam, err := r.ReadString()
		if err != nil {
			return fmt.Errorf("read old team: %w", err)
		}

		s.onMoveFriendToOtherTeam(friendID, newTeam, oldTeam)

	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, msg.Cmd)
	}

	return nil
}

func (s *ChatSession) onHeartbeat() {
	s.send(protocol.CmdHeartbeat, s.seq.Load(), "")
	s.logger.Debug("heartbeat")
}

// checkHeartbeat closes the connection when no frame has arrived within the
// allowed interval.
func (s *ChatSession) checkHeartbeat() {
	idle := s.now().Sub(s.lastPackageTime)
	if idle < s.server.opts.MaxNoPackageInterval {
		return
	}

	s.logger.Info("no package within interval, closing connection",
		logger.Field{Key: "userid", Value: s.UserID()},
		logger.Field{Key: "idle", Value: idle.String()})
	s.forceClose()
}

// reply answers the current request on cmd.
func (s *ChatSession) reply(cmd protocol.Cmd, data string) {
	s.send(cmd, s.seq.Load(), data)
	s.logger.Info("response", logger.Field{Key: "userid", Value: s.UserID()}, logger.Field{Key: "cmd", Value: cmd.String()}, logger.Field{Key: "data", Value: data})
}

// sendUserStatusChange pushes a presence change of userid to this session.
// The frame carries this session's sequence number.
func (s *ChatSession) sendUserStatusChange(userid int32, changeType int, status int32) {
	notice := statusChangeNotice{Type: changeType}
	switch changeType {
	case StatusOnline:
		notice.OnlineStatus = utils.Pointer(status)
		notice.ClientType = utils.Pointer(s.server.GetUserClientTypeByUserId(userid))
	case StatusOffline:
		notice.OnlineStatus = utils.Pointer(int32(0))
	}

	w := protocol.Message{Cmd: protocol.CmdUserStatusChange, Seq: s.seq.Load(), Data: mustJSON(notice)}.Writer()
	w.WriteInt32(userid)
	s.sendBody(w.Bytes())

	s.logger.Info("status change pushed",
		logger.Field{Key: "userid", Value: s.UserID()},
		logger.Field{Key: "of", Value: userid},
		logger.Field{Key: "type", Value: changeType})
}

package chat

import (
	"context"
	"errors"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/protocol"
	"github.com/ripperdev/flamingo/store"
)

func (s *ChatSession) logInvalid(data string, err error) {
	s.logger.Error("invalid request", logger.Field{Key: "userid", Value: s.UserID()}, logger.Field{Key: "data", Value: data}, logger.Field{Key: "error", Value: err.Error()})
}

func (s *ChatSession) onRegister(data string) {
	req, err := decodeRequest[registerRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	reply := codeMsg{Code: CodeOK, Msg: "ok"}
	_, err = s.server.users.AddUser(context.Background(), *req.Username, *req.Nickname, *req.Password)
	switch {
	case errors.Is(err, store.ErrUserExists):
		reply = codeMsg{Code: CodeRegisteredAlready, Msg: "registered already"}
	case err != nil:
		s.logger.Error("register user", logger.Field{Key: "username", Value: *req.Username}, logger.Field{Key: "error", Value: err.Error()})
		reply = codeMsg{Code: CodeRegisterFailed, Msg: "register failed"}
	}

	s.reply(protocol.CmdRegister, mustJSON(reply))
}

func (s *ChatSession) onLogin(data string) {
	req, err := decodeRequest[loginRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	u, ok := s.server.users.GetUserByName(*req.Username)
	if !ok {
		s.server.Metrics.Login("not_registered")
		s.reply(protocol.CmdLogin, mustJSON(codeMsg{Code: CodeNotRegistered, Msg: "not registered"}))
		return
	}

	if u.Password != *req.Password {
		s.server.Metrics.Login("bad_password")
		s.reply(protocol.CmdLogin, mustJSON(codeMsg{Code: CodeIncorrectPassword, Msg: "incorrect password"}))
		return
	}

	s.status.Store(*req.Status)
	if prev := s.server.bind(s, u.UserID, *req.ClientType); prev != nil {
		prev.send(protocol.CmdKickUser, s.seq.Load(), "")
		s.server.Metrics.Kick()
		s.logger.Info("kicked previous session", logger.Field{Key: "userid", Value: u.UserID}, logger.Field{Key: "kicked", Value: prev.ID()})
	}

	s.loggedIn = true
	s.username = u.Username
	s.server.Metrics.Login("ok")

	s.reply(protocol.CmdLogin, mustJSON(userReply{
		codeMsg:  codeMsg{Code: CodeOK, Msg: "ok"},
		UserID:   u.UserID,
		Username: u.Username,
		Profile:  u.Profile(),
	}))

	// Entries leave the cache before they are written; a crash in between
	// loses them.
	for _, body := range s.server.msgCache.DrainNotify(u.UserID) {
		s.sendBody(body)
	}

	for _, body := range s.server.msgCache.DrainChat(u.UserID) {
		s.sendBody(body)
	}

	s.server.notifyFriendsStatus(u.UserID, StatusOnline, s.Status())
}

func (s *ChatSession) onChangeUserStatus(data string) {
	req, err := decodeRequest[statusRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	if s.Status() == *req.OnlineStatus {
		return
	}

	s.status.Store(*req.OnlineStatus)
	s.server.notifyFriendsStatus(s.UserID(), StatusOnline, *req.OnlineStatus)
}

func (s *ChatSession) onFindUser(data string) {
	req, err := decodeRequest[findUserRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	reply := findUserReply{codeMsg: codeMsg{Code: CodeOK, Msg: "ok"}, UserInfo: []findUserEntry{}}
	if u, ok := s.server.users.GetUserByName(*req.Username); ok {
		reply.UserInfo = append(reply.UserInfo, findUserEntry{
			UserID:   u.UserID,
			Username: u.Username,
			Nickname: u.Nickname,
			FaceType: u.FaceType,
		})
	}

	s.reply(protocol.CmdFindUser, mustJSON(reply))
}

func (s *ChatSession) onUpdateUserInfo(data string) {
	req, err := decodeRequest[updateUserInfoRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	userid := s.UserID()
	p := req.profile()
	if err := s.server.users.UpdateProfile(context.Background(), userid, p); err != nil {
		s.logger.Error("update user info", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "error", Value: err.Error()})
		s.reply(protocol.CmdUpdateUserInfo, mustJSON(codeMsg{Code: CodeUpdateUserInfoFail, Msg: "update user info failed"}))
		return
	}

	s.reply(protocol.CmdUpdateUserInfo, mustJSON(userReply{
		codeMsg:  codeMsg{Code: CodeOK, Msg: "ok"},
		UserID:   userid,
		Username: s.username,
		Profile:  p,
	}))

	// Every friend list showing this profile is stale now.
	friends := s.server.users.GetFriendIDs(userid)
	s.server.invalidateFriendLists(friends...)
	s.server.notifyFriendsStatus(userid, StatusProfile, 0)
}

func (s *ChatSession) onModifyPassword(data string) {
	req, err := decodeRequest[modifyPasswordRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	userid := s.UserID()
	u, ok := s.server.users.GetUserByID(userid)
	if !ok {
		s.logger.Error("user vanished", logger.Field{Key: "userid", Value: userid})
		return
	}

	reply := codeMsg{Code: CodeOK, Msg: "ok"}
	switch {
	case u.Password != *req.OldPassword:
		reply = codeMsg{Code: CodeIncorrectPassword, Msg: "incorrect old password"}
	default:
		if err := s.server.users.ModifyPassword(context.Background(), userid, *req.NewPassword); err != nil {
			s.logger.Error("modify password", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "error", Value: err.Error()})
			reply = codeMsg{Code: CodeModifyPasswordFail, Msg: "modify password error"}
		}
	}

	s.reply(protocol.CmdModifyPassword, mustJSON(reply))
}

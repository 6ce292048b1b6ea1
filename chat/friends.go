package chat

import (
	"context"
	"slices"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/protocol"
	"github.com/ripperdev/flamingo/store"
	"github.com/ripperdev/flamingo/utils"
)

// operateFriendBody is an operatefriend push carrying this session's
// sequence number.
func (s *ChatSession) operateFriendBody(notice operateFriendNotice) []byte {
	return protocol.Message{Cmd: protocol.CmdOperateFriend, Seq: s.seq.Load(), Data: mustJSON(notice)}.Encode()
}

func (s *ChatSession) onOperateFriend(data string) {
	req, err := decodeRequest[operateFriendRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	userid := s.UserID()
	target := *req.UserID
	users := s.server.users

	if store.IsGroupID(target) {
		if *req.Type == FriendDelete {
			s.deleteFriend(target)
			return
		}

		if users.IsFriend(userid, target) {
			s.logger.Error("already in group", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "groupid", Value: target})
			return
		}

		s.joinGroup(target)
		return
	}

	var notice operateFriendNotice
	switch *req.Type {
	case FriendDelete:
		s.deleteFriend(target)
		return

	case FriendRequest:
		if users.IsFriend(userid, target) {
			s.logger.Error("already friends", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "friendid", Value: target})
			return
		}

		notice = operateFriendNotice{UserID: userid, Type: FriendNotifyRequest, Username: s.username}

	case FriendRespond:
		if req.Accept == nil {
			s.logInvalid(data, errInvalidRequest)
			return
		}

		accept := *req.Accept
		if accept == 1 {
			if err := users.MakeFriends(context.Background(), target, userid); err != nil {
				s.logger.Error("make friends", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "friendid", Value: target}, logger.Field{Key: "error", Value: err.Error()})
				s.replyOperateFriendFail("make friends error")
				return
			}

			s.server.invalidateFriendLists(userid, target)
		}

		t, ok := users.GetUserByID(target)
		if !ok {
			s.logger.Error("unknown friend", logger.Field{Key: "friendid", Value: target})
			return
		}

		s.reply(protocol.CmdOperateFriend, mustJSON(operateFriendNotice{UserID: t.UserID, Type: FriendRespond, Username: t.Username, Accept: utils.Pointer(accept)}))
		notice = operateFriendNotice{UserID: userid, Type: FriendRespond, Username: s.username, Accept: utils.Pointer(accept)}

	default:
		s.logger.Error("unsupported friend operation", logger.Field{Key: "type", Value: *req.Type})
		return
	}

	// Offline targets get the notice at next login.
	s.server.deliver(target, s.operateFriendBody(notice), s.server.msgCache.AddNotify)
}

func (s *ChatSession) replyOperateFriendFail(msg string) {
	s.reply(protocol.CmdOperateFriend, mustJSON(codeMsg{Code: CodeOperateFriendFail, Msg: msg}))
}

// joinGroup adds the user to a group; joining needs no approval.
func (s *ChatSession) joinGroup(groupID int32) {
	userid := s.UserID()
	users := s.server.users

	g, ok := users.GetUserByID(groupID)
	if !ok {
		s.logger.Error("unknown group", logger.Field{Key: "groupid", Value: groupID})
		return
	}

	if err := users.MakeFriends(context.Background(), userid, groupID); err != nil {
		s.logger.Error("join group", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "groupid", Value: groupID}, logger.Field{Key: "error", Value: err.Error()})
		s.replyOperateFriendFail("join group error")
		return
	}

	s.server.invalidateFriendLists(userid)
	s.reply(protocol.CmdOperateFriend, mustJSON(operateFriendNotice{UserID: g.UserID, Type: FriendRespond, Username: g.Username, Accept: utils.Pointer(acceptJoinGroup)}))
	s.server.notifyFriendsStatus(groupID, StatusProfile, 0)
}

// deleteFriend ends a friendship, or leaves a group.
func (s *ChatSession) deleteFriend(friendID int32) {
	userid := s.UserID()
	users := s.server.users

	f, ok := users.GetUserByID(friendID)
	if !ok {
		s.logger.Error("unknown friend", logger.Field{Key: "friendid", Value: friendID})
		return
	}

	if err := users.DeleteFriends(context.Background(), userid, friendID); err != nil {
		s.logger.Error("delete friend", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "friendid", Value: friendID}, logger.Field{Key: "error", Value: err.Error()})
		s.replyOperateFriendFail("delete friend error")
		return
	}

	s.server.invalidateFriendLists(userid, friendID)
	s.reply(protocol.CmdOperateFriend, mustJSON(operateFriendNotice{UserID: friendID, Type: FriendDeleteNotify, Username: f.Username}))

	if store.IsGroupID(friendID) {
		s.server.notifyFriendsStatus(friendID, StatusProfile, 0)
		return
	}

	body := s.operateFriendBody(operateFriendNotice{UserID: userid, Type: FriendDeleteNotify, Username: s.username})
	s.server.deliver(friendID, body, nil)
}

func (s *ChatSession) onCreateGroup(data string) {
	req, err := decodeRequest[createGroupRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	userid := s.UserID()
	users := s.server.users
	name := *req.GroupName

	groupID, err := users.AddGroup(context.Background(), name, userid)
	if err != nil {
		s.logger.Error("create group", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "error", Value: err.Error()})
		s.reply(protocol.CmdCreateGroup, mustJSON(codeMsg{Code: CodeCreateGroupFail, Msg: "create group error"}))
		return
	}

	// The creator joins right away.
	if err := users.MakeFriends(context.Background(), userid, groupID); err != nil {
		s.logger.Error("join created group", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "groupid", Value: groupID}, logger.Field{Key: "error", Value: err.Error()})
		s.reply(protocol.CmdCreateGroup, mustJSON(codeMsg{Code: CodeCreateGroupFail, Msg: "create group error"}))
		return
	}

	s.server.invalidateFriendLists(userid)
	s.reply(protocol.CmdCreateGroup, mustJSON(createGroupReply{codeMsg: codeMsg{Code: CodeOK, Msg: "ok"}, GroupID: groupID, GroupName: name}))
	s.reply(protocol.CmdOperateFriend, mustJSON(operateFriendNotice{UserID: groupID, Type: FriendRespond, Username: name, Accept: utils.Pointer(1)}))
}

func (s *ChatSession) onGetGroupMembers(data string) {
	req, err := decodeRequest[groupMembersRequest](data)
	if err != nil {
		s.logInvalid(data, err)
		return
	}

	groupID := *req.GroupID
	members := []FriendEntry{}
	for _, m := range s.server.users.GetFriends(groupID) {
		members = append(members, FriendEntry{
			UserID:     m.UserID,
			Username:   m.Username,
			Profile:    m.Profile(),
			ClientType: s.server.GetUserClientTypeByUserId(m.UserID),
			Status:     s.server.GetUserStatusByUserId(m.UserID),
		})
	}

	s.reply(protocol.CmdGetGroupMembers, mustJSON(groupMembersReply{codeMsg: codeMsg{Code: CodeOK, Msg: "ok"}, GroupID: groupID, Members: members}))
}

func (s *ChatSession) onGetFriendList() {
	teams, err := s.server.friendList(context.Background(), s.UserID())
	if err != nil {
		s.logger.Error("build friend list", logger.Field{Key: "userid", Value: s.UserID()}, logger.Field{Key: "error", Value: err.Error()})
		teams = []FriendTeam{}
	}

	s.reply(protocol.CmdGetFriendList, mustJSON(friendListReply{codeMsg: codeMsg{Code: CodeOK, Msg: "ok"}, UserInfo: teams}))
}

// teams returns the team names of the current user.
func (s *ChatSession) teams() ([]string, bool) {
	u, ok := s.server.users.GetUserByID(s.UserID())
	if !ok {
		return nil, false
	}

	names, err := store.ParseTeams(u.TeamInfo)
	if err != nil {
		s.logger.Error("bad teaminfo", logger.Field{Key: "userid", Value: u.UserID}, logger.Field{Key: "error", Value: err.Error()})
		return nil, false
	}

	return names, true
}

func (s *ChatSession) onUpdateTeamInfo(op int32, newName, oldName string) {
	userid := s.UserID()
	users := s.server.users
	ctx := context.Background()

	names, ok := s.teams()
	if !ok {
		return
	}

	updated, err := store.EditTeams(names, store.TeamOp(op), newName, oldName)
	if err != nil {
		s.logger.Error("update team info", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "op", Value: op}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	teaminfo := store.FormatTeams(updated)
	switch store.TeamOp(op) {
	case store.TeamDelete:
		err = users.DeleteTeam(ctx, userid, oldName, teaminfo)
	case store.TeamModify:
		err = users.ModifyTeamName(ctx, userid, newName, oldName, teaminfo)
	default:
		err = users.UpdateTeamInfo(ctx, userid, teaminfo)
	}

	if err != nil {
		s.logger.Error("update team info", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "error", Value: err.Error()})
		s.reply(protocol.CmdUpdateTeamInfo, mustJSON(codeMsg{Code: CodeUpdateTeamInfoFail, Msg: "update team info error"}))
		return
	}

	s.server.invalidateFriendLists(userid)
	s.onGetFriendList()
}

func (s *ChatSession) onModifyMarkname(friendID int32, markname string) {
	userid := s.UserID()
	if err := s.server.users.UpdateMarkname(context.Background(), userid, friendID, markname); err != nil {
		s.logger.Error("modify markname", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "friendid", Value: friendID}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	s.server.invalidateFriendLists(userid)
	s.onGetFriendList()
}

func (s *ChatSession) onMoveFriendToOtherTeam(friendID int32, newTeam, oldTeam string) {
	userid := s.UserID()
	fields := []logger.Field{
		{Key: "userid", Value: userid},
		{Key: "friendid", Value: friendID},
		{Key: "new", Value: newTeam},
		{Key: "old", Value: oldTeam},
	}

	if newTeam == "" || oldTeam == "" || newTeam == oldTeam {
		s.logger.Error("bad team names", fields...)
		return
	}

	if !s.server.users.IsFriend(userid, friendID) {
		s.logger.Error("not a friend", fields...)
		return
	}

	names, ok := s.teams()
	if !ok {
		return
	}

	if !slices.Contains(names, newTeam) || !slices.Contains(names, oldTeam) {
		s.logger.Error("unknown team", fields...)
		return
	}

	if err := s.server.users.MoveFriendToTeam(context.Background(), userid, friendID, newTeam); err != nil {
		s.logger.Error("move friend", append(fields, logger.Field{Key: "error", Value: err.Error()})...)
		return
	}

	s.server.invalidateFriendLists(userid)
	s.onGetFriendList()
}

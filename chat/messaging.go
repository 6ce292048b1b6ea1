package chat

import (
	"context"
	"encoding/json"

	mapset "github.com/deckarep/golang-set"

	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/protocol"
	"github.com/ripperdev/flamingo/store"
)

func (s *ChatSession) onChat(target int32, data string) {
	stamped, ok := stampServerTime(data, s.now())
	if !ok {
		s.logger.Error("invalid chat json", logger.Field{Key: "userid", Value: s.UserID()}, logger.Field{Key: "target", Value: target}, logger.Field{Key: "data", Value: data})
		return
	}

	s.routeChat(target, data, stamped)
}

// routeChat persists a chat message and delivers it. A 1:1 message goes to
// every session of the target or to the chat cache; a group message goes
// that way to every member except the sender.
func (s *ChatSession) routeChat(target int32, original, stamped string) {
	sender := s.UserID()

	w := protocol.Message{Cmd: protocol.CmdChat, Seq: s.seq.Load(), Data: stamped}.Writer()
	w.WriteInt32(sender)
	w.WriteInt32(target)
	body := w.Bytes()

	if err := s.server.users.SaveChatMsg(context.Background(), sender, target, original); err != nil {
		s.logger.Error("save chat msg", logger.Field{Key: "sender", Value: sender}, logger.Field{Key: "target", Value: target}, logger.Field{Key: "error", Value: err.Error()})
	}

	if !store.IsGroupID(target) {
		s.server.deliver(target, body, s.server.msgCache.AddChat)
		return
	}

	recipients := mapset.NewThreadUnsafeSet()
	for _, member := range s.server.users.GetFriendIDs(target) {
		if member != sender {
			recipients.Add(member)
		}
	}

	recipients.Each(func(member interface{}) bool {
		s.server.deliver(member.(int32), body, s.server.msgCache.AddChat)
		return false
	})
}

func (s *ChatSession) onMultiChat(targets, data string) {
	var parsed multiChatTargets
	if err := json.Unmarshal([]byte(targets), &parsed); err != nil || parsed.Targets == nil {
		s.logger.Error("invalid multichat targets", logger.Field{Key: "userid", Value: s.UserID()}, logger.Field{Key: "targets", Value: targets})
		return
	}

	stamped, ok := stampServerTime(data, s.now())
	if !ok {
		s.logger.Error("invalid chat json", logger.Field{Key: "userid", Value: s.UserID()}, logger.Field{Key: "data", Value: data})
		return
	}

	seen := mapset.NewThreadUnsafeSet()
	for _, target := range parsed.Targets {
		if !seen.Add(target) {
			continue
		}

		s.routeChat(target, data, stamped)
	}
}

// onScreenshot forwards a screen capture to the online sessions of a user.
// Captures are never cached and never sent to groups.
func (s *ChatSession) onScreenshot(target int32, bmpHeader, bmpData []byte) {
	if store.IsGroupID(target) {
		return
	}

	w := protocol.Message{Cmd: protocol.CmdRemoteDesktop, Seq: s.seq.Load()}.Writer()
	w.WriteBytes(bmpHeader)
	w.WriteBytes(bmpData)
	w.WriteInt32(target)
	s.server.deliver(target, w.Bytes(), nil)
}

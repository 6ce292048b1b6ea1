// Package protocol implements the chat wire format: a 12-byte frame header
// with optional zlib compression around a big endian body stream carrying
// command id, sequence number, payload and command-specific trailing fields.
package protocol

import (
	"fmt"
)

// Cmd is a chat command id.
type Cmd int32

const (
	CmdHeartbeat             Cmd = 1000
	CmdRegister              Cmd = 1001
	CmdLogin                 Cmd = 1002
	CmdGetFriendList         Cmd = 1003
	CmdFindUser              Cmd = 1004
	CmdOperateFriend         Cmd = 1005
	CmdUserStatusChange      Cmd = 1006
	CmdUpdateUserInfo        Cmd = 1007
	CmdModifyPassword        Cmd = 1008
	CmdCreateGroup           Cmd = 1009
	CmdGetGroupMembers       Cmd = 1010
	CmdChat                  Cmd = 1100
	CmdMultiChat             Cmd = 1101
	CmdKickUser              Cmd = 1102
	CmdRemoteDesktop         Cmd = 1103
	CmdUpdateTeamInfo        Cmd = 1104
	CmdModifyFriendMarkname  Cmd = 1105
	CmdMoveFriendToOtherTeam Cmd = 1106
)

var cmdNames = map[Cmd]string{
	CmdHeartbeat:             "heartbeat",
	CmdRegister:              "register",
	CmdLogin:                 "login",
	CmdGetFriendList:         "getfriendlist",
	CmdFindUser:              "finduser",
	CmdOperateFriend:         "operatefriend",
	CmdUserStatusChange:      "userstatuschange",
	CmdUpdateUserInfo:        "updateuserinfo",
	CmdModifyPassword:        "modifypassword",
	CmdCreateGroup:           "creategroup",
	CmdGetGroupMembers:       "getgroupmembers",
	CmdChat:                  "chat",
	CmdMultiChat:             "multichat",
	CmdKickUser:              "kickuser",
	CmdRemoteDesktop:         "remotedesktop",
	CmdUpdateTeamInfo:        "updateteaminfo",
	CmdModifyFriendMarkname:  "modifyfriendmarkname",
	CmdMoveFriendToOtherTeam: "movefriendtootherteam",
}

// String returns the command name, or the numeric id for unknown commands.
func (c Cmd) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}

	return fmt.Sprintf("cmd(%d)", int32(c))
}

// Known reports whether c is a defined command.
func (c Cmd) Known() bool {
	_, ok := cmdNames[c]
	return ok
}

// Message is the common head of every chat body.
type Message struct {
	Cmd  Cmd
	Seq  int32
	Data string
}

// Writer returns a stream writer holding the message head; command-specific
// trailing fields may be appended before calling Bytes.
func (m Message) Writer() *BinaryStreamWriter {
	w := NewBinaryStreamWriter()
	w.WriteInt32(int32(m.Cmd))
	w.WriteInt32(m.Seq)
	w.WriteString(m.Data)
	return w
}

// Encode returns the body stream of a message without trailing fields.
func (m Message) Encode() []byte {
	return m.Writer().Bytes()
}

// DecodeMessage reads the message head from body.
//
// Parameters:
//   - body: One decoded frame body
//
// Returns:
//   - The message head
//   - The reader positioned at the trailing fields
//   - An error if the stream prefix or any head field is malformed
func DecodeMessage(body []byte) (Message, *BinaryStreamReader, error) {
	r, err := NewBinaryStreamReader(body)
	if err != nil {
		return Message{}, nil, err
	}

	cmd, err := r.ReadInt32()
	if err != nil {
		return Message{}, nil, fmt.Errorf("read cmd: %w", err)
	}

	seq, err := r.ReadInt32()
	if err != nil {
		return Message{}, nil, fmt.Errorf("read seq: %w", err)
	}

	data, err := r.ReadString()
	if err != nil {
		return Message{}, nil, fmt.Errorf("read data: %w", err)
	}

	return Message{Cmd: Cmd(cmd), Seq: seq, Data: data}, r, nil
}

package chat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ripperdev/flamingo/store"
	"github.com/ripperdev/flamingo/utils"
)

// Reply codes of the JSON envelope.
const (
	CodeOK                 = 0
	CodeNotLogin           = 2
	CodeRegisterFailed     = 100
	CodeRegisteredAlready  = 101
	CodeNotRegistered      = 102
	CodeIncorrectPassword  = 103
	CodeUpdateUserInfoFail = 104
	CodeModifyPasswordFail = 105
	CodeCreateGroupFail    = 106
	CodeOperateFriendFail  = 107
	CodeUpdateTeamInfoFail = 108
)

// notLoginReply answers any gated command sent before login.
const notLoginReply = `{"code": 2, "msg": "not login, please login first!"}`

// Friend operation types carried in operatefriend payloads.
const (
	FriendRequest       = 1
	FriendNotifyRequest = 2
	FriendRespond       = 3
	FriendDelete        = 4
	FriendDeleteNotify  = 5
)

// Presence change types pushed on userstatuschange.
const (
	StatusOnline  = 1
	StatusOffline = 2
	StatusProfile = 3
)

// Accept value reported when a group is joined directly.
const acceptJoinGroup = 3

type codeMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type userReply struct {
	codeMsg
	UserID   int32  `json:"userid"`
	Username string `json:"username"`
	store.Profile
}

type findUserEntry struct {
	UserID   int32  `json:"userid"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	FaceType int32  `json:"facetype"`
}

type findUserReply struct {
	codeMsg
	UserInfo []findUserEntry `json:"userinfo"`
}

// FriendEntry is one member of a rendered friend list or group.
type FriendEntry struct {
	UserID   int32  `json:"userid"`
	Username string `json:"username"`
	store.Profile
	Markname   string `json:"markname"`
	ClientType int32  `json:"clienttype"`
	Status     int32  `json:"status"`
}

// FriendTeam is one team of a rendered friend list.
type FriendTeam struct {
	TeamName string        `json:"teamname"`
	Members  []FriendEntry `json:"members"`
}

type friendListReply struct {
	codeMsg
	UserInfo []FriendTeam `json:"userinfo"`
}

type groupMembersReply struct {
	codeMsg
	GroupID int32         `json:"groupid"`
	Members []FriendEntry `json:"members"`
}

type createGroupReply struct {
	codeMsg
	GroupID   int32  `json:"groupid"`
	GroupName string `json:"groupname"`
}

type operateFriendNotice struct {
	UserID   int32  `json:"userid"`
	Type     int    `json:"type"`
	Username string `json:"username"`
	Accept   *int   `json:"accept,omitempty"`
}

type statusChangeNotice struct {
	Type         int    `json:"type"`
	OnlineStatus *int32 `json:"onlinestatus,omitempty"`
	ClientType   *int32 `json:"clienttype,omitempty"`
}

type registerRequest struct {
	Username *string `json:"username"`
	Nickname *string `json:"nickname"`
	Password *string `json:"password"`
}

func (r registerRequest) valid() bool {
	return r.Username != nil && r.Nickname != nil && r.Password != nil
}

type loginRequest struct {
	Username   *string `json:"username"`
	Password   *string `json:"password"`
	ClientType *int32  `json:"clienttype"`
	Status     *int32  `json:"status"`
}

func (r loginRequest) valid() bool {
	return r.Username != nil && r.Password != nil && r.ClientType != nil && r.Status != nil
}

type statusRequest struct {
	Type         *int   `json:"type"`
	OnlineStatus *int32 `json:"onlinestatus"`
}

func (r statusRequest) valid() bool {
	return r.Type != nil && r.OnlineStatus != nil
}

type findUserRequest struct {
	Type     *int    `json:"type"`
	Username *string `json:"username"`
}

func (r findUserRequest) valid() bool {
	return r.Type != nil && r.Username != nil
}

type operateFriendRequest struct {
	Type   *int   `json:"type"`
	UserID *int32 `json:"userid"`
	Accept *int   `json:"accept"`
}

func (r operateFriendRequest) valid() bool {
	return r.Type != nil && r.UserID != nil
}

type updateUserInfoRequest struct {
	Nickname    *string `json:"nickname"`
	FaceType    *int32  `json:"facetype"`
	CustomFace  *string `json:"customface"`
	Gender      *int32  `json:"gender"`
	Birthday    *int32  `json:"birthday"`
	Signature   *string `json:"signature"`
	Address     *string `json:"address"`
	PhoneNumber *string `json:"phonenumber"`
	Mail        *string `json:"mail"`
}

func (r updateUserInfoRequest) valid() bool {
	return r.Nickname != nil && r.FaceType != nil && r.CustomFace != nil && r.Gender != nil &&
		r.Birthday != nil && r.Signature != nil && r.Address != nil && r.PhoneNumber != nil && r.Mail != nil
}

func (r updateUserInfoRequest) profile() store.Profile {
	return store.Profile{
		Nickname:    *r.Nickname,
		FaceType:    *r.FaceType,
		CustomFace:  *r.CustomFace,
		Gender:      *r.Gender,
		Birthday:    *r.Birthday,
		Signature:   *r.Signature,
		Address:     *r.Address,
		PhoneNumber: *r.PhoneNumber,
		Mail:        *r.Mail,
	}
}

type modifyPasswordRequest struct {
	OldPassword *string `json:"oldpassword"`
	NewPassword *string `json:"newpassword"`
}

func (r modifyPasswordRequest) valid() bool {
	return r.OldPassword != nil && r.NewPassword != nil
}

type createGroupRequest struct {
	GroupName *string `json:"groupname"`
}

func (r createGroupRequest) valid() bool {
	return r.GroupName != nil
}

type groupMembersRequest struct {
	GroupID *int32 `json:"groupid"`
}

func (r groupMembersRequest) valid() bool {
	return r.GroupID != nil
}

type multiChatTargets struct {
	Targets []int32 `json:"targets"`
}

var errInvalidRequest = errors.New("chat: invalid request json")

type validator interface {
	valid() bool
}

// decodeRequest parses data into v and checks that every required field is
// present with the right type.
func decodeRequest[T validator](data string) (T, error) {
	var v T
	if !utils.IsJsonString(data) {
		return v, errInvalidRequest
	}

	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return v, errors.Join(errInvalidRequest, err)
	}

	if !v.valid() {
		return v, errInvalidRequest
	}

	return v, nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}

	return string(data)
}

// stampServerTime replaces the "time" field of a chat payload with the
// server clock in unix seconds.
func stampServerTime(data string, now time.Time) (string, bool) {
	return utils.SetJsonField(data, "time", now.Unix())
}

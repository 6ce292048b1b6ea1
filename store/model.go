package store

import (
	"strconv"
	"time"
)

// GroupIDBoundary separates user ids from group ids: ids at or above it name
// a group whose "friends" are its members.
const GroupIDBoundary int32 = 0x0FFFFFFF

// DefaultTeamName is the team every new friend lands in. It cannot be
// renamed or deleted.
const DefaultTeamName = "My Friends"

// DefaultBirthday is the birthday of a freshly registered user.
const DefaultBirthday = 19900101

// IsGroupID reports whether id names a group.
func IsGroupID(id int32) bool {
	return id >= GroupIDBoundary
}

// User is a row of t_user. Groups are stored as users too; their OwnerID is
// the creator and their Username is the decimal group id.
type User struct {
	UserID       int32     `xorm:"'f_user_id' pk" json:"userid"`
	Username     string    `xorm:"'f_username' varchar(64) notnull index" json:"username"`
	Nickname     string    `xorm:"'f_nickname' varchar(64) notnull" json:"nickname"`
	Password     string    `xorm:"'f_password' varchar(64) notnull" json:"-"`
	FaceType     int32     `xorm:"'f_facetype' default 0" json:"facetype"`
	CustomFace   string    `xorm:"'f_customface' varchar(32)" json:"customface"`
	Gender       int32     `xorm:"'f_gender' default 0" json:"gender"`
	Birthday     int32     `xorm:"'f_birthday' default 19900101" json:"birthday"`
	Signature    string    `xorm:"'f_signature' varchar(256)" json:"signature"`
	Address      string    `xorm:"'f_address' varchar(256)" json:"address"`
	PhoneNumber  string    `xorm:"'f_phonenumber' varchar(64)" json:"phonenumber"`
	Mail         string    `xorm:"'f_mail' varchar(256)" json:"mail"`
	TeamInfo     string    `xorm:"'f_teaminfo' text" json:"-"`
	OwnerID      int32     `xorm:"'f_owner_id' default 0" json:"-"`
	RegisterTime time.Time `xorm:"'f_register_time' created" json:"-"`

	Friends []FriendInfo `xorm:"-" json:"-"`
}

// Profile is the user-editable part of a User.
type Profile struct {
	Nickname    string `json:"nickname"`
	FaceType    int32  `json:"facetype"`
	CustomFace  string `json:"customface"`
	Gender      int32  `json:"gender"`
	Birthday    int32  `json:"birthday"`
	Signature   string `json:"signature"`
	Address     string `json:"address"`
	PhoneNumber string `json:"phonenumber"`
	Mail        string `json:"mail"`
}

// Profile returns the editable fields of u.
func (u *User) Profile() Profile {
	return Profile{
		Nickname:    u.Nickname,
		FaceType:    u.FaceType,
		CustomFace:  u.CustomFace,
		Gender:      u.Gender,
		Birthday:    u.Birthday,
		Signature:   u.Signature,
		Address:     u.Address,
		PhoneNumber: u.PhoneNumber,
		Mail:        u.Mail,
	}
}

func (u *User) applyProfile(p Profile) {
	u.Nickname = p.Nickname
	u.FaceType = p.FaceType
	u.CustomFace = p.CustomFace
	u.Gender = p.Gender
	u.Birthday = p.Birthday
	u.Signature = p.Signature
	u.Address = p.Address
	u.PhoneNumber = p.PhoneNumber
	u.Mail = p.Mail
}

func (u *User) clone() User {
	c := *u
	c.Friends = append([]FriendInfo(nil), u.Friends...)
	return c
}

// FriendInfo is one side of a relationship as seen by its owner.
type FriendInfo struct {
	FriendID int32
	Markname string
	TeamName string
}

// UserRelationship is a row of t_user_relationship. UserID1 is always the
// smaller id of the pair.
type UserRelationship struct {
	ID            int64     `xorm:"'f_id' pk autoincr"`
	UserID1       int32     `xorm:"'f_user_id1' notnull index"`
	UserID2       int32     `xorm:"'f_user_id2' notnull index"`
	User1TeamName string    `xorm:"'f_user1_teamname' varchar(32)"`
	User1Markname string    `xorm:"'f_user1_markname' varchar(32)"`
	User2TeamName string    `xorm:"'f_user2_teamname' varchar(32)"`
	User2Markname string    `xorm:"'f_user2_markname' varchar(32)"`
	CreateTime    time.Time `xorm:"'f_create_time' created"`
}

// OrderedPair returns a and b with the smaller first.
func OrderedPair(a, b int32) (int32, int32) {
	if a > b {
		return b, a
	}

	return a, b
}

// side returns userid's view of the relationship.
func (r *UserRelationship) side(userid int32) (FriendInfo, bool) {
	switch userid {
	case r.UserID1:
		return FriendInfo{FriendID: r.UserID2, Markname: r.User1Markname, TeamName: teamOrDefault(r.User1TeamName)}, true
	case r.UserID2:
		return FriendInfo{FriendID: r.UserID1, Markname: r.User2Markname, TeamName: teamOrDefault(r.User2TeamName)}, true
	default:
		return FriendInfo{}, false
	}
}

func teamOrDefault(name string) string {
	if name == "" {
		return DefaultTeamName
	}

	return name
}

// ChatMsg is a row of t_chatmsg.
type ChatMsg struct {
	ID         int64     `xorm:"'f_id' pk autoincr"`
	SenderID   int32     `xorm:"'f_senderid' notnull index"`
	TargetID   int32     `xorm:"'f_targetid' notnull index"`
	Content    string    `xorm:"'f_msgcontent' text"`
	CreateTime time.Time `xorm:"'f_create_time' created"`
}

// TableName keeps the historical table name.
func (ChatMsg) TableName() string {
	return "t_chatmsg"
}

func groupUsername(groupid int32) string {
	return strconv.FormatInt(int64(groupid), 10)
}

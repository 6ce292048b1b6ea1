package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ripperdev/flamingo/logger"
)

// UserManager serves user lookups from an in-memory snapshot loaded once by
// Load. Every mutation writes the Store first and touches the snapshot only
// after the write succeeded, so a store failure leaves memory unchanged.
type UserManager struct {
	store  Store
	logger logger.Logger

	// writeMu serializes store writes so id allocation and the
	// check-then-write sequences see a stable snapshot.
	writeMu sync.Mutex

	mu          sync.RWMutex
	users       map[int32]*User
	byName      map[string]int32
	baseUserID  int32
	baseGroupID int32
}

// NewUserManager creates an empty manager over store.
//
// Parameters:
//   - store: The persistent backing
//   - log: Logger for snapshot diagnostics
//
// Returns:
//   - A new *UserManager; call Load before serving
func NewUserManager(store Store, log logger.Logger) *UserManager {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &UserManager{
		store:       store,
		logger:      log.With(logger.Field{Key: "component", Value: "user-manager"}),
		users:       make(map[int32]*User),
		byName:      make(map[string]int32),
		baseGroupID: GroupIDBoundary,
	}
}

// Load replaces the snapshot with every user and relationship in the store.
func (m *UserManager) Load(ctx context.Context) error {
	users, err := m.store.LoadUsers(ctx)
	if err != nil {
		return err
	}

	rows, err := m.store.LoadRelationships(ctx)
	if err != nil {
		return err
	}

	byID := make(map[int32]*User, len(users))
	byName := make(map[string]int32, len(users))
	var baseUser int32
	baseGroup := GroupIDBoundary

	for i := range users {
		u := &users[i]
		u.Friends = nil
		byID[u.UserID] = u
		byName[u.Username] = u.UserID

		if IsGroupID(u.UserID) {
			baseGroup = max(baseGroup, u.UserID)
		} else {
			baseUser = max(baseUser, u.UserID)
		}
	}

	for i := range rows {
		r := &rows[i]
		for _, id := range []int32{r.UserID1, r.UserID2} {
			u, ok := byID[id]
			if !ok {
				m.logger.Warn("relationship references unknown user", logger.Field{Key: "userid", Value: id})
				continue
			}

			fi, _ := r.side(id)
			u.Friends = append(u.Friends, fi)
		}
	}

	m.mu.Lock()
	m.users = byID
	m.byName = byName
	m.baseUserID = baseUser
	m.baseGroupID = baseGroup
	m.mu.Unlock()

	m.logger.Info("users loaded",
		logger.Field{Key: "users", Value: len(users)},
		logger.Field{Key: "relationships", Value: len(rows)},
		logger.Field{Key: "base_userid", Value: baseUser},
		logger.Field{Key: "base_groupid", Value: baseGroup})
	return nil
}

// NumUsers returns the number of users and groups in the snapshot.
func (m *UserManager) NumUsers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// GetUserByID returns a copy of the user or group with id.
func (m *UserManager) GetUserByID(id int32) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, false
	}

	return u.clone(), true
}

// GetUserByName returns a copy of the user called username.
func (m *UserManager) GetUserByName(username string) (User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[username]
	if !ok {
		return User{}, false
	}

	return m.users[id].clone(), true
}

// GetFriends returns copies of every friend of userid; for a group these
// are its members.
func (m *UserManager) GetFriends(userid int32) []User {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userid]
	if !ok {
		return nil
	}

	friends := make([]User, 0, len(u.Friends))
	for _, fi := range u.Friends {
		if f, ok := m.users[fi.FriendID]; ok {
			friends = append(friends, f.clone())
		}
	}

	return friends
}

// GetFriendIDs returns the friend ids of userid.
func (m *UserManager) GetFriendIDs(userid int32) []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userid]
	if !ok {
		return nil
	}

	ids := make([]int32, 0, len(u.Friends))
	for _, fi := range u.Friends {
		ids = append(ids, fi.FriendID)
	}

	return ids
}

// IsFriend reports whether friendid is in userid's friend list.
func (m *UserManager) IsFriend(userid, friendid int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userid]
	if !ok {
		return false
	}

	return slices.ContainsFunc(u.Friends, func(fi FriendInfo) bool { return fi.FriendID == friendid })
}

// AddUser registers a new user, assigning the next user id.
//
// Parameters:
//   - ctx: Context for the store write
//   - username: Unique login name
//   - nickname: Display name
//   - password: Password as sent by the client
//
// Returns:
//   - A copy of the stored user
//   - ErrUserExists if username is taken, or the store error
func (m *UserManager) AddUser(ctx context.Context, username, nickname, password string) (User, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if _, ok := m.GetUserByName(username); ok {
		return User{}, fmt.Errorf("register %q: %w", username, ErrUserExists)
	}

	m.mu.RLock()
	id := m.baseUserID + 1
	m.mu.RUnlock()

	if IsGroupID(id) {
		return User{}, fmt.Errorf("register %q: user id space exhausted", username)
	}

	u := &User{
		UserID:   id,
		Username: username,
		Nickname: nickname,
		Password: password,
		Birthday: DefaultBirthday,
	}

	if err := m.store.InsertUser(ctx, u); err != nil {
		return User{}, err
	}

	m.mu.Lock()
	m.users[id] = u
	m.byName[username] = id
	m.baseUserID = id
	m.mu.Unlock()

	m.logger.Info("user registered", logger.Field{Key: "userid", Value: id}, logger.Field{Key: "username", Value: username})
	return u.clone(), nil
}

// AddGroup creates a group owned by ownerid and returns its id. The owner
// does not join automatically.
func (m *UserManager) AddGroup(ctx context.Context, groupname string, ownerid int32) (int32, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	id := m.baseGroupID + 1
	m.mu.RUnlock()

	g := &User{
		UserID:   id,
		Username: groupUsername(id),
		Nickname: groupname,
		OwnerID:  ownerid,
	}

	if err := m.store.InsertUser(ctx, g); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.users[id] = g
	m.byName[g.Username] = id
	m.baseGroupID = id
	m.mu.Unlock()

	return id, nil
}

// MakeFriends relates two users (or a user and a group). Both must exist
// and not yet be related; the store row is written before either in-memory
// side changes.
func (m *UserManager) MakeFriends(ctx context.Context, userid, friendid int32) error {
	if userid == friendid {
		return fmt.Errorf("%w: cannot befriend oneself", ErrInvalidArgument)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.checkPair(userid, friendid); err != nil {
		return err
	}

	if m.IsFriend(userid, friendid) {
		return fmt.Errorf("relate %d and %d: %w", userid, friendid, ErrRelationshipExists)
	}

	if err := m.store.InsertRelationship(ctx, userid, friendid); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, okA := m.users[userid]
	b, okB := m.users[friendid]
	if !okA || !okB {
		return fmt.Errorf("relate %d and %d: %w", userid, friendid, ErrPartialUpdate)
	}

	a.Friends = append(a.Friends, FriendInfo{FriendID: friendid, TeamName: DefaultTeamName})
	b.Friends = append(b.Friends, FriendInfo{FriendID: userid, TeamName: DefaultTeamName})
	return nil
}

// DeleteFriends removes the relationship between two users from the store
// and then from both in-memory sides.
func (m *UserManager) DeleteFriends(ctx context.Context, userid, friendid int32) error {
	if userid == friendid {
		return fmt.Errorf("%w: cannot unfriend oneself", ErrInvalidArgument)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.checkPair(userid, friendid); err != nil {
		return err
	}

	if !m.IsFriend(userid, friendid) {
		return fmt.Errorf("unrelate %d and %d: %w", userid, friendid, ErrRelationshipNotFound)
	}

	if err := m.store.DeleteRelationship(ctx, userid, friendid); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removedA := m.removeFriendLocked(userid, friendid)
	removedB := m.removeFriendLocked(friendid, userid)
	if !removedA || !removedB {
		return fmt.Errorf("unrelate %d and %d: %w", userid, friendid, ErrPartialUpdate)
	}

	return nil
}

func (m *UserManager) removeFriendLocked(userid, friendid int32) bool {
	u, ok := m.users[userid]
	if !ok {
		return false
	}

	i := slices.IndexFunc(u.Friends, func(fi FriendInfo) bool { return fi.FriendID == friendid })
	if i < 0 {
		return false
	}

	u.Friends = slices.Delete(u.Friends, i, i+1)
	return true
}

func (m *UserManager) checkPair(userid, friendid int32) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.users[userid]; !ok {
		return fmt.Errorf("user %d: %w", userid, ErrUserNotFound)
	}

	if _, ok := m.users[friendid]; !ok {
		return fmt.Errorf("user %d: %w", friendid, ErrUserNotFound)
	}

	return nil
}

// UpdateProfile overwrites the editable profile of userid.
func (m *UserManager) UpdateProfile(ctx context.Context, userid int32, p Profile) error {
	return m.updateUser(ctx, userid,
		func() error { return m.store.UpdateProfile(ctx, userid, p) },
		func(u *User) { u.applyProfile(p) })
}

// ModifyPassword overwrites the password of userid.
func (m *UserManager) ModifyPassword(ctx context.Context, userid int32, password string) error {
	return m.updateUser(ctx, userid,
		func() error { return m.store.UpdatePassword(ctx, userid, password) },
		func(u *User) { u.Password = password })
}

// UpdateTeamInfo overwrites the team list document of userid.
func (m *UserManager) UpdateTeamInfo(ctx context.Context, userid int32, teaminfo string) error {
	return m.updateUser(ctx, userid,
		func() error { return m.store.UpdateTeamInfo(ctx, userid, teaminfo) },
		func(u *User) { u.TeamInfo = teaminfo })
}

// DeleteTeam moves every friend of userid in team into the default team
// and stores teaminfo, the team list without team, in the same write.
func (m *UserManager) DeleteTeam(ctx context.Context, userid int32, team, teaminfo string) error {
	return m.renameTeam(ctx, userid, team, DefaultTeamName, teaminfo)
}

// ModifyTeamName renames team oldName of userid to newName on every friend
// and stores teaminfo in the same write.
func (m *UserManager) ModifyTeamName(ctx context.Context, userid int32, newName, oldName, teaminfo string) error {
	return m.renameTeam(ctx, userid, oldName, newName, teaminfo)
}

func (m *UserManager) renameTeam(ctx context.Context, userid int32, oldName, newName, teaminfo string) error {
	return m.updateUser(ctx, userid,
		func() error { return m.store.RenameTeam(ctx, userid, oldName, newName, teaminfo) },
		func(u *User) {
			u.TeamInfo = teaminfo
			for i := range u.Friends {
				if u.Friends[i].TeamName == oldName {
					u.Friends[i].TeamName = newName
				}
			}
		})
}

// UpdateMarkname sets the name userid sees for friendid.
func (m *UserManager) UpdateMarkname(ctx context.Context, userid, friendid int32, markname string) error {
	return m.updateFriend(ctx, userid, friendid,
		func() error { return m.store.UpdateMarkname(ctx, userid, friendid, markname) },
		func(fi *FriendInfo) { fi.Markname = markname })
}

// MoveFriendToTeam moves friendid into team on userid's side.
func (m *UserManager) MoveFriendToTeam(ctx context.Context, userid, friendid int32, team string) error {
	return m.updateFriend(ctx, userid, friendid,
		func() error { return m.store.UpdateFriendTeam(ctx, userid, friendid, team) },
		func(fi *FriendInfo) { fi.TeamName = team })
}

func (m *UserManager) updateUser(ctx context.Context, userid int32, write func() error, apply func(u *User)) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if _, ok := m.GetUserByID(userid); !ok {
		return fmt.Errorf("user %d: %w", userid, ErrUserNotFound)
	}

	if err := write(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userid]
	if !ok {
		return fmt.Errorf("user %d: %w", userid, ErrPartialUpdate)
	}

	apply(u)
	return nil
}

func (m *UserManager) updateFriend(ctx context.Context, userid, friendid int32, write func() error, apply func(fi *FriendInfo)) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if !m.IsFriend(userid, friendid) {
		return fmt.Errorf("relationship %d and %d: %w", userid, friendid, ErrRelationshipNotFound)
	}

	if err := write(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userid]
	if !ok {
		return fmt.Errorf("user %d: %w", userid, ErrPartialUpdate)
	}

	for i := range u.Friends {
		if u.Friends[i].FriendID == friendid {
			apply(&u.Friends[i])
			return nil
		}
	}

	return fmt.Errorf("relationship %d and %d: %w", userid, friendid, ErrPartialUpdate)
}

// SaveChatMsg appends a message to the chat log.
func (m *UserManager) SaveChatMsg(ctx context.Context, senderid, targetid int32, content string) error {
	return m.store.SaveChatMsg(ctx, &ChatMsg{SenderID: senderid, TargetID: targetid, Content: content})
}

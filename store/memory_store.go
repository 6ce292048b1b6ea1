package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type pairKey struct {
	small, large int32
}

// MemoryStore is a Store kept entirely in process memory. It backs tests and
// servers started without a database.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[int32]User
	relationships map[pairKey]*UserRelationship
	chatMsgs      []ChatMsg
	nextRelID     int64
	nextMsgID     int64
}

// NewMemoryStore returns a MemoryStore seeded with users.
func NewMemoryStore(users ...User) *MemoryStore {
	s := &MemoryStore{
		users:         make(map[int32]User),
		relationships: make(map[pairKey]*UserRelationship),
	}

	for _, u := range users {
		u.Friends = nil
		s.users[u.UserID] = u
	}

	return s
}

// LoadUsers implements Store.
func (s *MemoryStore) LoadUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}

	slices.SortFunc(users, func(a, b User) int { return int(b.UserID) - int(a.UserID) })
	return users, nil
}

// LoadRelationships implements Store.
func (s *MemoryStore) LoadRelationships(ctx context.Context) ([]UserRelationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]UserRelationship, 0, len(s.relationships))
	for _, r := range s.relationships {
		rows = append(rows, *r)
	}

	slices.SortFunc(rows, func(a, b UserRelationship) int { return int(a.ID - b.ID) })
	return rows, nil
}

// InsertUser implements Store.
func (s *MemoryStore) InsertUser(ctx context.Context, u *User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.UserID]; ok {
		return fmt.Errorf("insert user %d: %w", u.UserID, ErrUserExists)
	}

	row := *u
	row.Friends = nil
	if row.RegisterTime.IsZero() {
		row.RegisterTime = time.Now()
	}

	s.users[u.UserID] = row
	return nil
}

// UpdateProfile implements Store.
func (s *MemoryStore) UpdateProfile(ctx context.Context, userid int32, p Profile) error {
	return s.updateUser(ctx, userid, func(u *User) { u.applyProfile(p) })
}

// UpdatePassword implements Store.
func (s *MemoryStore) UpdatePassword(ctx context.Context, userid int32, password string) error {
	return s.updateUser(ctx, userid, func(u *User) { u.Password = password })
}

// UpdateTeamInfo implements Store.
func (s *MemoryStore) UpdateTeamInfo(ctx context.Context, userid int32, teaminfo string) error {
	return s.updateUser(ctx, userid, func(u *User) { u.TeamInfo = teaminfo })
}

func (s *MemoryStore) updateUser(ctx context.Context, userid int32, fn func(u *User)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userid]
	if !ok {
		return fmt.Errorf("update user %d: %w", userid, ErrUserNotFound)
	}

	fn(&u)
	s.users[userid] = u
	return nil
}

// InsertRelationship implements Store.
func (s *MemoryStore) InsertRelationship(ctx context.Context, userid1, userid2 int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	small, large := OrderedPair(userid1, userid2)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{small, large}
	if _, ok := s.relationships[key]; ok {
		return fmt.Errorf("relate %d and %d: %w", small, large, ErrRelationshipExists)
	}

	s.nextRelID++
	s.relationships[key] = &UserRelationship{
		ID:            s.nextRelID,
		UserID1:       small,
		UserID2:       large,
		User1TeamName: DefaultTeamName,
		User2TeamName: DefaultTeamName,
		CreateTime:    time.Now(),
	}

	return nil
}

// DeleteRelationship implements Store.
func (s *MemoryStore) DeleteRelationship(ctx context.Context, userid1, userid2 int32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	small, large := OrderedPair(userid1, userid2)
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{small, large}
	if _, ok := s.relationships[key]; !ok {
		return fmt.Errorf("unrelate %d and %d: %w", small, large, ErrRelationshipNotFound)
	}

	delete(s.relationships, key)
	return nil
}

// UpdateMarkname implements Store.
func (s *MemoryStore) UpdateMarkname(ctx context.Context, userid, friendid int32, markname string) error {
	return s.updateRelationship(ctx, userid, friendid, func(r *UserRelationship) {
		if r.UserID1 == userid {
			r.User1Markname = markname
		} else {
			r.User2Markname = markname
		}
	})
}

// UpdateFriendTeam implements Store.
func (s *MemoryStore) UpdateFriendTeam(ctx context.Context, userid, friendid int32, team string) error {
	return s.updateRelationship(ctx, userid, friendid, func(r *UserRelationship) {
		if r.UserID1 == userid {
			r.User1TeamName = team
		} else {
			r.User2TeamName = team
		}
	})
}

func (s *MemoryStore) updateRelationship(ctx context.Context, userid, friendid int32, fn func(r *UserRelationship)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	small, large := OrderedPair(userid, friendid)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.relationships[pairKey{small, large}]
	if !ok {
		return fmt.Errorf("update relationship %d and %d: %w", small, large, ErrRelationshipNotFound)
	}

	fn(r)
	return nil
}

// RenameTeam implements Store.
func (s *MemoryStore) RenameTeam(ctx context.Context, userid int32, oldName, newName, teaminfo string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userid]
	if !ok {
		return fmt.Errorf("rename team of %d: %w", userid, ErrUserNotFound)
	}

	u.TeamInfo = teaminfo
	s.users[userid] = u

	for _, r := range s.relationships {
		if r.UserID1 == userid && teamOrDefault(r.User1TeamName) == oldName {
			r.User1TeamName = newName
		}

		if r.UserID2 == userid && teamOrDefault(r.User2TeamName) == oldName {
			r.User2TeamName = newName
		}
	}

	return nil
}

// SaveChatMsg implements Store.
func (s *MemoryStore) SaveChatMsg(ctx context.Context, msg *ChatMsg) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	msg.ID = s.nextMsgID
	if msg.CreateTime.IsZero() {
		msg.CreateTime = time.Now()
	}

	s.chatMsgs = append(s.chatMsgs, *msg)
	return nil
}

// ChatMsgs returns a copy of the chat log.
func (s *MemoryStore) ChatMsgs() []ChatMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chatMsgs)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

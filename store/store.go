// Package store holds the user, relationship and chat log model, the
// persistent Store behind it and the UserManager that keeps an in-memory
// snapshot of every user loaded once at startup.
package store

import (
	"context"
	"errors"
)

var (
	// ErrUserNotFound is returned when a user or group id is unknown.
	ErrUserNotFound = errors.New("store: user not found")
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("store: user already exists")
	// ErrRelationshipExists is returned when two users are already related.
	ErrRelationshipExists = errors.New("store: relationship already exists")
	// ErrRelationshipNotFound is returned when two users are not related.
	ErrRelationshipNotFound = errors.New("store: relationship not found")
	// ErrPartialUpdate is returned when the store accepted a write but the
	// in-memory snapshot could not be brought in line with it.
	ErrPartialUpdate = errors.New("store: in-memory snapshot out of sync")
	// ErrInvalidArgument is returned for requests that are rejected before
	// touching the store.
	ErrInvalidArgument = errors.New("store: invalid argument")
)

// Store is the persistent backing of users, relationships and the chat log.
// Every method either applies its whole write or returns an error.
type Store interface {
	// LoadUsers returns every user and group.
	LoadUsers(ctx context.Context) ([]User, error)

	// LoadRelationships returns every relationship row.
	LoadRelationships(ctx context.Context) ([]UserRelationship, error)

	// InsertUser stores a new user or group row; u.UserID is preassigned.
	InsertUser(ctx context.Context, u *User) error

	// UpdateProfile overwrites the editable profile columns of a user.
	UpdateProfile(ctx context.Context, userid int32, p Profile) error

	// UpdatePassword overwrites the password of a user.
	UpdatePassword(ctx context.Context, userid int32, password string) error

	// UpdateTeamInfo overwrites the team list document of a user.
	UpdateTeamInfo(ctx context.Context, userid int32, teaminfo string) error

	// InsertRelationship relates two users, both in the default team.
	InsertRelationship(ctx context.Context, userid1, userid2 int32) error

	// DeleteRelationship removes the relationship between two users.
	DeleteRelationship(ctx context.Context, userid1, userid2 int32) error

	// UpdateMarkname sets the name userid sees for friendid.
	UpdateMarkname(ctx context.Context, userid, friendid int32, markname string) error

	// UpdateFriendTeam moves friendid into team on userid's side.
	UpdateFriendTeam(ctx context.Context, userid, friendid int32, team string) error

	// RenameTeam moves every friend of userid in team oldName to newName
	// and stores teaminfo as the new team list document, as one write.
	RenameTeam(ctx context.Context, userid int32, oldName, newName, teaminfo string) error

	// SaveChatMsg appends one message to the chat log.
	SaveChatMsg(ctx context.Context, msg *ChatMsg) error

	// Close releases the store.
	Close() error
}

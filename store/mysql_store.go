package store

import (
	"context"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/go-xorm/xorm"
	"xorm.io/core"

	"github.com/ripperdev/flamingo/logger"
)

// MysqlConfig locates the chat database.
type MysqlConfig struct {
	Server   string
	User     string
	Password string
	Database string
}

// DSN returns the go-sql-driver data source name.
func (c MysqlConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Server, c.Database)
}

// MysqlStore is a Store on MySQL through xorm. Tables are named t_<snake>
// and synced on open.
type MysqlStore struct {
	engine *xorm.Engine
	logger logger.Logger
}

// NewMysqlStore opens the database and syncs the schema.
//
// Parameters:
//   - cfg: Database location and credentials
//   - log: Logger for store diagnostics
//
// Returns:
//   - A ready *MysqlStore
//   - An error if the engine cannot be created, the server is unreachable
//     or the schema cannot be synced
func NewMysqlStore(cfg MysqlConfig, log logger.Logger) (*MysqlStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	engine, err := xorm.NewEngine("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql %s: %w", cfg.Server, err)
	}

	engine.SetTableMapper(core.NewPrefixMapper(core.SnakeMapper{}, "t_"))
	engine.SetColumnMapper(core.SnakeMapper{})

	if err := engine.Ping(); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("ping mysql %s: %w", cfg.Server, err)
	}

	if err := engine.Sync2(new(User), new(UserRelationship), new(ChatMsg)); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("sync schema: %w", err)
	}

	log.Info("mysql store ready", logger.Field{Key: "server", Value: cfg.Server}, logger.Field{Key: "db", Value: cfg.Database})
	return &MysqlStore{engine: engine, logger: log}, nil
}

// LoadUsers implements Store.
func (s *MysqlStore) LoadUsers(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.engine.Context(ctx).Desc("f_user_id").Find(&users); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}

	return users, nil
}

// LoadRelationships implements Store.
func (s *MysqlStore) LoadRelationships(ctx context.Context) ([]UserRelationship, error) {
	var rows []UserRelationship
	if err := s.engine.Context(ctx).Asc("f_id").Find(&rows); err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}

	return rows, nil
}

// InsertUser implements Store.
func (s *MysqlStore) InsertUser(ctx context.Context, u *User) error {
	n, err := s.engine.Context(ctx).Insert(u)
	if err != nil {
		return fmt.Errorf("insert user %d: %w", u.UserID, err)
	}

	if n == 0 {
		return fmt.Errorf("insert user %d: no row inserted", u.UserID)
	}

	return nil
}

// UpdateProfile implements Store.
func (s *MysqlStore) UpdateProfile(ctx context.Context, userid int32, p Profile) error {
	return s.updateUser(ctx, userid, map[string]any{
		"f_nickname":    p.Nickname,
		"f_facetype":    p.FaceType,
		"f_customface":  p.CustomFace,
		"f_gender":      p.Gender,
		"f_birthday":    p.Birthday,
		"f_signature":   p.Signature,
		"f_address":     p.Address,
		"f_phonenumber": p.PhoneNumber,
		"f_mail":        p.Mail,
	})
}

// UpdatePassword implements Store.
func (s *MysqlStore) UpdatePassword(ctx context.Context, userid int32, password string) error {
	return s.updateUser(ctx, userid, map[string]any{"f_password": password})
}

// UpdateTeamInfo implements Store.
func (s *MysqlStore) UpdateTeamInfo(ctx context.Context, userid int32, teaminfo string) error {
	return s.updateUser(ctx, userid, map[string]any{"f_teaminfo": teaminfo})
}

func (s *MysqlStore) updateUser(ctx context.Context, userid int32, cols map[string]any) error {
	if _, err := s.engine.Context(ctx).Table(new(User)).Where("f_user_id = ?", userid).Update(cols); err != nil {
		return fmt.Errorf("update user %d: %w", userid, err)
	}

	return nil
}

// InsertRelationship implements Store.
func (s *MysqlStore) InsertRelationship(ctx context.Context, userid1, userid2 int32) error {
	small, large := OrderedPair(userid1, userid2)
	row := &UserRelationship{
		UserID1:       small,
		UserID2:       large,
		User1TeamName: DefaultTeamName,
		User2TeamName: DefaultTeamName,
	}

	if _, err := s.engine.Context(ctx).Insert(row); err != nil {
		return fmt.Errorf("relate %d and %d: %w", small, large, err)
	}

	return nil
}

// DeleteRelationship implements Store.
func (s *MysqlStore) DeleteRelationship(ctx context.Context, userid1, userid2 int32) error {
	small, large := OrderedPair(userid1, userid2)
	n, err := s.engine.Context(ctx).
		Where("f_user_id1 = ? AND f_user_id2 = ?", small, large).
		Delete(new(UserRelationship))
	if err != nil {
		return fmt.Errorf("unrelate %d and %d: %w", small, large, err)
	}

	if n == 0 {
		return fmt.Errorf("unrelate %d and %d: %w", small, large, ErrRelationshipNotFound)
	}

	return nil
}

// UpdateMarkname implements Store.
func (s *MysqlStore) UpdateMarkname(ctx context.Context, userid, friendid int32, markname string) error {
	col := "f_user2_markname"
	if userid < friendid {
		col = "f_user1_markname"
	}

	return s.updateRelationship(ctx, userid, friendid, map[string]any{col: markname})
}

// UpdateFriendTeam implements Store.
func (s *MysqlStore) UpdateFriendTeam(ctx context.Context, userid, friendid int32, team string) error {
	col := "f_user2_teamname"
	if userid < friendid {
		col = "f_user1_teamname"
	}

	return s.updateRelationship(ctx, userid, friendid, map[string]any{col: team})
}

func (s *MysqlStore) updateRelationship(ctx context.Context, userid, friendid int32, cols map[string]any) error {
	small, large := OrderedPair(userid, friendid)
	_, err := s.engine.Context(ctx).Table(new(UserRelationship)).
		Where("f_user_id1 = ? AND f_user_id2 = ?", small, large).
		Update(cols)
	if err != nil {
		return fmt.Errorf("update relationship %d and %d: %w", small, large, err)
	}

	return nil
}

// RenameTeam implements Store. Both sides of the relationship table and the
// team list document are updated in one transaction.
func (s *MysqlStore) RenameTeam(ctx context.Context, userid int32, oldName, newName, teaminfo string) error {
	session := s.engine.NewSession()
	defer session.Close()

	session = session.Context(ctx)
	if err := session.Begin(); err != nil {
		return fmt.Errorf("rename team: %w", err)
	}

	updates := []struct{ idCol, teamCol string }{
		{"f_user_id1", "f_user1_teamname"},
		{"f_user_id2", "f_user2_teamname"},
	}

	for _, u := range updates {
		_, err := session.Table(new(UserRelationship)).
			Where(u.idCol+" = ? AND "+u.teamCol+" = ?", userid, oldName).
			Update(map[string]any{u.teamCol: newName})
		if err != nil {
			_ = session.Rollback()
			return fmt.Errorf("rename team %q of %d: %w", oldName, userid, err)
		}
	}

	_, err := session.Table(new(User)).Where("f_user_id = ?", userid).Update(map[string]any{"f_teaminfo": teaminfo})
	if err != nil {
		_ = session.Rollback()
		return fmt.Errorf("rename team %q of %d: %w", oldName, userid, err)
	}

	if err := session.Commit(); err != nil {
		return fmt.Errorf("rename team %q of %d: %w", oldName, userid, err)
	}

	return nil
}

// SaveChatMsg implements Store.
func (s *MysqlStore) SaveChatMsg(ctx context.Context, msg *ChatMsg) error {
	if _, err := s.engine.Context(ctx).Insert(msg); err != nil {
		return fmt.Errorf("save chat msg %d->%d: %w", msg.SenderID, msg.TargetID, err)
	}

	return nil
}

// Close implements Store.
func (s *MysqlStore) Close() error {
	return s.engine.Close()
}

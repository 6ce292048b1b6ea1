// Package chat implements the chat protocol on top of the reactor: one
// ChatSession per connection, a ChatServer registry of live sessions and the
// business handlers for login, presence, friends, groups and messaging.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/ripperdev/flamingo/cacher"
	"github.com/ripperdev/flamingo/connection"
	"github.com/ripperdev/flamingo/idgenerator"
	"github.com/ripperdev/flamingo/logger"
	"github.com/ripperdev/flamingo/metrics"
	"github.com/ripperdev/flamingo/msgcache"
	"github.com/ripperdev/flamingo/reactor"
	"github.com/ripperdev/flamingo/safemap"
	"github.com/ripperdev/flamingo/store"
	"github.com/ripperdev/flamingo/tcpserver"
)

// ErrUnsupportedCommand is returned for command ids a client may not send.
var ErrUnsupportedCommand = errors.New("chat: unsupported command")

// Options wires a ChatServer to its collaborators.
type Options struct {
	Users    *store.UserManager
	MsgCache *msgcache.MsgCache
	// FriendLists caches rendered friend lists; nil uses an in-memory cache.
	FriendLists   cacher.Cacher[[]FriendTeam]
	FriendListTTL time.Duration

	Logger  logger.Logger
	Metrics *metrics.Metrics

	LogPackageBinary bool

	// HeartbeatCheck closes sessions idle for MaxNoPackageInterval, checked
	// every HeartbeatInterval.
	HeartbeatCheck       bool
	HeartbeatInterval    time.Duration
	MaxNoPackageInterval time.Duration
}

// ChatServer owns the session registry. Sessions are indexed by id and, once
// logged in, by user id; both indexes share one mutex.
type ChatServer struct {
	Logger  logger.Logger
	Metrics *metrics.Metrics

	users       *store.UserManager
	msgCache    *msgcache.MsgCache
	friendLists cacher.Cacher[[]FriendTeam]
	opts        Options
	nextID      *idgenerator.IdGenerator
	server      *tcpserver.TCPServer

	sessions *safemap.SafeMap[int32, *ChatSession]

	mu     sync.Mutex
	byUser map[int32][]*ChatSession
}

// NewChatServer creates a server with an empty registry.
//
// Parameters:
//   - opts: Collaborators and tunables
//
// Returns:
//   - A new *ChatServer; call Init to start listening
func NewChatServer(opts Options) *ChatServer {
	if opts.Logger == nil {
		opts.Logger = logger.NewNopLogger()
	}

	if opts.MsgCache == nil {
		opts.MsgCache = msgcache.New(opts.Logger, opts.Metrics)
	}

	if opts.FriendLists == nil {
		opts.FriendLists = cacher.NewMemoryCacher[[]FriendTeam](opts.FriendListTTL, time.Minute)
	}

	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}

	if opts.MaxNoPackageInterval <= 0 {
		opts.MaxNoPackageInterval = 30 * time.Second
	}

	return &ChatServer{
		Logger:      opts.Logger.With(logger.Field{Key: "component", Value: "chat"}),
		Metrics:     opts.Metrics,
		users:       opts.Users,
		msgCache:    opts.MsgCache,
		friendLists: opts.FriendLists,
		opts:        opts,
		nextID:      idgenerator.NewIdGenerator(0),
		sessions:    safemap.NewSafeMap[int32, *ChatSession](),
		byUser:      make(map[int32][]*ChatSession),
	}
}

// Init creates the TCP server on loop and starts accepting.
//
// Parameters:
//   - loop: The main loop
//   - cfg: Listener and worker pool configuration
//
// Returns:
//   - An error if the listener cannot be created or started
func (s *ChatServer) Init(loop *reactor.EventLoop, cfg tcpserver.Config) error {
	srv, err := tcpserver.NewTCPServer(loop, cfg, s.Logger)
	if err != nil {
		return err
	}

	srv.Metrics = s.Metrics
	srv.SetConnectionCallback(s.onConnection)
	srv.SetMessageCallback(s.onMessage)
	srv.SetHighWaterMarkCallback(func(conn *connection.TcpConnection, queued int) {
		s.Logger.Warn("output above high-water mark", logger.Field{Key: "conn", Value: conn.Name()}, logger.Field{Key: "queued", Value: queued})
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start chat server: %w", err)
	}

	s.server = srv
	s.Logger.Info("chat server listening", logger.Field{Key: "addr", Value: srv.IPPort()})
	return nil
}

// Uninit stops accepting and closes every connection.
func (s *ChatServer) Uninit() {
	if s.server != nil {
		s.server.Stop()
	}
}

// Addr returns the bound listen address, or "" before Init.
func (s *ChatServer) Addr() string {
	if s.server == nil {
		return ""
	}

	return s.server.IPPort()
}

func (s *ChatServer) onConnection(conn *connection.TcpConnection) {
	if conn.Connected() {
		sess := s.newSession(newWeakConn(conn), conn.PeerAddress().ToIPPort())
		conn.SetContext(sess)

		if s.opts.HeartbeatCheck {
			sess.checkTimer = conn.Loop().RunEvery(s.opts.HeartbeatInterval, sess.checkHeartbeat)
			sess.hasTimer = true
		}

		return
	}

	sess, ok := conn.Context().(*ChatSession)
	if !ok {
		return
	}

	if sess.hasTimer {
		conn.Loop().Remove(sess.checkTimer)
	}

	s.removeSession(sess)
}

func (s *ChatServer) onMessage(conn *connection.TcpConnection, buf *connection.Buffer, receiveTime reactor.Timestamp) {
	sess, ok := conn.Context().(*ChatSession)
	if !ok {
		buf.RetrieveAll()
		return
	}

	sess.onRead(buf, receiveTime)
}

// newSession registers a session for a fresh connection.
func (s *ChatServer) newSession(conn connHandle, peer string) *ChatSession {
	id := int32(s.nextID.Id())
	sess := newChatSession(s, conn, id, peer)

	s.sessions.Store(id, sess)

	s.Metrics.SessionAdded()
	sess.logger.Info("session created")
	return sess
}

// removeSession unregisters sess. Friends are told the user went offline
// only when its last session is gone.
func (s *ChatServer) removeSession(sess *ChatSession) {
	if _, ok := s.sessions.LoadAndDelete(sess.id); !ok {
		return
	}

	s.mu.Lock()
	userid := sess.UserID()
	remaining := 0
	if userid > 0 {
		s.unbindLocked(sess, userid)
		remaining = len(s.byUser[userid])
	}
	s.mu.Unlock()

	s.Metrics.SessionRemoved()
	sess.logger.Info("session removed",
		logger.Field{Key: "userid", Value: userid},
		logger.Field{Key: "remaining", Value: remaining})

	if userid > 0 && sess.loggedIn && remaining == 0 {
		s.notifyFriendsStatus(userid, StatusOffline, 0)
	}
}

// bind indexes sess under userid and returns the session it displaces: the
// one already logged in with the same user id and client type. The
// displaced session is unindexed and marked invalid before the lock is
// released, so it is handed out exactly once.
func (s *ChatServer) bind(sess *ChatSession, userid, clientType int32) *ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *ChatSession
	for _, other := range s.byUser[userid] {
		if other != sess && other.ClientType() == clientType {
			prev = other
			break
		}
	}

	if prev != nil {
		s.unbindLocked(prev, userid)
		prev.makeInvalid()
	}

	if prevID := sess.UserID(); prevID > 0 {
		s.unbindLocked(sess, prevID)
	}

	sess.userID.Store(userid)
	sess.clientType.Store(clientType)
	s.byUser[userid] = append(s.byUser[userid], sess)
	return prev
}

func (s *ChatServer) unbindLocked(sess *ChatSession, userid int32) {
	list := s.byUser[userid]
	i := slices.Index(list, sess)
	if i < 0 {
		return
	}

	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(s.byUser, userid)
		return
	}

	s.byUser[userid] = list
}

// GetSessionByUserIdAndClientType returns the session of userid logged in
// from clientType.
func (s *ChatServer) GetSessionByUserIdAndClientType(userid, clientType int32) (*ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.byUser[userid] {
		if sess.ClientType() == clientType {
			return sess, true
		}
	}

	return nil, false
}

// GetSessionsByUserId returns every live session of userid, one per device.
func (s *ChatServer) GetSessionsByUserId(userid int32) []*ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.byUser[userid])
}

// GetUserStatusByUserId returns the online status of userid's first session,
// or 0 when offline.
func (s *ChatServer) GetUserStatusByUserId(userid int32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if list := s.byUser[userid]; len(list) > 0 {
		return list[0].Status()
	}

	return 0
}

// GetUserClientTypeByUserId returns the client type of userid's first
// session, or 0 when offline.
func (s *ChatServer) GetUserClientTypeByUserId(userid int32) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if list := s.byUser[userid]; len(list) > 0 {
		return list[0].ClientType()
	}

	return 0
}

// NumSessions returns the number of registered sessions.
func (s *ChatServer) NumSessions() int {
	return s.sessions.Len()
}

// notifyFriendsStatus pushes a presence change of userid to every live
// session of every friend.
func (s *ChatServer) notifyFriendsStatus(userid int32, changeType int, status int32) {
	for _, friendID := range s.users.GetFriendIDs(userid) {
		for _, sess := range s.GetSessionsByUserId(friendID) {
			sess.sendUserStatusChange(userid, changeType, status)
		}
	}
}

// deliver sends body to every session of userid, or parks it in the given
// offline cache when the user has none.
func (s *ChatServer) deliver(userid int32, body []byte, park func(userid int32, body []byte)) {
	sessions := s.GetSessionsByUserId(userid)
	if len(sessions) == 0 {
		if park != nil {
			park(userid, body)
		}

		return
	}

	for _, sess := range sessions {
		sess.sendBody(body)
	}
}

func friendListKey(userid int32) string {
	return "friendlist:" + strconv.FormatInt(int64(userid), 10)
}

// invalidateFriendLists drops the cached friend lists of userids.
func (s *ChatServer) invalidateFriendLists(userids ...int32) {
	keys := make([]string, 0, len(userids))
	for _, id := range userids {
		keys = append(keys, friendListKey(id))
	}

	if err := s.friendLists.Invalidate(context.Background(), keys...); err != nil {
		s.Logger.Error("invalidate friend lists", logger.Field{Key: "error", Value: err.Error()})
	}
}

// friendList renders userid's teams with member profiles. The cached copy
// carries no presence; the caller's copy has it overlaid.
func (s *ChatServer) friendList(ctx context.Context, userid int32) ([]FriendTeam, error) {
	teams, err := s.friendLists.GetOrFetch(ctx, friendListKey(userid), s.opts.FriendListTTL, func(ctx context.Context) ([]FriendTeam, error) {
		return s.buildFriendList(userid)
	})
	if err != nil {
		return nil, err
	}

	out := make([]FriendTeam, len(teams))
	for i, team := range teams {
		members := slices.Clone(team.Members)
		for j := range members {
			members[j].ClientType = s.GetUserClientTypeByUserId(members[j].UserID)
			members[j].Status = s.GetUserStatusByUserId(members[j].UserID)
		}

		out[i] = FriendTeam{TeamName: team.TeamName, Members: members}
	}

	return out, nil
}

func (s *ChatServer) buildFriendList(userid int32) ([]FriendTeam, error) {
	u, ok := s.users.GetUserByID(userid)
	if !ok {
		return nil, fmt.Errorf("friend list of %d: %w", userid, store.ErrUserNotFound)
	}

	names, err := store.ParseTeams(u.TeamInfo)
	if err != nil {
		s.Logger.Warn("bad teaminfo, using default team", logger.Field{Key: "userid", Value: userid}, logger.Field{Key: "error", Value: err.Error()})
		names = []string{store.DefaultTeamName}
	}

	teams := make([]FriendTeam, 0, len(names))
	index := make(map[string]int, len(names))
	for _, name := range names {
		index[name] = len(teams)
		teams = append(teams, FriendTeam{TeamName: name, Members: []FriendEntry{}})
	}

	for _, fi := range u.Friends {
		f, ok := s.users.GetUserByID(fi.FriendID)
		if !ok {
			continue
		}

		i, ok := index[fi.TeamName]
		if !ok {
			i, ok = index[store.DefaultTeamName]
			if !ok {
				index[store.DefaultTeamName] = len(teams)
				i = len(teams)
				teams = append(teams, FriendTeam{TeamName: store.DefaultTeamName, Members: []FriendEntry{}})
			}
		}

		teams[i].Members = append(teams[i].Members, FriendEntry{
			UserID:   f.UserID,
			Username: f.Username,
			Profile:  f.Profile(),
			Markname: fi.Markname,
		})
	}

	return teams, nil
}

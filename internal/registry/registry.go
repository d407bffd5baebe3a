// Package registry tracks live websocket sessions. It is the only shared
// mutable structure in the delivery path: a sharded map from session id to
// session plus a user-keyed secondary index, mutated under per-shard locks
// so unrelated users never serialize on a global mutex.
package registry

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle of a session. Transitions are one-way:
// Connecting → Active → Closing → Removed.
type State int32

const (
	// Connecting means the websocket is up but no identity is bound yet
	// (guest awaiting QR login).
	Connecting State = iota
	// Active means identity is bound and the session is routable.
	Active
	// Closing means the session is being torn down; no new sends.
	Closing
	// Removed is terminal; the registry no longer references the session.
	Removed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Removed:
		return "removed"
	default:
		return "invalid"
	}
}

// Session is one live client connection. The outbound channel is owned by
// the registry: it is closed exactly once, on deregistration.
type Session struct {
	ID string

	shard *shard // guards the mutable fields below

	userID   string
	state    State
	out      chan []byte
	lastSeen time.Time
}

// UserID returns the bound user id, or "" while Connecting.
func (s *Session) UserID() string {
	s.shard.mu.RLock()
	defer s.shard.mu.RUnlock()
	return s.userID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.shard.mu.RLock()
	defer s.shard.mu.RUnlock()
	return s.state
}

// Out is the session's outbound queue. It is closed when the session is
// deregistered; the write pump must treat a closed channel as final.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// Touch records activity for idle reaping.
func (s *Session) Touch() {
	s.shard.mu.Lock()
	s.lastSeen = time.Now()
	s.shard.mu.Unlock()
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Session // user id -> session id -> session
}

const shardCount = 32

// Registry is the concurrent session table.
type Registry struct {
	shards     [shardCount]*shard
	userShards [shardCount]*userShard

	singleDevice bool
	queueSize    int
	maxPerUser   int
}

// Options configures the Registry.
type Options struct {
	SingleDevice bool // evict prior sessions when a user binds a new one
	QueueSize    int  // per-session outbound buffer; default 32
	MaxPerUser   int  // max Active sessions per user; 0 = unlimited
}

// New creates an empty registry.
func New(opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	r := &Registry{
		singleDevice: opts.SingleDevice,
		queueSize:    opts.QueueSize,
		maxPerUser:   opts.MaxPerUser,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
		r.userShards[i] = &userShard{users: make(map[string]map[string]*Session)}
	}
	return r
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) shardFor(sessionID string) *shard {
	return r.shards[shardIndex(sessionID)]
}

func (r *Registry) userShardFor(userID string) *userShard {
	return r.userShards[shardIndex(userID)]
}

// RegisterGuest creates a Connecting session with no identity. The caller
// must later Bind it or Deregister it.
func (r *Registry) RegisterGuest() *Session {
	id := uuid.New().String()
	sh := r.shardFor(id)
	s := &Session{
		ID:    id,
		shard: sh,
		state: Connecting,
		out:   make(chan []byte, r.queueSize),
	}
	sh.mu.Lock()
	s.lastSeen = time.Now()
	sh.sessions[id] = s
	sh.mu.Unlock()
	return s
}

// Register creates an Active session already bound to userID.
// Under the single-device policy, prior sessions of the user are evicted.
func (r *Registry) Register(userID string) (*Session, []*Session) {
	s := r.RegisterGuest()
	evicted := r.Bind(s, userID)
	return s, evicted
}

// Bind attaches an identity to a session, promoting Connecting → Active and
// indexing it under the user. It returns any sessions evicted by policy
// (single-device, or max-per-user overflow, oldest first); the caller is
// responsible for deregistering them after closing their connections.
// Binding a session that is already Closing or Removed is a no-op.
func (r *Registry) Bind(s *Session, userID string) []*Session {
	sh := s.shard
	sh.mu.Lock()
	if s.state != Connecting && s.state != Active {
		sh.mu.Unlock()
		return nil
	}
	s.userID = userID
	s.state = Active
	sh.mu.Unlock()

	ush := r.userShardFor(userID)
	ush.mu.Lock()
	set := ush.users[userID]
	if set == nil {
		set = make(map[string]*Session)
		ush.users[userID] = set
	}

	var evicted []*Session
	if r.singleDevice {
		for id, prev := range set {
			if id != s.ID {
				evicted = append(evicted, prev)
				delete(set, id)
			}
		}
	} else if r.maxPerUser > 0 && len(set) >= r.maxPerUser {
		oldest := oldestSession(set)
		if oldest != nil {
			evicted = append(evicted, oldest)
			delete(set, oldest.ID)
		}
	}
	set[s.ID] = s
	ush.mu.Unlock()

	// A concurrent Deregister may have removed the session between the two
	// index updates; undo the insertion so the user index cannot leak a
	// Removed session.
	if s.State() == Removed {
		ush.mu.Lock()
		if set, ok := ush.users[userID]; ok {
			delete(set, s.ID)
			if len(set) == 0 {
				delete(ush.users, userID)
			}
		}
		ush.mu.Unlock()
	}

	for _, prev := range evicted {
		prev.beginClose()
	}
	return evicted
}

func oldestSession(set map[string]*Session) *Session {
	var oldest *Session
	var oldestSeen time.Time
	for _, s := range set {
		s.shard.mu.RLock()
		seen := s.lastSeen
		s.shard.mu.RUnlock()
		if oldest == nil || seen.Before(oldestSeen) {
			oldest = s
			oldestSeen = seen
		}
	}
	return oldest
}

// beginClose moves the session to Closing so TrySend stops accepting.
func (s *Session) beginClose() {
	s.shard.mu.Lock()
	if s.state == Connecting || s.state == Active {
		s.state = Closing
	}
	s.shard.mu.Unlock()
}

// Close transitions the session to Closing. Idempotent.
func (r *Registry) Close(s *Session) {
	s.beginClose()
}

// Deregister removes a session and closes its outbound channel. It is
// idempotent: deregistering an unknown or already-Removed session is a
// no-op, which tolerates duplicate close signals from the read and write
// halves of a connection.
func (r *Registry) Deregister(sessionID string) {
	sh := r.shardFor(sessionID)

	// The session shard lock is released before the user index is updated:
	// Bind takes the locks in the opposite order, and holding both here
	// would invite a lock-order inversion. TrySend checks state under the
	// session shard lock, so a handle found via the user index between the
	// two steps is already unusable.
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return
	}
	delete(sh.sessions, sessionID)
	s.state = Removed
	userID := s.userID
	close(s.out)
	sh.mu.Unlock()

	if userID == "" {
		return
	}
	ush := r.userShardFor(userID)
	ush.mu.Lock()
	if set, ok := ush.users[userID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(ush.users, userID)
		}
	}
	ush.mu.Unlock()
}

// Lookup returns the session for id, or nil if absent.
func (r *Registry) Lookup(sessionID string) *Session {
	sh := r.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.sessions[sessionID]
}

// LookupByUser returns a snapshot of the user's sessions.
func (r *Registry) LookupByUser(userID string) []*Session {
	ush := r.userShardFor(userID)
	ush.mu.RLock()
	defer ush.mu.RUnlock()
	set := ush.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// TrySend queues a frame without blocking. It returns false when the
// session is not Active or its queue is full; the caller should then force
// the session closed, since a stalled queue signals a dead peer.
func (r *Registry) TrySend(s *Session, frame []byte) bool {
	// The shard lock is held across the send attempt: Deregister closes the
	// channel under the write lock, so a send here can never hit a closed
	// channel. The send itself never blocks.
	s.shard.mu.RLock()
	defer s.shard.mu.RUnlock()
	if s.state != Active && s.state != Connecting {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// Each calls fn for every registered session. The callback must not
// mutate the registry.
func (r *Registry) Each(fn func(*Session)) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		snapshot := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			snapshot = append(snapshot, s)
		}
		sh.mu.RUnlock()
		for _, s := range snapshot {
			fn(s)
		}
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// IdleSince returns sessions whose last activity predates cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []*Session {
	var idle []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, s := range sh.sessions {
			if s.lastSeen.Before(cutoff) {
				idle = append(idle, s)
			}
		}
		sh.mu.RUnlock()
	}
	return idle
}

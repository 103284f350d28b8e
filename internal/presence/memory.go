package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. It serves single-process
// deployments and tests; it is not shared across processes.
type MemoryStore struct {
	mu     sync.Mutex
	online map[string]bool
	rooms  map[string]map[string]bool
	leases map[string]time.Time
	subs   map[chan []byte]struct{}
	closed bool

	// Now is the clock used for lease expiry.
	Now func() time.Time
	fail bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		online: make(map[string]bool),
		rooms:  make(map[string]map[string]bool),
		leases: make(map[string]time.Time),
		subs:   make(map[chan []byte]struct{}),
		Now:    time.Now,
	}
}

var errMemoryDown = unavailable("memory", errors.New("store is down"))

func (m *MemoryStore) check() error {
	if m.fail || m.closed {
		return errMemoryDown
	}
	return nil
}

// SetFail makes every call return an ErrUnavailable error until reset.
func (m *MemoryStore) SetFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *MemoryStore) AddOnline(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	if m.online[username] {
		return false, nil
	}
	m.online[username] = true
	return true, nil
}

func (m *MemoryStore) RemoveOnline(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.online, username)
	return nil
}

func (m *MemoryStore) IsOnline(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	return m.online[username], nil
}

func (m *MemoryStore) ListOnline(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return sortedKeys(m.online), nil
}

func (m *MemoryStore) AddToRoom(_ context.Context, room, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if m.rooms[room] == nil {
		m.rooms[room] = make(map[string]bool)
	}
	m.rooms[room][username] = true
	return nil
}

func (m *MemoryStore) RemoveFromRoom(_ context.Context, room, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	// the room stays registered even when it empties
	delete(m.rooms[room], username)
	return nil
}

func (m *MemoryStore) ListInRoom(_ context.Context, room string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return sortedKeys(m.rooms[room]), nil
}

func (m *MemoryStore) ListRooms(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (m *MemoryStore) ClaimLease(_ context.Context, username string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	if m.leaseLive(username) {
		return false, nil
	}
	m.leases[username] = m.Now().Add(ttl)
	return true, nil
}

func (m *MemoryStore) RefreshLease(_ context.Context, username string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.leases[username] = m.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) HasLease(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	return m.leaseLive(username), nil
}

// leaseLive must be called with mu held. Expired leases are dropped.
func (m *MemoryStore) leaseLive(username string) bool {
	expires, ok := m.leases[username]
	if !ok {
		return false
	}
	if !m.Now().Before(expires) {
		delete(m.leases, username)
		return false
	}
	return true
}

func (m *MemoryStore) DropLease(_ context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.leases, username)
	return nil
}

func (m *MemoryStore) RemoveStale(_ context.Context, username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	if !m.online[username] || m.leaseLive(username) {
		return false, nil
	}
	delete(m.online, username)
	return true, nil
}

// Publish fans payload out to every live subscriber. A subscriber whose
// buffer is full misses the message.
func (m *MemoryStore) Publish(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for sub := range m.subs {
		cp := append([]byte(nil), payload...)
		select {
		case sub <- cp:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ch := make(chan []byte, 256)
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for sub := range m.subs {
		delete(m.subs, sub)
		close(sub)
	}
	return nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

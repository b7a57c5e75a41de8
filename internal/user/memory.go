package user

import (
	"context"
	"errors"
	"sync"
)

var ErrUsernameTaken = errors.New("username already taken")

// MemoryStore keeps users in process. It backs STORE=memory.
type MemoryStore struct {
	mu    sync.Mutex
	users map[int64]*User
	next  int64

	// OnCreate, if set, is called with every newly created user.
	OnCreate func(id int64, username string)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[int64]*User)}
}

func (m *MemoryStore) CreateUser(_ context.Context, u *User) (*User, error) {
	m.mu.Lock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			m.mu.Unlock()
			return nil, ErrUsernameTaken
		}
	}
	m.next++
	cp := *u
	cp.ID = m.next
	cp.Active = true
	m.users[cp.ID] = &cp
	m.mu.Unlock()

	if m.OnCreate != nil {
		m.OnCreate(cp.ID, cp.Username)
	}
	return &cp, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) GetUserByID(_ context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// SetActive enables or disables an account.
func (m *MemoryStore) SetActive(id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.Active = active
	return nil
}

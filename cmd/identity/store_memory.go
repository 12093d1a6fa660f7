package identity

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps accounts in process memory. It is used when no database
// is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]User
	byName  map[string]string
	byEmail map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]User),
		byName:  make(map[string]string),
		byEmail: make(map[string]string),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (CreateUserResult, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return CreateUserResult{}, err
	}
	u, err := prepareUser(op, in)
	if err != nil {
		return CreateUserResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[u.UsernameNorm]; ok {
		return CreateUserResult{}, ConflictError{Op: op, Field: "username"}
	}
	if _, ok := s.byEmail[u.EmailNorm]; ok {
		return CreateUserResult{}, ConflictError{Op: op, Field: "email"}
	}
	s.byID[u.ID] = u
	s.byName[u.UsernameNorm] = u.ID
	s.byEmail[u.EmailNorm] = u.ID

	return CreateUserResult{User: u}, nil
}

func (s *MemoryStore) UserByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.UserByID", Resource: "user"}
	}
	return u, nil
}

func (s *MemoryStore) UserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[NormalizeUsername(username)]
	if !ok {
		return User{}, NotFoundError{Op: "identity.UserByUsername", Resource: "user"}
	}
	return s.byID[id], nil
}

func (s *MemoryStore) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		if u, ok := s.byID[id]; ok {
			out = append(out, u)
		}
	}
	s.mu.RUnlock()

	sortUsers(out)
	return out, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, u)
	}
	s.mu.RUnlock()

	sortUsers(out)
	return out, nil
}

func sortUsers(us []User) {
	sort.Slice(us, func(i, j int) bool { return us[i].UsernameNorm < us[j].UsernameNorm })
}

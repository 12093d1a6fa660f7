package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tars/cmd/identity"
	"tars/cmd/internal/presence"
)

// fakeUsers is an identity-store stand-in without password hashing.
type fakeUsers struct {
	byID map[string]identity.User
	err  error
}

func newFakeUsers(ids ...presence.Identity) *fakeUsers {
	f := &fakeUsers{byID: make(map[string]identity.User)}
	for _, id := range ids {
		f.byID[id.ID] = identity.User{ID: id.ID, Username: id.Username, UsernameNorm: identity.NormalizeUsername(id.Username)}
	}
	return f
}

func (f *fakeUsers) UserByID(_ context.Context, id string) (identity.User, error) {
	if f.err != nil {
		return identity.User{}, f.err
	}
	u, ok := f.byID[id]
	if !ok {
		return identity.User{}, identity.NotFoundError{Op: "fake.UserByID", Resource: "user"}
	}
	return u, nil
}

func (f *fakeUsers) UserByUsername(_ context.Context, username string) (identity.User, error) {
	if f.err != nil {
		return identity.User{}, f.err
	}
	for _, u := range f.byID {
		if u.UsernameNorm == identity.NormalizeUsername(username) {
			return u, nil
		}
	}
	return identity.User{}, identity.NotFoundError{Op: "fake.UserByUsername", Resource: "user"}
}

func (f *fakeUsers) UsersByIDs(_ context.Context, ids []string) ([]identity.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []identity.User
	for _, id := range ids {
		if u, ok := f.byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func TestUserDirectory_ResolveAndLookup(t *testing.T) {
	d := NewUserDirectory(newFakeUsers(alice, bob))
	ctx := context.Background()

	got, err := d.Resolve(ctx, "  ALICE ")
	require.NoError(t, err)
	require.Equal(t, alice, got)

	got, err = d.Lookup(ctx, bob.ID)
	require.NoError(t, err)
	require.Equal(t, bob, got)

	_, err = d.Resolve(ctx, "mallory")
	require.ErrorIs(t, err, ErrUnknownIdentity)
	_, err = d.Resolve(ctx, "  ")
	require.ErrorIs(t, err, ErrUnknownIdentity)
	_, err = d.Lookup(ctx, "")
	require.ErrorIs(t, err, ErrUnknownIdentity)

	online, err := d.ListOnline(ctx, []string{bob.ID, "01GONE", alice.ID})
	require.NoError(t, err)
	require.ElementsMatch(t, []presence.Identity{alice, bob}, online)
}

func TestUserDirectory_StoreErrorPassesThrough(t *testing.T) {
	boom := errors.New("db down")
	users := newFakeUsers(alice)
	users.err = boom

	_, err := NewUserDirectory(users).Resolve(context.Background(), "alice")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrUnknownIdentity)
}

// countingDirectory counts calls and can hold Resolve until released.
type countingDirectory struct {
	next     Directory
	resolves atomic.Int32
	lookups  atomic.Int32
	lists    atomic.Int32
	gate     chan struct{}
}

func (c *countingDirectory) Resolve(ctx context.Context, username string) (presence.Identity, error) {
	c.resolves.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return presence.Identity{}, ctx.Err()
		}
	}
	return c.next.Resolve(ctx, username)
}

func (c *countingDirectory) Lookup(ctx context.Context, id string) (presence.Identity, error) {
	c.lookups.Add(1)
	return c.next.Lookup(ctx, id)
}

func (c *countingDirectory) ListOnline(ctx context.Context, ids []string) ([]presence.Identity, error) {
	c.lists.Add(1)
	return c.next.ListOnline(ctx, ids)
}

func TestCachedDirectory_HitsAvoidBackend(t *testing.T) {
	backend := &countingDirectory{next: NewUserDirectory(newFakeUsers(alice, bob))}
	d := NewCachedDirectory(backend, 0, 0)
	ctx := context.Background()

	for _, name := range []string{"alice", "Alice", " ALICE"} {
		got, err := d.Resolve(ctx, name)
		require.NoError(t, err)
		require.Equal(t, alice, got)
	}
	assert.EqualValues(t, 1, backend.resolves.Load())

	// Resolve primes the id index too.
	got, err := d.Lookup(ctx, alice.ID)
	require.NoError(t, err)
	require.Equal(t, alice, got)
	assert.Zero(t, backend.lookups.Load())
}

func TestCachedDirectory_MissesAreNotCached(t *testing.T) {
	users := newFakeUsers(alice)
	backend := &countingDirectory{next: NewUserDirectory(users)}
	d := NewCachedDirectory(backend, 16, time.Minute)
	ctx := context.Background()

	_, err := d.Resolve(ctx, "bob")
	require.ErrorIs(t, err, ErrUnknownIdentity)

	users.byID[bob.ID] = identity.User{ID: bob.ID, Username: bob.Username, UsernameNorm: "bob"}

	got, err := d.Resolve(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, bob, got)
	assert.EqualValues(t, 2, backend.resolves.Load())
}

func TestCachedDirectory_CollapsesConcurrentMisses(t *testing.T) {
	backend := &countingDirectory{
		next: NewUserDirectory(newFakeUsers(alice)),
		gate: make(chan struct{}),
	}
	d := NewCachedDirectory(backend, 16, time.Minute)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan presence.Identity, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := d.Resolve(context.Background(), "alice")
			if err == nil {
				results <- got
			}
		}()
	}

	require.Eventually(t, func() bool { return backend.resolves.Load() == 1 }, time.Second, time.Millisecond)
	// Let the waiting callers pile onto the in-flight call before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(backend.gate)
	wg.Wait()
	close(results)

	n := 0
	for got := range results {
		require.Equal(t, alice, got)
		n++
	}
	require.Equal(t, callers, n)
	assert.EqualValues(t, 1, backend.resolves.Load())
}

func TestCachedDirectory_ContextCanceledWhileWaiting(t *testing.T) {
	backend := &countingDirectory{
		next: NewUserDirectory(newFakeUsers(alice)),
		gate: make(chan struct{}),
	}
	defer close(backend.gate)
	d := NewCachedDirectory(backend, 16, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Resolve(ctx, "alice")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCachedDirectory_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	backend := &countingDirectory{
		next: NewUserDirectory(newFakeUsers(alice, bob)),
		gate: make(chan struct{}),
	}
	d := NewCachedDirectory(backend, 16, time.Minute)

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Resolve(first, "bob")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return backend.resolves.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		ident presence.Identity
		err   error
	}
	second := make(chan result, 1)
	go func() {
		got, err := d.Resolve(context.Background(), "bob")
		second <- result{got, err}
	}()
	// Let the second caller join the in-flight lookup.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(backend.gate)
	res := <-second
	require.NoError(t, res.err)
	require.Equal(t, bob, res.ident)
	assert.EqualValues(t, 1, backend.resolves.Load())
}

func TestCachedDirectory_ListOnlineMergesCache(t *testing.T) {
	backend := &countingDirectory{next: NewUserDirectory(newFakeUsers(alice, bob, carol))}
	d := NewCachedDirectory(backend, 16, time.Minute)
	ctx := context.Background()

	_, err := d.Resolve(ctx, "carol")
	require.NoError(t, err)

	got, err := d.ListOnline(ctx, []string{carol.ID, bob.ID, alice.ID})
	require.NoError(t, err)
	require.Equal(t, []presence.Identity{alice, bob, carol}, got)
	assert.EqualValues(t, 1, backend.lists.Load())

	got, err = d.ListOnline(ctx, []string{carol.ID, alice.ID})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "carol"}, usernames(got))
	assert.EqualValues(t, 1, backend.lists.Load(), "all cached now")
}

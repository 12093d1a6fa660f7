package realtime

import (
	"context"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"tars/cmd/identity"
	"tars/cmd/internal/presence"
)

const (
	defaultDirectoryCacheSize = 4096
	defaultDirectoryCacheTTL  = 5 * time.Minute

	// Bounds a shared lookup once it no longer follows any caller's context.
	directoryLookupTimeout = 5 * time.Second
)

// CachedDirectory memoizes successful lookups of another Directory and
// collapses concurrent misses for the same key into one call. Misses are not
// cached, so newly registered users resolve immediately.
type CachedDirectory struct {
	next   Directory
	byName *expirable.LRU[string, presence.Identity]
	byID   *expirable.LRU[string, presence.Identity]
	group  singleflight.Group
}

func NewCachedDirectory(next Directory, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = defaultDirectoryCacheSize
	}
	if ttl <= 0 {
		ttl = defaultDirectoryCacheTTL
	}
	return &CachedDirectory{
		next:   next,
		byName: expirable.NewLRU[string, presence.Identity](size, nil, ttl),
		byID:   expirable.NewLRU[string, presence.Identity](size, nil, ttl),
	}
}

func (d *CachedDirectory) Resolve(ctx context.Context, username string) (presence.Identity, error) {
	key := identity.NormalizeUsername(username)
	if id, ok := d.byName.Get(key); ok {
		return id, nil
	}
	return d.load(ctx, "name:"+key, func(ctx context.Context) (presence.Identity, error) {
		return d.next.Resolve(ctx, username)
	})
}

func (d *CachedDirectory) Lookup(ctx context.Context, id string) (presence.Identity, error) {
	if ident, ok := d.byID.Get(id); ok {
		return ident, nil
	}
	return d.load(ctx, "id:"+id, func(ctx context.Context) (presence.Identity, error) {
		return d.next.Lookup(ctx, id)
	})
}

// ListOnline serves cached identities and fetches the rest in one call.
func (d *CachedDirectory) ListOnline(ctx context.Context, ids []string) ([]presence.Identity, error) {
	out := make([]presence.Identity, 0, len(ids))
	var missing []string
	for _, id := range ids {
		if ident, ok := d.byID.Get(id); ok {
			out = append(out, ident)
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) > 0 {
		fetched, err := d.next.ListOnline(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, ident := range fetched {
			d.remember(ident)
		}
		out = append(out, fetched...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// load runs fn once per key for all concurrent callers. The shared call is
// detached from the first caller's cancellation so one session going away
// never fails the lookups of the others; each caller still stops waiting
// when its own ctx ends.
func (d *CachedDirectory) load(ctx context.Context, key string, fn func(context.Context) (presence.Identity, error)) (presence.Identity, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), directoryLookupTimeout)
		defer cancel()

		ident, err := fn(lctx)
		if err != nil {
			return nil, err
		}
		d.remember(ident)
		return ident, nil
	})

	select {
	case <-ctx.Done():
		return presence.Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return presence.Identity{}, res.Err
		}
		return res.Val.(presence.Identity), nil
	}
}

func (d *CachedDirectory) remember(ident presence.Identity) {
	d.byID.Add(ident.ID, ident)
	d.byName.Add(identity.NormalizeUsername(ident.Username), ident)
}

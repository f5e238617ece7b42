package cart

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/qvtbox/qvtbox-go/internal/cache"
)

// KeyPrefix prefixes the stored cart of each owner.
const KeyPrefix = "qvtbox_cart:"

// DefaultTTL is how long an untouched cart is kept.
const DefaultTTL = 30 * 24 * time.Hour

// Store persists carts by owner (a session or user id).
type Store struct {
	carts  *cache.TypedCache[Cart]
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	sync.Mutex
	refs int
}

// NewStore creates a store on c. A zero ttl selects DefaultTTL.
func NewStore(c cache.Cacher, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		carts:  cache.NewTypedCache[Cart](c, KeyPrefix, ttl),
		ttl:    ttl,
		logger: logger,
		locks:  make(map[string]*ownerLock),
	}
}

// Load returns the cart of owner. A missing, unreadable or inconsistent
// stored cart loads as empty.
func (s *Store) Load(ctx context.Context, owner string) (*Cart, error) {
	c, err := s.carts.Load(ctx, owner)
	switch {
	case err == nil && c.valid():
		return &c, nil
	case err == nil, errors.Is(err, cache.ErrCorrupt):
		s.logger.Warn("discarding unreadable cart", "owner", owner, "error", err)
		return &Cart{}, nil
	case errors.Is(err, cache.ErrCacheMiss):
		return &Cart{}, nil
	}
	return nil, err
}

// Save stores the cart of owner; an empty cart deletes the key.
func (s *Store) Save(ctx context.Context, owner string, c *Cart) error {
	if len(c.Lines) == 0 {
		return s.carts.Delete(ctx, owner)
	}
	return s.carts.SetWithTTL(ctx, owner, *c, s.ttl)
}

// Update loads the cart of owner, applies fn and saves the result. Calls
// for the same owner are serialized. Nothing is saved when fn fails.
func (s *Store) Update(ctx context.Context, owner string, fn func(*Cart) error) (*Cart, error) {
	unlock := s.lock(owner)
	defer unlock()

	c, err := s.Load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, owner, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Merge adds the lines of the cart of from into the cart of to and removes
// the former, as when an anonymous visitor signs in.
func (s *Store) Merge(ctx context.Context, from, to string) (*Cart, error) {
	if from == to {
		return s.Load(ctx, to)
	}
	src, err := s.Load(ctx, from)
	if err != nil {
		return nil, err
	}
	merged, err := s.Update(ctx, to, func(dst *Cart) error {
		for _, l := range src.Lines {
			if i := dst.index(l.ID); i >= 0 {
				dst.Lines[i].Quantity = min(dst.Lines[i].Quantity+l.Quantity, MaxQuantity)
				continue
			}
			dst.Lines = append(dst.Lines, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.carts.Delete(ctx, from); err != nil {
		s.logger.Warn("failed to drop merged cart", "owner", from, "error", err)
	}
	return merged, nil
}

func (s *Store) lock(owner string) func() {
	s.mu.Lock()
	l := s.locks[owner]
	if l == nil {
		l = &ownerLock{}
		s.locks[owner] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, owner)
		}
		s.mu.Unlock()
	}
}

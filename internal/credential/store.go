package credential

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultStoreSize = 4096

// Store holds the binding between a gateway-minted opaque token and the
// organization it authorizes. A binding that exists is valid; a binding
// that is absent, for whatever reason, is not. There is deliberately no
// way to tell "expired" apart from "never issued".
type Store interface {
	// Put records a binding that expires after ttl.
	Put(token, org string, ttl time.Duration)

	// Get returns the bound organization, or ok=false when the token is
	// unknown or expired.
	Get(token string) (org string, ok bool)
}

// binding is a stored credential binding along with its deadline.
type binding struct {
	org      string
	deadline time.Time
}

// LRUStore is an in-process Store on top of a bounded LRU map. Entries
// carry their own deadline, checked on every read, so expired bindings
// behave exactly like absent ones even before the LRU evicts them.
type LRUStore struct {
	cache *lru.Cache[string, binding]
	now   func() time.Time
}

// NewLRUStore creates a store bounded to maxSize bindings. A maxSize of
// zero or less uses a default.
func NewLRUStore(maxSize int) *LRUStore {
	if maxSize <= 0 {
		maxSize = defaultStoreSize
	}

	// The only error New can return is for a non-positive size.
	cache, _ := lru.New[string, binding](maxSize)
	return &LRUStore{cache: cache, now: time.Now}
}

func (s *LRUStore) Put(token, org string, ttl time.Duration) {
	s.cache.Add(token, binding{org: org, deadline: s.now().Add(ttl)})
}

func (s *LRUStore) Get(token string) (string, bool) {
	b, ok := s.cache.Get(token)
	if !ok {
		return "", false
	}
	if s.now().After(b.deadline) {
		s.cache.Remove(token)
		return "", false
	}
	return b.org, true
}

// TTL reports the remaining lifetime of a binding. It exists for
// observability; authorization decisions only use Get.
func (s *LRUStore) TTL(token string) (time.Duration, bool) {
	b, ok := s.cache.Get(token)
	if !ok {
		return 0, false
	}
	remaining := b.deadline.Sub(s.now())
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

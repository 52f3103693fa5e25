package chatsync

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// DefaultSeenCapacity bounds the number of record ids remembered by the
// poller.
const DefaultSeenCapacity = 50000

// SeenSet remembers the ids of records already processed. It is bounded;
// once full the least recently seen ids are forgotten, which can only
// re-admit very old records that the Store's content check then absorbs.
type SeenSet struct {
	cache *lru.Cache[string, struct{}]
}

// NewSeenSet creates a set holding at most capacity ids.
func NewSeenSet(capacity int) (*SeenSet, error) {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	cache, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "create seen set")
	}
	return &SeenSet{cache: cache}, nil
}

// Observe records id and reports whether it was new. Empty ids are never
// recorded and always count as new.
func (s *SeenSet) Observe(id string) bool {
	if id == "" {
		return true
	}
	if s.cache.Contains(id) {
		s.cache.Get(id)
		return false
	}
	s.cache.Add(id, struct{}{})
	return true
}

// Contains reports whether id was recorded.
func (s *SeenSet) Contains(id string) bool {
	return id != "" && s.cache.Contains(id)
}

// Len returns the number of remembered ids.
func (s *SeenSet) Len() int {
	return s.cache.Len()
}

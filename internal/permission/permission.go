// Package permission decides which collections a principal may search.
//
// The engine consults it before any embedding or retrieval work and
// fails closed: an error or an empty grant set means the query is
// rejected without touching the providers.
package permission

import (
	"context"
	"sync"

	"github.com/citolabs/cito/internal/retrieval"
)

// Service filters a search request down to the collections the
// principal is allowed to read. When requested is empty, every
// permitted collection is returned. Requested collections the principal
// cannot read are silently dropped, never reported as existing.
type Service interface {
	PermittedCollections(ctx context.Context, principal string, requested []string) ([]retrieval.Collection, error)
}

// Static is an in-memory Service configured at startup. Suitable for
// single-tenant deployments where grants come from config.
//
// Thread-safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	grants map[string][]retrieval.Collection
}

// NewStatic creates an empty Static service. A principal without grants
// is permitted nothing.
func NewStatic() *Static {
	return &Static{grants: make(map[string][]retrieval.Collection)}
}

// Grant adds collections to a principal's permitted set.
func (s *Static) Grant(principal string, collections ...retrieval.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[principal] = append(s.grants[principal], collections...)
}

// PermittedCollections implements Service.
func (s *Static) PermittedCollections(ctx context.Context, principal string, requested []string) ([]retrieval.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	permitted := s.grants[principal]
	if len(requested) == 0 {
		out := make([]retrieval.Collection, len(permitted))
		copy(out, permitted)
		return out, nil
	}

	allowed := make(map[string]retrieval.Collection, len(permitted))
	for _, c := range permitted {
		allowed[c.ID] = c
	}

	var out []retrieval.Collection
	for _, id := range requested {
		if c, ok := allowed[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

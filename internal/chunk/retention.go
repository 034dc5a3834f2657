package chunk

import "time"

// StoreState is an immutable snapshot of every chunk's metadata at the
// moment a RetentionPolicy is consulted. Chunks is sorted by Start
// ascending (oldest first).
type StoreState struct {
	Chunks []Meta
	Now    time.Time
}

// RetentionPolicy decides which chunks should be evicted from the store.
// Apply is called by StorageEngine's cleanup pass with a snapshot of every
// known chunk's metadata and returns the IDs to delete. Policies are pure
// functions: no IO, no locks, no mutation.
type RetentionPolicy interface {
	Apply(state StoreState) []ID
}

// RetentionPolicyFunc adapts an ordinary function to RetentionPolicy.
type RetentionPolicyFunc func(state StoreState) []ID

func (f RetentionPolicyFunc) Apply(state StoreState) []ID { return f(state) }

// CompositeRetentionPolicy combines multiple policies with union semantics:
// a chunk is evicted if any sub-policy names it.
type CompositeRetentionPolicy struct {
	policies []RetentionPolicy
}

// NewCompositeRetentionPolicy builds a policy that evicts the union of
// every sub-policy's eviction list.
func NewCompositeRetentionPolicy(policies ...RetentionPolicy) *CompositeRetentionPolicy {
	return &CompositeRetentionPolicy{policies: policies}
}

func (c *CompositeRetentionPolicy) Apply(state StoreState) []ID {
	seen := make(map[ID]struct{})
	var result []ID
	for _, p := range c.policies {
		for _, id := range p.Apply(state) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				result = append(result, id)
			}
		}
	}
	return result
}

// TTLRetentionPolicy evicts chunks whose Start falls before Now - maxAge.
// A chunk straddling the cutoff is evicted: eviction keys on where the
// chunk's window begins, not where it ends. This is the default retention
// mechanism behind the storage engine's cleanup pass.
type TTLRetentionPolicy struct {
	maxAge time.Duration
}

// NewTTLRetentionPolicy builds a policy that evicts chunks whose window
// starts more than maxAge ago.
func NewTTLRetentionPolicy(maxAge time.Duration) *TTLRetentionPolicy {
	return &TTLRetentionPolicy{maxAge: maxAge}
}

func (p *TTLRetentionPolicy) Apply(state StoreState) []ID {
	if p.maxAge <= 0 {
		return nil
	}
	cutoff := state.Now.Add(-p.maxAge).Unix()

	var result []ID
	for _, meta := range state.Chunks {
		if meta.Start < cutoff {
			result = append(result, meta.ID)
		}
	}
	return result
}

// CountRetentionPolicy keeps at most maxChunks newest chunks, evicting the
// rest. state.Chunks is assumed sorted oldest-first.
type CountRetentionPolicy struct {
	maxChunks int
}

// NewCountRetentionPolicy builds a policy that keeps at most maxChunks
// chunks.
func NewCountRetentionPolicy(maxChunks int) *CountRetentionPolicy {
	return &CountRetentionPolicy{maxChunks: maxChunks}
}

func (p *CountRetentionPolicy) Apply(state StoreState) []ID {
	if p.maxChunks <= 0 || len(state.Chunks) <= p.maxChunks {
		return nil
	}
	excess := len(state.Chunks) - p.maxChunks
	result := make([]ID, excess)
	for i := range excess {
		result[i] = state.Chunks[i].ID
	}
	return result
}

// NeverRetainPolicy never evicts anything. This is the default when no
// retention duration is configured.
type NeverRetainPolicy struct{}

func (NeverRetainPolicy) Apply(StoreState) []ID { return nil }

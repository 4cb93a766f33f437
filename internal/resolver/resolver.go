// Package resolver maps free-text conversation names to conversation ids
// using an in-memory index of contacts and groups.
package resolver

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/leonletto/tldrer/internal/metrics"
	"github.com/leonletto/tldrer/internal/types"
)

// DefaultThreshold is the lowest score Resolve accepts.
const DefaultThreshold = 70

// Directory fetches the current contacts and groups.
type Directory interface {
	ListContacts(ctx context.Context) ([]types.Contact, error)
	ListGroups(ctx context.Context) ([]types.Group, error)
}

// Candidate is one name that resolves to a conversation id.
type Candidate struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Match is the best candidate for a query.
type Match struct {
	Candidate
	Score int `json:"score"`
}

// Index is an immutable snapshot of the conversation directory.
type Index struct {
	Candidates []Candidate
	Contacts   []types.Contact
	Groups     []types.Group
	BuiltAt    time.Time
}

// BuildIndex lists, in order, every contact's saved name, profile name and
// display name followed by every group name. Empty names and repeated
// (name, id) pairs are skipped.
func BuildIndex(contacts []types.Contact, groups []types.Group) *Index {
	idx := &Index{Contacts: contacts, Groups: groups, BuiltAt: time.Now()}
	seen := make(map[Candidate]bool)
	add := func(name, id string) {
		c := Candidate{Name: name, ID: id}
		if name == "" || seen[c] {
			return
		}
		seen[c] = true
		idx.Candidates = append(idx.Candidates, c)
	}

	for _, c := range contacts {
		add(c.ContactName, c.Number)
		add(c.ProfileName, c.Number)
		add(c.DisplayName(), c.Number)
	}
	for _, g := range groups {
		add(g.Name, g.ID)
	}
	return idx
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold sets the minimum accepted score.
func WithThreshold(n int) Option {
	return func(r *Resolver) { r.threshold = n }
}

// WithScorer replaces WeightedRatio.
func WithScorer(s Scorer) Option {
	return func(r *Resolver) { r.scorer = s }
}

// WithLogger sets the resolver logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// Resolver owns the current Index. Refresh swaps it atomically; lookups
// never block.
type Resolver struct {
	dir       Directory
	index     atomic.Pointer[Index]
	threshold int
	scorer    Scorer
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

// New creates a resolver with an empty index. Call Refresh to populate it.
func New(dir Directory, opts ...Option) *Resolver {
	r := &Resolver{
		dir:       dir,
		threshold: DefaultThreshold,
		scorer:    WeightedRatio,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.index.Store(BuildIndex(nil, nil))
	return r
}

// Refresh re-fetches contacts and groups and replaces the index. On any
// error the previous index stays in place.
func (r *Resolver) Refresh(ctx context.Context) error {
	contacts, err := r.dir.ListContacts(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Contact refresh failed, keeping previous index")
		return fmt.Errorf("list contacts: %w", err)
	}
	groups, err := r.dir.ListGroups(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Group refresh failed, keeping previous index")
		return fmt.Errorf("list groups: %w", err)
	}

	idx := BuildIndex(contacts, groups)
	r.index.Store(idx)
	r.metrics.SetIndexSize(len(idx.Candidates))
	r.log.Info().Int("contacts", len(contacts)).Int("groups", len(groups)).
		Int("names", len(idx.Candidates)).Msg("Conversation index refreshed")
	return nil
}

// RefreshEvery calls Refresh on every tick until ctx is done. Failures are
// logged and the next tick tries again.
func (r *Resolver) RefreshEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Index returns the current snapshot.
func (r *Resolver) Index() *Index {
	return r.index.Load()
}

// Best returns the highest-scoring candidate regardless of the threshold.
// Ties go to the earlier candidate. ok is false when the index is empty.
func (r *Resolver) Best(query string) (Match, bool) {
	idx := r.index.Load()
	var best Match
	found := false
	for _, c := range idx.Candidates {
		score := r.scorer(query, c.Name)
		if !found || score > best.Score {
			best = Match{Candidate: c, Score: score}
			found = true
		}
	}
	return best, found
}

// Resolve returns the conversation id whose name best matches query, or
// false when no name scores at least the threshold.
func (r *Resolver) Resolve(query string) (string, bool) {
	m, ok := r.Best(query)
	if !ok || m.Score < r.threshold {
		r.log.Debug().Str("query", query).Int("score", m.Score).Msg("No conversation matched")
		return "", false
	}
	r.log.Debug().Str("query", query).Str("name", m.Name).Int("score", m.Score).Msg("Conversation resolved")
	return m.ID, true
}

// Contact returns the contact with the given number or account uuid from
// the current index. Senders who hide their number are identified by uuid.
func (r *Resolver) Contact(id string) (types.Contact, bool) {
	if id == "" {
		return types.Contact{}, false
	}
	for _, c := range r.index.Load().Contacts {
		if c.Number == id || c.UUID == id {
			return c, true
		}
	}
	return types.Contact{}, false
}

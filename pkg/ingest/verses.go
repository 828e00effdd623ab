package ingest

import (
	"sort"
	"sync"
	"time"

	"github.com/versemarket/keeperd/pkg/classifier"
	"github.com/versemarket/keeperd/pkg/types"
)

// VerseSet tracks the verses derived from the market universe: which
// markets belong to which verse, the last committed aggregate, and the
// per-verse version counter. A verse lives until every member market
// has resolved.
type VerseSet struct {
	mu       sync.Mutex
	verses   map[types.VerseID]*types.Verse
	byMarket map[string]types.VerseID
}

// NewVerseSet creates an empty verse set.
func NewVerseSet() *VerseSet {
	return &VerseSet{
		verses:   make(map[types.VerseID]*types.Verse),
		byMarket: make(map[string]types.VerseID),
	}
}

// Track classifies the question and adds the market to its verse,
// creating the verse on first sight. Returns the verse id.
func (s *VerseSet) Track(marketID, question string) types.VerseID {
	id := classifier.Classify(question)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byMarket[marketID]; ok && prev == id {
		return id
	}
	v, ok := s.verses[id]
	if !ok {
		v = &types.Verse{ID: id}
		s.verses[id] = v
	}
	if !contains(v.Markets, marketID) {
		v.Markets = append(v.Markets, marketID)
		sort.Strings(v.Markets)
	}
	s.byMarket[marketID] = id
	return id
}

// VerseOf returns the verse id a market was classified into.
func (s *VerseSet) VerseOf(marketID string) (types.VerseID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMarket[marketID]
	return id, ok
}

// Get returns a copy of one verse.
func (s *VerseSet) Get(id types.VerseID) (types.Verse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verses[id]
	if !ok {
		return types.Verse{}, false
	}
	return copyVerse(v), true
}

// Members returns the market ids of one verse.
func (s *VerseSet) Members(id types.VerseID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verses[id]
	if !ok {
		return nil
	}
	return append([]string(nil), v.Markets...)
}

// IDs returns every tracked verse id.
func (s *VerseSet) IDs() []types.VerseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]types.VerseID, 0, len(s.verses))
	for id := range s.verses {
		ids = append(ids, id)
	}
	return ids
}

// NextVersion returns the version number the next successful update of
// this verse must carry. Versions strictly increase.
func (s *VerseSet) NextVersion(id types.VerseID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.verses[id]; ok {
		return v.Version + 1
	}
	return 1
}

// Commit records a successful on-chain update: the aggregate, the new
// version, and an advanced clock. A commit with a version at or below
// the current one is ignored.
func (s *VerseSet) Commit(id types.VerseID, aggregate float64, version uint64, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verses[id]
	if !ok || version <= v.Version {
		return false
	}
	v.Aggregate = aggregate
	v.Version = version
	v.Clock++
	v.UpdatedAt = at
	return true
}

// Prune removes verses whose members have all resolved and returns the
// removed ids.
func (s *VerseSet) Prune(resolved func(marketID string) bool) []types.VerseID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []types.VerseID
	for id, v := range s.verses {
		all := len(v.Markets) > 0
		for _, m := range v.Markets {
			if !resolved(m) {
				all = false
				break
			}
		}
		if !all {
			continue
		}
		for _, m := range v.Markets {
			delete(s.byMarket, m)
		}
		delete(s.verses, id)
		removed = append(removed, id)
	}
	return removed
}

// Len returns the number of tracked verses.
func (s *VerseSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verses)
}

func copyVerse(v *types.Verse) types.Verse {
	out := *v
	out.Markets = append([]string(nil), v.Markets...)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

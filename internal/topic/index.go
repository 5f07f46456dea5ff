package topic

import (
	"sort"
	"sync"

	"github.com/user/logsift/pkg/embedding"
)

// Match is one similarity-search hit.
type Match struct {
	ID    string
	Score float64
}

// Index is the vector-index seam. Reads are safely concurrent; the store
// serializes writes through its creation lock.
type Index interface {
	Upsert(id string, vec embedding.Vector)
	Query(vec embedding.Vector, topK int) []Match
	Remove(id string)
	Len() int
}

// memoryIndex is a brute-force cosine-similarity index. Topic vocabularies
// are small (tens of entries), so a linear scan beats maintaining an
// approximate structure.
type memoryIndex struct {
	mu   sync.RWMutex
	vecs map[string]embedding.Vector
}

// NewMemoryIndex returns an empty in-memory index.
func NewMemoryIndex() Index {
	return &memoryIndex{vecs: make(map[string]embedding.Vector)}
}

func (ix *memoryIndex) Upsert(id string, vec embedding.Vector) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vecs[id] = vec
}

func (ix *memoryIndex) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vecs, id)
}

func (ix *memoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vecs)
}

func (ix *memoryIndex) Query(vec embedding.Vector, topK int) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matches := make([]Match, 0, len(ix.vecs))
	for id, v := range ix.vecs {
		matches = append(matches, Match{ID: id, Score: embedding.CosineSimilarity(vec, v)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// Package matching resolves free-text counterparty names against the
// known supplier/customer directory. The engine is pure and deterministic:
// the same (name, pool) pair always yields the same result, so re-running
// a match after re-extraction is stable.
package matching

import (
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Confidence tiers returned by Match, in decreasing order of certainty.
//
// EXACT and HIGH auto-populate the document counterparty silently,
// MEDIUM and LOW populate it flagged for human review, NONE leaves it
// empty for manual selection.
type Confidence string

const (
	ConfidenceExact  Confidence = "EXACT"
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
	ConfidenceNone   Confidence = "NONE"
)

// Scoring thresholds for the fuzzy tiers.
const (
	mediumThreshold = 0.65
	lowThreshold    = 0.40
)

// Candidate is a directory entry eligible for matching.
type Candidate struct {
	ID   uuid.UUID
	Name string
}

// Match is the outcome of resolving one name.
type Match struct {
	CounterpartyID *uuid.UUID
	Confidence     Confidence
	MatchedName    string
}

// NeedsReview reports whether the tier requires human confirmation.
func (m Match) NeedsReview() bool {
	return m.Confidence == ConfidenceMedium || m.Confidence == ConfidenceLow
}

// Engine implements the tiered matching algorithm.
type Engine struct {
	folder cases.Caser
}

// NewEngine constructs a matching engine.
func NewEngine() *Engine {
	return &Engine{folder: cases.Fold()}
}

// legal-entity suffixes stripped during normalization.
var legalSuffixes = map[string]struct{}{
	"pte": {}, "ltd": {}, "llc": {}, "llp": {}, "plc": {}, "inc": {},
	"co": {}, "corp": {}, "corporation": {}, "company": {}, "limited": {},
	"bhd": {}, "sdn": {}, "gmbh": {}, "pty": {}, "sarl": {},
}

// Match resolves name against pool. Precedence: case-insensitive exact,
// normalized equality, token-overlap/edit-distance score, fuzzy floor.
// Ties between equally scored candidates break toward the
// lexicographically smallest name so results stay deterministic.
func (e *Engine) Match(name string, pool []Candidate) Match {
	name = strings.TrimSpace(name)
	if name == "" || len(pool) == 0 {
		return Match{Confidence: ConfidenceNone}
	}

	ordered := make([]Candidate, len(pool))
	copy(ordered, pool)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Name != ordered[j].Name {
			return ordered[i].Name < ordered[j].Name
		}
		return ordered[i].ID.String() < ordered[j].ID.String()
	})

	folded := e.folder.String(name)
	for _, c := range ordered {
		if e.folder.String(c.Name) == folded {
			return e.hit(c, ConfidenceExact)
		}
	}

	normal := e.normalize(name)
	if normal != "" {
		for _, c := range ordered {
			if e.normalize(c.Name) == normal {
				return e.hit(c, ConfidenceHigh)
			}
		}
	}

	var best Candidate
	bestScore := 0.0
	for _, c := range ordered {
		score := e.score(name, c.Name)
		if score > bestScore {
			best = c
			bestScore = score
		}
	}
	switch {
	case bestScore >= mediumThreshold:
		return e.hit(best, ConfidenceMedium)
	case bestScore >= lowThreshold:
		return e.hit(best, ConfidenceLow)
	}
	return Match{Confidence: ConfidenceNone}
}

func (e *Engine) hit(c Candidate, conf Confidence) Match {
	id := c.ID
	return Match{CounterpartyID: &id, Confidence: conf, MatchedName: c.Name}
}

// normalize folds case, replaces punctuation with spaces, drops
// legal-entity suffixes and collapses whitespace.
func (e *Engine) normalize(name string) string {
	folded := e.folder.String(name)
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	tokens := strings.Fields(b.String())
	kept := tokens[:0]
	for _, t := range tokens {
		if _, skip := legalSuffixes[t]; skip {
			continue
		}
		kept = append(kept, t)
	}
	return strings.Join(kept, " ")
}

// score blends token overlap with edit-distance similarity on the
// normalized forms and keeps the stronger signal.
func (e *Engine) score(a, b string) float64 {
	na, nb := e.normalize(a), e.normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	overlap := tokenOverlap(strings.Fields(na), strings.Fields(nb))
	sim := editSimilarity(na, nb)
	if overlap > sim {
		return overlap
	}
	return sim
}

// tokenOverlap returns the Jaccard coefficient of two token sets.
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	shared := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			shared++
		} else {
			union++
		}
	}
	return float64(shared) / float64(union)
}

// editSimilarity is 1 - levenshtein/maxlen over runes.
func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	dist := levenshtein(ra, rb)
	max := len(ra)
	if len(rb) > max {
		max = len(rb)
	}
	return 1 - float64(dist)/float64(max)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

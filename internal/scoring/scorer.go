// Package scoring computes the complexity score of a violation batch from
// four weighted signals: file count, violation kind, dependency breadth, and
// churn. The scorer is pure (no I/O, no clock) and deterministic.
package scoring

import (
	"path/filepath"
	"sort"

	"fixwarden/internal/types"
)

// Version is recorded on every Score so downstream consumers can tell which
// weighting produced it.
const Version = "cx-1"

// Component weights. Total = 0.25f + 0.40k + 0.20d + 0.15c.
const (
	weightFileCount  = 0.25
	weightKind       = 0.40
	weightDependency = 0.20
	weightChurn      = 0.15
)

// kindCosts is the fixed per-kind intrinsic cost table. The batch kind score
// is the max over its violations: worst case dominates.
var kindCosts = map[types.ViolationKind]float64{
	types.KindLineLength:        0.05,
	types.KindUnusedImport:      0.05,
	types.KindNaming:            0.05,
	types.KindConfigPolicy:      0.15,
	types.KindLoggingConvention: 0.25,
	types.KindCrossFileImports:  0.50,
	types.KindArchCycle:         0.50,
	types.KindConfigMigration:   0.60,
	types.KindSecurityTaint:     0.80,
}

// unknownKindCost is the conservative default for kinds outside the closed
// enumeration: priced like an architectural change.
const unknownKindCost = 0.50

// KindCost returns the intrinsic cost of a violation kind.
func KindCost(k types.ViolationKind) float64 {
	if cost, ok := kindCosts[k]; ok {
		return cost
	}
	return unknownKindCost
}

// InvariantHook is invoked when a component leaves [0,1]. The value is
// clamped and scoring continues; the hook exists for out-of-band alerting.
type InvariantHook func(component string, value float64)

// Scorer scores batches against a churn watchlist.
type Scorer struct {
	churn       map[string]bool
	onInvariant InvariantHook
}

// New creates a scorer. watchlist holds file paths with recent churn; an
// empty watchlist makes the churn component 0 for every batch.
func New(watchlist []string) *Scorer {
	churn := make(map[string]bool, len(watchlist))
	for _, f := range watchlist {
		churn[f] = true
	}
	return &Scorer{churn: churn}
}

// WithInvariantHook installs the out-of-range alert hook.
func (s *Scorer) WithInvariantHook(h InvariantHook) *Scorer {
	s.onInvariant = h
	return s
}

// Score computes the complexity score of a batch.
func (s *Scorer) Score(b types.Batch) types.Score {
	f := s.check("file_count", fileCountScore(b))
	k := s.check("kind", kindScore(b))
	d := s.check("dependency", dependencyScore(b))
	c := s.check("churn", s.churnScore(b))

	total := weightFileCount*f + weightKind*k + weightDependency*d + weightChurn*c
	total = s.check("total", total)

	return types.Score{
		Total:      total,
		FileCount:  f,
		Kind:       k,
		Dependency: d,
		Churn:      c,
		KindWeight: kindScore(b),
		Version:    Version,
	}
}

// check clamps a component to [0,1], firing the invariant hook when needed.
func (s *Scorer) check(component string, v float64) float64 {
	if v >= 0 && v <= 1 {
		return v
	}
	if s.onInvariant != nil {
		s.onInvariant(component, v)
	}
	if v < 0 {
		return 0
	}
	return 1
}

// fileCountScore interpolates linearly: 1 file → 0.0, 20+ files → 1.0.
func fileCountScore(b types.Batch) float64 {
	n := len(b.Files())
	if n <= 1 {
		return 0
	}
	if n >= 20 {
		return 1
	}
	return float64(n-1) / 19.0
}

// kindScore is the max intrinsic cost over the batch's violations.
func kindScore(b types.Batch) float64 {
	max := 0.0
	for _, v := range b.Violations {
		if cost := KindCost(v.Kind); cost > max {
			max = cost
		}
	}
	return max
}

// dependencyScore is the fraction of violations that are import-related or
// live outside the batch's modal directory.
func dependencyScore(b types.Batch) float64 {
	if len(b.Violations) == 0 {
		return 0
	}
	modal := modalDir(b)
	n := 0
	for _, v := range b.Violations {
		if v.Kind.ImportRelated() || filepath.Dir(v.FilePath) != modal {
			n++
		}
	}
	return float64(n) / float64(len(b.Violations))
}

// modalDir returns the most common directory among the batch's violations,
// ties broken lexicographically for determinism.
func modalDir(b types.Batch) string {
	counts := make(map[string]int)
	for _, v := range b.Violations {
		counts[filepath.Dir(v.FilePath)]++
	}
	dirs := make([]string, 0, len(counts))
	for d := range counts {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	best, bestCount := "", -1
	for _, d := range dirs {
		if counts[d] > bestCount {
			best, bestCount = d, counts[d]
		}
	}
	return best
}

// churnScore is the fraction of violations whose file is on the watchlist.
func (s *Scorer) churnScore(b types.Batch) float64 {
	if len(b.Violations) == 0 || len(s.churn) == 0 {
		return 0
	}
	n := 0
	for _, v := range b.Violations {
		if s.churn[v.FilePath] {
			n++
		}
	}
	return float64(n) / float64(len(b.Violations))
}

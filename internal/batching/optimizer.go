// Package batching partitions raw violation lists into bounded, routable
// batches. Partitioning is deterministic: groups are emitted in lexicographic
// key order and violations keep their input order inside each group, so
// downstream routing is reproducible for identical input.
package batching

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"

	"fixwarden/internal/logging"
	"fixwarden/internal/scoring"
	"fixwarden/internal/types"
)

// complexityCutoff splits the by-complexity strategy into its two streams:
// violations with kind cost below the cutoff are "simple", the rest "complex".
const complexityCutoff = 0.30

// dominanceShare is the fraction above which the mixed strategy considers a
// single kind (or directory) dominant.
const dominanceShare = 0.80

// Optimizer partitions violation lists under the configured caps.
type Optimizer struct {
	maxViolations int
	maxFiles      int
}

// New creates an optimizer. Non-positive caps fall back to the contract
// defaults (20 violations, 10 files).
func New(maxViolations, maxFiles int) *Optimizer {
	if maxViolations <= 0 {
		maxViolations = types.MaxBatchViolations
	}
	if maxFiles <= 0 {
		maxFiles = types.MaxBatchFiles
	}
	return &Optimizer{maxViolations: maxViolations, maxFiles: maxFiles}
}

// Partition splits violations into batches using the hinted strategy, or the
// mixed heuristic when hint is empty. Every input violation lands in exactly
// one output batch; every batch respects the caps.
func (o *Optimizer) Partition(taskID string, violations []types.Violation, hint types.StrategyTag) []types.Batch {
	if len(violations) == 0 {
		return nil
	}

	strategy := hint
	if strategy == "" || strategy == types.StrategyMixed {
		strategy = o.inspect(violations)
	}

	var batches []types.Batch
	switch strategy {
	case types.StrategyByType:
		batches = o.groupAndSplit(taskID, violations, strategy, func(v types.Violation) string {
			if !v.Kind.Known() {
				return string(types.KindUnknown)
			}
			return string(v.Kind)
		})
	case types.StrategyByFile:
		batches = o.groupAndSplit(taskID, violations, strategy, func(v types.Violation) string {
			return v.FilePath
		})
	default: // by-complexity
		batches = o.groupAndSplit(taskID, violations, types.StrategyByComplexity, func(v types.Violation) string {
			if scoring.KindCost(v.Kind) < complexityCutoff {
				return "simple"
			}
			return "complex"
		})
	}

	logging.Batching("task %s: %d violations -> %d batches (strategy=%s)",
		taskID, len(violations), len(batches), strategy)
	return batches
}

// inspect implements the mixed default: a dominant kind picks by-type, a
// dominant directory picks by-file, otherwise by-complexity.
func (o *Optimizer) inspect(violations []types.Violation) types.StrategyTag {
	kindCounts := make(map[types.ViolationKind]int)
	dirCounts := make(map[string]int)
	for _, v := range violations {
		kindCounts[v.Kind]++
		dirCounts[filepath.Dir(v.FilePath)]++
	}

	threshold := int(dominanceShare * float64(len(violations)))
	for _, n := range kindCounts {
		if n > threshold {
			return types.StrategyByType
		}
	}
	for _, n := range dirCounts {
		if n > threshold {
			return types.StrategyByFile
		}
	}
	return types.StrategyByComplexity
}

// groupAndSplit buckets violations by key, then splits each bucket into
// cap-respecting batches. Buckets are emitted in lexicographic key order.
func (o *Optimizer) groupAndSplit(taskID string, violations []types.Violation, strategy types.StrategyTag, keyFn func(types.Violation) string) []types.Batch {
	groups := make(map[string][]types.Violation)
	for _, v := range violations {
		k := keyFn(v)
		groups[k] = append(groups[k], v)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var batches []types.Batch
	for _, k := range keys {
		batches = append(batches, o.split(taskID, k, groups[k], strategy, len(batches))...)
	}
	return batches
}

// split walks a group in order, opening a new batch whenever adding the next
// violation would exceed the violation cap or the distinct-file cap.
func (o *Optimizer) split(taskID, key string, group []types.Violation, strategy types.StrategyTag, seq int) []types.Batch {
	var batches []types.Batch
	var current []types.Violation
	files := make(map[string]bool)

	flush := func() {
		if len(current) == 0 {
			return
		}
		batches = append(batches, types.Batch{
			ID:         batchID(taskID, key, seq+len(batches)),
			TaskID:     taskID,
			Violations: current,
			Strategy:   strategy,
		})
		current = nil
		files = make(map[string]bool)
	}

	for _, v := range group {
		newFile := !files[v.FilePath]
		if len(current) >= o.maxViolations || (newFile && len(files) >= o.maxFiles) {
			flush()
			newFile = true
		}
		current = append(current, v)
		if newFile {
			files[v.FilePath] = true
		}
	}
	flush()
	return batches
}

// batchID derives a stable identifier from the task, grouping key and batch
// position, so identical input yields identical batches.
func batchID(taskID, key string, n int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", taskID, key, n)))
	return fmt.Sprintf("b-%s", hex.EncodeToString(sum[:])[:12])
}

package batching

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"fixwarden/internal/types"
)

func mkViolation(id string, kind types.ViolationKind, file string) types.Violation {
	return types.Violation{ID: id, Kind: kind, FilePath: file, Line: 1}
}

func flatten(batches []types.Batch) []types.Violation {
	var out []types.Violation
	for _, b := range batches {
		out = append(out, b.Violations...)
	}
	return out
}

func assertInvariants(t *testing.T, input []types.Violation, batches []types.Batch) {
	t.Helper()

	seen := make(map[string]int)
	for _, b := range batches {
		if b.Size() > types.MaxBatchViolations {
			t.Errorf("batch %s has %d violations, cap is %d", b.ID, b.Size(), types.MaxBatchViolations)
		}
		if n := len(b.Files()); n > types.MaxBatchFiles {
			t.Errorf("batch %s spans %d files, cap is %d", b.ID, n, types.MaxBatchFiles)
		}
		for _, v := range b.Violations {
			seen[v.ID]++
		}
	}
	if len(seen) != len(input) {
		t.Errorf("output covers %d distinct violations, input had %d", len(seen), len(input))
	}
	for _, v := range input {
		if seen[v.ID] != 1 {
			t.Errorf("violation %s appears %d times in output, want exactly 1", v.ID, seen[v.ID])
		}
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	if got := New(0, 0).Partition("t1", nil, ""); got != nil {
		t.Fatalf("empty input should yield no batches, got %v", got)
	}
}

func TestPartitionSingleViolation(t *testing.T) {
	in := []types.Violation{mkViolation("v1", types.KindLineLength, "a.py")}
	batches := New(0, 0).Partition("t1", in, "")
	if len(batches) != 1 || batches[0].Size() != 1 {
		t.Fatalf("want one batch of size 1, got %v", batches)
	}
	assertInvariants(t, in, batches)
}

func TestPartitionCapSplitsSingleFile(t *testing.T) {
	// 25 same-kind violations in one file: exactly two batches, 20 then 5,
	// input order preserved.
	var in []types.Violation
	for i := 0; i < 25; i++ {
		in = append(in, mkViolation(fmt.Sprintf("v%02d", i), types.KindLineLength, "x.py"))
	}

	batches := New(0, 0).Partition("t1", in, "")
	if len(batches) != 2 {
		t.Fatalf("want 2 batches, got %d", len(batches))
	}
	if batches[0].Size() != 20 || batches[1].Size() != 5 {
		t.Fatalf("want sizes 20+5, got %d+%d", batches[0].Size(), batches[1].Size())
	}
	if batches[0].Violations[0].ID != "v00" || batches[1].Violations[0].ID != "v20" {
		t.Error("split did not preserve input order")
	}
	assertInvariants(t, in, batches)
}

func TestPartitionFileCap(t *testing.T) {
	// 12 distinct files of one kind must split on the 10-file cap.
	var in []types.Violation
	for i := 0; i < 12; i++ {
		in = append(in, mkViolation(fmt.Sprintf("v%02d", i), types.KindNaming, fmt.Sprintf("f%02d.py", i)))
	}
	batches := New(0, 0).Partition("t1", in, types.StrategyByType)
	if len(batches) != 2 {
		t.Fatalf("want 2 batches, got %d", len(batches))
	}
	if len(batches[0].Files()) != 10 || len(batches[1].Files()) != 2 {
		t.Fatalf("want 10+2 files, got %d+%d", len(batches[0].Files()), len(batches[1].Files()))
	}
	assertInvariants(t, in, batches)
}

func TestPartitionByTypeGroupsKinds(t *testing.T) {
	in := []types.Violation{
		mkViolation("v1", types.KindLineLength, "a.py"),
		mkViolation("v2", types.KindConfigPolicy, "a.py"),
		mkViolation("v3", types.KindLineLength, "b.py"),
	}
	batches := New(0, 0).Partition("t1", in, types.StrategyByType)
	if len(batches) != 2 {
		t.Fatalf("want 2 batches, got %d", len(batches))
	}
	// Lexicographic key order: config/policy before style/line-length.
	if batches[0].Violations[0].Kind != types.KindConfigPolicy {
		t.Errorf("first batch should be config/policy, got %s", batches[0].Violations[0].Kind)
	}
	if batches[1].Size() != 2 {
		t.Errorf("style batch should hold both line-length violations")
	}
	assertInvariants(t, in, batches)
}

func TestPartitionByFileGroupsPaths(t *testing.T) {
	in := []types.Violation{
		mkViolation("v1", types.KindLineLength, "b.py"),
		mkViolation("v2", types.KindNaming, "a.py"),
		mkViolation("v3", types.KindConfigPolicy, "b.py"),
	}
	batches := New(0, 0).Partition("t1", in, types.StrategyByFile)
	if len(batches) != 2 {
		t.Fatalf("want 2 batches, got %d", len(batches))
	}
	if batches[0].Violations[0].FilePath != "a.py" {
		t.Errorf("file groups should come out in path order, got %s first", batches[0].Violations[0].FilePath)
	}
	assertInvariants(t, in, batches)
}

func TestPartitionByComplexitySplitsStreams(t *testing.T) {
	in := []types.Violation{
		mkViolation("v1", types.KindLineLength, "a.py"),      // 0.05 simple
		mkViolation("v2", types.KindSecurityTaint, "b.py"),   // 0.80 complex
		mkViolation("v3", types.KindConfigPolicy, "c.py"),    // 0.15 simple
		mkViolation("v4", types.KindConfigMigration, "d.py"), // 0.60 complex
	}
	batches := New(0, 0).Partition("t1", in, types.StrategyByComplexity)
	if len(batches) != 2 {
		t.Fatalf("want 2 batches, got %d", len(batches))
	}
	// "complex" sorts before "simple".
	if batches[0].Violations[0].ID != "v2" || batches[0].Violations[1].ID != "v4" {
		t.Errorf("complex stream wrong: %v", batches[0].Violations)
	}
	if batches[1].Violations[0].ID != "v1" || batches[1].Violations[1].ID != "v3" {
		t.Errorf("simple stream wrong: %v", batches[1].Violations)
	}
	assertInvariants(t, in, batches)
}

func TestMixedHeuristicDominantKind(t *testing.T) {
	var in []types.Violation
	for i := 0; i < 9; i++ {
		in = append(in, mkViolation(fmt.Sprintf("s%d", i), types.KindLineLength, fmt.Sprintf("d%d/f.py", i)))
	}
	in = append(in, mkViolation("x", types.KindSecurityTaint, "z/f.py"))

	batches := New(0, 0).Partition("t1", in, "")
	for _, b := range batches {
		if b.Strategy != types.StrategyByType {
			t.Fatalf("90%% single kind should resolve to by-type, got %s", b.Strategy)
		}
	}
	assertInvariants(t, in, batches)
}

func TestMixedHeuristicDominantDirectory(t *testing.T) {
	kinds := []types.ViolationKind{
		types.KindLineLength, types.KindNaming, types.KindConfigPolicy,
		types.KindLoggingConvention, types.KindUnusedImport,
	}
	var in []types.Violation
	for i := 0; i < 9; i++ {
		in = append(in, mkViolation(fmt.Sprintf("s%d", i), kinds[i%len(kinds)], fmt.Sprintf("pkg/f%d.py", i)))
	}
	in = append(in, mkViolation("x", types.KindArchCycle, "other/f.py"))

	batches := New(0, 0).Partition("t1", in, "")
	for _, b := range batches {
		if b.Strategy != types.StrategyByFile {
			t.Fatalf("90%% single directory should resolve to by-file, got %s", b.Strategy)
		}
	}
	assertInvariants(t, in, batches)
}

func TestUnknownKindBucketed(t *testing.T) {
	in := []types.Violation{
		mkViolation("v1", "weird/thing", "a.py"),
		mkViolation("v2", "another/oddity", "b.py"),
		mkViolation("v3", types.KindLineLength, "c.py"),
	}
	batches := New(0, 0).Partition("t1", in, types.StrategyByType)
	// Unknown kinds share the reserved bucket: style batch + unknown batch.
	if len(batches) != 2 {
		t.Fatalf("want 2 batches, got %d", len(batches))
	}
	assertInvariants(t, in, batches)
}

func TestPartitionIdempotent(t *testing.T) {
	var in []types.Violation
	for i := 0; i < 37; i++ {
		kind := types.KindLineLength
		if i%3 == 0 {
			kind = types.KindConfigMigration
		}
		in = append(in, mkViolation(fmt.Sprintf("v%02d", i), kind, fmt.Sprintf("d%d/f%d.py", i%4, i)))
	}

	o := New(0, 0)
	first := o.Partition("t1", in, "")
	second := o.Partition("t1", flatten(first), "")

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-partitioning already-partitioned input changed the result:\n%s", diff)
	}
}

func TestPartitionDeterministic(t *testing.T) {
	in := []types.Violation{
		mkViolation("v1", types.KindSecurityTaint, "a/x.py"),
		mkViolation("v2", types.KindLineLength, "b/y.py"),
		mkViolation("v3", types.KindConfigPolicy, "a/z.py"),
	}
	o := New(0, 0)
	first := o.Partition("t9", in, "")
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, o.Partition("t9", in, "")); diff != "" {
			t.Fatalf("partition not deterministic:\n%s", diff)
		}
	}
}

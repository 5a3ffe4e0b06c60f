// Package index provides the read-only pattern corpus the daemon consults to
// estimate fix confidence. Similarity is keyword overlap (Jaccard) over
// pre-tokenized keyword sets; the corpus is small enough (≤1e4 entries) that
// an O(N) scan per query is acceptable. The Searcher interface is the seam
// for a future dense-embedding backend.
package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"fixwarden/internal/logging"
	"fixwarden/internal/types"
)

// Searcher answers top-k similarity queries over the fix-pattern corpus.
type Searcher interface {
	Query(text string, topK int) types.RetrievalContext
	Stats() Stats
}

// Stats describes the loaded corpus.
type Stats struct {
	Commits int    `json:"commits"`
	Chunks  int    `json:"chunks"`
	Version string `json:"version"`
	BuiltAt string `json:"built_at"`
}

// entry is one pre-tokenized corpus item.
type entry struct {
	id       string
	source   types.RetrievalSource
	keywords map[string]struct{}
	payload  json.RawMessage
}

// Index is the in-memory keyword index. Read-only after Load, safe for
// concurrent queries.
type Index struct {
	entries []entry
	stats   Stats
}

// Corpus artifact filenames.
const (
	commitsFile  = "git_commits.json"
	chunksFile   = "chunks.json"
	metadataFile = "metadata.json"
)

type commitRecord struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Files    []string `json:"files"`
	Keywords []string `json:"keywords"`
}

type chunkRecord struct {
	ID       string   `json:"id"`
	File     string   `json:"file"`
	Snippet  string   `json:"snippet"`
	Keywords []string `json:"keywords"`
}

type metadataRecord struct {
	Version string `json:"version"`
	BuiltAt string `json:"built_at"`
}

// Load opens the corpus directory and builds the index eagerly. A missing
// directory yields an empty index (queries return confidence 0); corrupt
// artifacts are a load error the caller should treat as fatal at startup.
func Load(dir string) (*Index, error) {
	idx := &Index{}

	if dir == "" {
		logging.Index("no corpus directory configured, index is empty")
		return idx, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logging.Index("corpus directory %s absent, index is empty", dir)
		return idx, nil
	}

	var commits []commitRecord
	if err := readJSON(filepath.Join(dir, commitsFile), &commits); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", commitsFile, err)
	}
	for _, c := range commits {
		kw := keywordSet(c.Keywords)
		if len(kw) == 0 {
			kw = tokenSet(c.Message + " " + strings.Join(c.Files, " "))
		}
		payload, _ := json.Marshal(c)
		idx.entries = append(idx.entries, entry{
			id:       c.ID,
			source:   types.SourceCommit,
			keywords: kw,
			payload:  payload,
		})
	}
	idx.stats.Commits = len(commits)

	var chunks []chunkRecord
	if err := readJSON(filepath.Join(dir, chunksFile), &chunks); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", chunksFile, err)
	}
	for _, c := range chunks {
		kw := keywordSet(c.Keywords)
		if len(kw) == 0 {
			kw = tokenSet(c.File + " " + c.Snippet)
		}
		payload, _ := json.Marshal(c)
		idx.entries = append(idx.entries, entry{
			id:       c.ID,
			source:   types.SourceCodeChunk,
			keywords: kw,
			payload:  payload,
		})
	}
	idx.stats.Chunks = len(chunks)

	var meta metadataRecord
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", metadataFile, err)
	}
	idx.stats.Version = meta.Version
	idx.stats.BuiltAt = meta.BuiltAt

	logging.Index("corpus loaded: %d commits, %d chunks, version=%s",
		idx.stats.Commits, idx.stats.Chunks, idx.stats.Version)
	return idx, nil
}

// readJSON decodes a JSON artifact; a missing file decodes to the zero value.
func readJSON(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dst)
}

// Query returns the top-k entries by Jaccard similarity against the query's
// token set, ordered by similarity descending with ties broken by stable
// entry order. Confidence is the max similarity, 0 when no entry overlaps.
func (idx *Index) Query(text string, topK int) types.RetrievalContext {
	tokens := tokenSet(text)
	if len(tokens) == 0 || len(idx.entries) == 0 {
		return types.RetrievalContext{}
	}

	type scored struct {
		pos int
		sim float64
	}
	var hits []scored
	for i, e := range idx.entries {
		sim := jaccard(tokens, e.keywords)
		if sim > 0 {
			hits = append(hits, scored{pos: i, sim: sim})
		}
	}
	if len(hits) == 0 {
		return types.RetrievalContext{}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].sim > hits[j].sim
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	ctx := types.RetrievalContext{Confidence: hits[0].sim}
	for _, h := range hits {
		e := idx.entries[h.pos]
		ctx.Matches = append(ctx.Matches, types.RetrievalMatch{
			EntryID:    e.id,
			SourceKind: e.source,
			Similarity: h.sim,
			Payload:    e.payload,
		})
	}
	return ctx
}

// Stats returns corpus counts and version.
func (idx *Index) Stats() Stats { return idx.stats }

// jaccard computes |a∩b| / |a∪b| over two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// stopWords are tokens too common to carry signal. Deliberately small; the
// identifier-length filter removes most noise already.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "into": {},
	"this": {}, "that": {}, "are": {}, "was": {}, "not": {}, "has": {},
	"fix": {}, "fixed": {}, "add": {}, "added": {}, "remove": {}, "removed": {},
	"update": {}, "updated": {}, "file": {}, "files": {}, "line": {},
}

// tokenSet tokenizes text into lowercase identifier-like tokens: split on
// non-alphanumerics, drop tokens shorter than 3 chars and the stop set.
func tokenSet(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var b strings.Builder
	flush := func() {
		if b.Len() >= 3 {
			tok := strings.ToLower(b.String())
			if _, stop := stopWords[tok]; !stop {
				tokens[tok] = struct{}{}
			}
		}
		b.Reset()
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// keywordSet normalizes a pre-tokenized keyword list through the same filter
// as free text, so corpus keywords and query tokens agree.
func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, k := range keywords {
		for t := range tokenSet(k) {
			set[t] = struct{}{}
		}
	}
	return set
}

// QueryText builds the index query string for a batch: kinds, file paths and
// details concatenated, matching what the corpus keywords describe.
func QueryText(b types.Batch) string {
	var sb strings.Builder
	for _, v := range b.Violations {
		sb.WriteString(string(v.Kind))
		sb.WriteByte(' ')
		sb.WriteString(v.FilePath)
		sb.WriteByte(' ')
		if v.Detail != "" {
			sb.WriteString(v.Detail)
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}

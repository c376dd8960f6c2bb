// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package knowledge

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdiddy/curation-engine/internal/backend"
	"github.com/pdiddy/curation-engine/internal/telemetry"
	"github.com/pdiddy/curation-engine/pkg/types"
)

// DefaultThreshold is the merge threshold used when none is configured.
const DefaultThreshold = 0.85

// entryNamespace seeds deterministic entry IDs.
var entryNamespace = uuid.MustParse("6f1d3f0e-7a4b-5c2d-9e8f-0a1b2c3d4e5f")

// TableOptions configures a Table.
type TableOptions struct {
	// Threshold is τ: candidates at or above it merge. Zero selects 0.85.
	Threshold float64

	// Policy picks the surviving text on merge. Empty selects MergeLonger.
	Policy types.MergePolicy

	// Encoder enables cosine similarity over embeddings. Optional.
	Encoder backend.Encoder

	// Similarity replaces the built-in similarity. The salient-word
	// prefilter is skipped when it is set.
	Similarity SimilarityFunc

	Metrics *telemetry.Metrics
	Sink    *telemetry.Sink
	Logger  *zap.Logger
}

// MergeResult reports what MergeOrInsert did with a candidate.
type MergeResult struct {
	// EntryID is the entry that now holds the candidate.
	EntryID string

	// Merged is false when the candidate became a new entry.
	Merged bool

	// Absorbed lists entries folded into EntryID by the same merge.
	Absorbed []string

	// SourcesAdded counts snippets that were new to the entry.
	SourcesAdded int
}

// member is one text folded into an entry. Similarity against an entry is
// the best score over its members, which keeps merging order-independent.
type member struct {
	text   string
	vector []float32
	words  map[string]bool
}

type record struct {
	entry   types.KnowledgeEntry
	members []member
	domains map[string]bool
	seq     int
}

// Table is the shared, deduplicated knowledge store of one run. It is safe
// for concurrent use; all mutations are serialized.
type Table struct {
	opts TableOptions

	mu      sync.Mutex
	records []*record
	byID    map[string]*record
	aliases map[string]string
	seq     int
}

// NewTable returns an empty table.
func NewTable(opts TableOptions) *Table {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Policy == "" {
		opts.Policy = types.MergeLonger
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Table{
		opts:    opts,
		byID:    make(map[string]*record),
		aliases: make(map[string]string),
	}
}

// Ingest adds a retrieved snippet. attributed, when non-empty, is the text
// the snippet was cited for and becomes the candidate's canonical text.
func (t *Table) Ingest(ctx context.Context, snippet types.Snippet, attributed string) (MergeResult, error) {
	text := strings.TrimSpace(attributed)
	if text == "" {
		text = strings.TrimSpace(snippet.Text)
	}
	if text == "" {
		return MergeResult{}, backend.Malformed(backend.KindRM, "snippet %s has no text", snippet.SourceID)
	}
	return t.MergeOrInsert(ctx, types.KnowledgeEntry{Text: text, Sources: []types.Snippet{snippet}})
}

// MergeOrInsert folds candidate into every entry whose similarity reaches
// the threshold, merging those entries with each other as well, or inserts
// it as a new entry when none does.
func (t *Table) MergeOrInsert(ctx context.Context, candidate types.KnowledgeEntry) (MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return MergeResult{}, backend.Cancelled(err)
	}
	candidate.Text = strings.TrimSpace(candidate.Text)

	// Embed outside the lock; a failed embedding falls back to lexical scoring.
	vector := candidate.Embedding
	if vector == nil && t.opts.Encoder != nil && t.opts.Similarity == nil {
		v, err := t.opts.Encoder.Embed(ctx, candidate.Text)
		if err != nil {
			if backend.IsCancelled(err) {
				return MergeResult{}, err
			}
			t.opts.Logger.Debug("embedding failed, using lexical similarity", zap.Error(err))
		} else {
			vector = v
		}
	}
	cm := member{text: candidate.Text, vector: vector, words: salient(candidate.Text)}
	cdomains := make(map[string]bool)
	for _, s := range candidate.Sources {
		cdomains[domain(s.SourceID)] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var matches []*record
	for _, r := range t.records {
		if t.score(cm, cdomains, r) >= t.opts.Threshold {
			matches = append(matches, r)
		}
	}

	if len(matches) == 0 {
		r := t.insert(candidate, cm, cdomains)
		t.opts.Metrics.Knowledge("insert")
		t.opts.Sink.Emit(telemetry.Event{Kind: telemetry.EventInsert, Stage: "knowledge", Subject: r.entry.ID})
		return MergeResult{EntryID: r.entry.ID}, nil
	}

	// records are kept in insertion order, so matches[0] is the oldest.
	survivor := matches[0]
	res := MergeResult{EntryID: survivor.entry.ID, Merged: true}
	for _, r := range matches[1:] {
		survivor.absorb(r, t.opts.Policy)
		res.Absorbed = append(res.Absorbed, r.entry.ID)
		t.remove(r, survivor.entry.ID)
	}
	res.SourcesAdded = survivor.entry.AddSources(candidate.Sources...)
	survivor.addMember(cm, cdomains, t.opts.Policy)

	if res.SourcesAdded > 0 || len(res.Absorbed) > 0 {
		t.opts.Metrics.Knowledge("merge")
		t.opts.Sink.Emit(telemetry.Event{
			Kind:    telemetry.EventMerge,
			Stage:   "knowledge",
			Subject: survivor.entry.ID,
			Fields:  map[string]any{"absorbed": len(res.Absorbed), "sources_added": res.SourcesAdded},
		})
	}
	return res, nil
}

// score returns the best similarity between the candidate and any member of r.
func (t *Table) score(cm member, cdomains map[string]bool, r *record) float64 {
	if t.opts.Similarity != nil {
		best := 0.0
		for _, m := range r.members {
			if s := t.opts.Similarity(cm.text, m.text); s > best {
				best = s
			}
		}
		return best
	}
	best := 0.0
	for _, m := range r.members {
		if m.text == cm.text {
			return 1
		}
		if !sharesAny(cm.words, m.words) && !sharesAny(cdomains, r.domains) {
			continue
		}
		var s float64
		if cm.vector != nil && m.vector != nil {
			s = Cosine(cm.vector, m.vector)
		} else {
			s = Lexical(cm.text, m.text)
		}
		if s > best {
			best = s
		}
	}
	return best
}

func (t *Table) insert(candidate types.KnowledgeEntry, cm member, cdomains map[string]bool) *record {
	t.seq++
	id := uuid.NewSHA1(entryNamespace, []byte(candidate.Text)).String()
	for n := 1; t.byID[id] != nil || t.aliases[id] != ""; n++ {
		id = uuid.NewSHA1(entryNamespace, []byte(candidate.Text+"#"+strconv.Itoa(n))).String()
	}
	r := &record{
		entry: types.KnowledgeEntry{
			ID:        id,
			Text:      candidate.Text,
			Embedding: cm.vector,
		},
		members: []member{cm},
		domains: cdomains,
		seq:     t.seq,
	}
	r.entry.AddSources(candidate.Sources...)
	t.records = append(t.records, r)
	t.byID[id] = r
	return r
}

// remove drops r from the live set; its ID keeps resolving to into.
func (t *Table) remove(r *record, into string) {
	for i, x := range t.records {
		if x == r {
			t.records = append(t.records[:i], t.records[i+1:]...)
			break
		}
	}
	delete(t.byID, r.entry.ID)
	t.aliases[r.entry.ID] = into
	for old, target := range t.aliases {
		if target == r.entry.ID {
			t.aliases[old] = into
		}
	}
}

func (r *record) absorb(other *record, policy types.MergePolicy) {
	r.entry.AddSources(other.entry.Sources...)
	for _, m := range other.members {
		r.addMember(m, other.domains, policy)
	}
}

func (r *record) addMember(m member, domains map[string]bool, policy types.MergePolicy) {
	for d := range domains {
		r.domains[d] = true
	}
	for _, existing := range r.members {
		if existing.text == m.text {
			return
		}
	}
	r.members = append(r.members, m)
	if policy == types.MergeLonger && len(m.text) > len(r.entry.Text) {
		r.entry.Text = m.text
		r.entry.Embedding = m.vector
	}
}

func sharesAny(a, b map[string]bool) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

// Scored is a query hit.
type Scored struct {
	Entry types.KnowledgeEntry
	Score float64
}

// Query returns up to topK entries most similar to text, best first.
// Entries scoring zero are omitted.
func (t *Table) Query(ctx context.Context, text string, topK int) ([]Scored, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Cancelled(err)
	}
	var vector []float32
	if t.opts.Encoder != nil && t.opts.Similarity == nil {
		if v, err := t.opts.Encoder.Embed(ctx, text); err == nil {
			vector = v
		} else if backend.IsCancelled(err) {
			return nil, err
		}
	}

	t.mu.Lock()
	hits := make([]Scored, 0, len(t.records))
	seqs := make(map[string]int, len(t.records))
	for _, r := range t.records {
		best := 0.0
		for _, m := range r.members {
			var s float64
			switch {
			case t.opts.Similarity != nil:
				s = t.opts.Similarity(text, m.text)
			case vector != nil && m.vector != nil:
				s = Cosine(vector, m.vector)
			default:
				s = Overlap(text, m.text)
			}
			if s > best {
				best = s
			}
		}
		if best > 0 {
			hits = append(hits, Scored{Entry: r.entry.Clone(), Score: best})
			seqs[r.entry.ID] = r.seq
		}
	}
	t.mu.Unlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return seqs[hits[i].Entry.ID] < seqs[hits[j].Entry.ID]
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Entries returns a snapshot of all entries in insertion order.
func (t *Table) Entries() []types.KnowledgeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.KnowledgeEntry, len(t.records))
	for i, r := range t.records {
		out[i] = r.entry.Clone()
	}
	return out
}

// Entry returns the entry with id. IDs of entries folded into another
// resolve to the surviving entry.
func (t *Table) Entry(id string) (types.KnowledgeEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target, ok := t.aliases[id]; ok {
		id = target
	}
	r, ok := t.byID[id]
	if !ok {
		return types.KnowledgeEntry{}, false
	}
	return r.entry.Clone(), true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Restore loads previously saved entries, e.g. from a Store, merging them
// as ordinary candidates.
func (t *Table) Restore(ctx context.Context, entries []types.KnowledgeEntry) error {
	for _, e := range entries {
		if _, err := t.MergeOrInsert(ctx, types.KnowledgeEntry{Text: e.Text, Sources: e.Sources}); err != nil {
			return err
		}
	}
	return nil
}

package search

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Field weights applied to the token indexes.
const (
	weightDescription = 0.90
	weightReadme      = 0.75
	weightAPISymbols  = 0.70
	weightAPIDocText  = 0.40

	// Thresholds below which the expensive API-doc-text pass is attempted.
	coreScoreThreshold   = 0.40
	symbolScoreThreshold = 0.30

	// Low-value pruning of text results.
	lowValueFraction = 0.20
	lowValueFloor    = 0.05
)

// Options configures an Index.
type Options struct {
	TextBudget      time.Duration
	RescoreInterval time.Duration
	MaxQueryLength  int
	DefaultLimit    int
	MaxLimit        int
}

func (o *Options) fillDefaults() {
	if o.TextBudget <= 0 {
		o.TextBudget = 500 * time.Millisecond
	}
	if o.RescoreInterval <= 0 {
		o.RescoreInterval = 12 * time.Hour
	}
	if o.MaxQueryLength <= 0 {
		o.MaxQueryLength = 256
	}
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = 10
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = 100
	}
}

// Index is the in-memory package index. It is owned and mutated by a single
// process; concurrent readers are served throughout updates. A document
// update applies in fixed phases (name, description, readme, API pages,
// likes, timestamp) with yield points in between, so a concurrent search may
// observe a partially updated document. That staleness window is small and
// self-heals on the next update.
type Index struct {
	opts    Options
	mu      sync.RWMutex
	docs    map[string]*PackageDocument
	names   *nameIndex
	desc    *tokenIndex
	readme  *tokenIndex
	symbols *tokenIndex
	apiDoc  *tokenIndex
	likes   *likeTracker
	ready   atomic.Bool
	updated atomic.Int64 // unix nanos of last mutation
	logger  *slog.Logger
	now     func() time.Time
}

// NewIndex creates an empty Index.
func NewIndex(opts Options) *Index {
	opts.fillDefaults()
	return &Index{
		opts:    opts,
		docs:    make(map[string]*PackageDocument),
		names:   newNameIndex(),
		desc:    newTokenIndex(),
		readme:  newTokenIndex(),
		symbols: newTokenIndex(),
		apiDoc:  newTokenIndex(),
		likes:   newLikeTracker(opts.RescoreInterval),
		logger:  slog.Default().With("component", "package-index"),
		now:     time.Now,
	}
}

// MarkReady switches the index into serving mode. Background catch-up may
// still be running; readiness only asserts the snapshot (or minimal
// bootstrap) has been applied.
func (idx *Index) MarkReady() {
	idx.ready.Store(true)
	idx.logger.Info("index marked ready", "documents", idx.DocCount())
}

// IsReady reports whether MarkReady has been called.
func (idx *Index) IsReady() bool {
	return idx.ready.Load()
}

// DocCount returns the number of indexed documents.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}

// LastUpdated returns the time of the last index mutation.
func (idx *Index) LastUpdated() time.Time {
	n := idx.updated.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// DocTimestamp returns the index-entry freshness marker for pkg, or zero if
// the package is not indexed.
func (idx *Index) DocTimestamp(pkg string) time.Time {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if doc, ok := idx.docs[pkg]; ok {
		return doc.Timestamp
	}
	return time.Time{}
}

// AddPackage replaces the document for doc.Package and incrementally updates
// the sub-indexes phase by phase. Each phase is atomic; the whole update is
// not.
func (idx *Index) AddPackage(ctx context.Context, doc *PackageDocument) {
	if doc.Timestamp.IsZero() {
		doc.Timestamp = idx.now()
	}

	idx.mu.Lock()
	idx.docs[doc.Package] = doc
	idx.mu.Unlock()

	idx.names.add(doc.Package)
	runtime.Gosched()

	idx.desc.add(doc.Package, doc.Package+" "+doc.Description)
	runtime.Gosched()

	idx.readme.add(doc.Package, doc.Readme)
	runtime.Gosched()

	var symbols, textBlocks []string
	for _, page := range doc.APIDocPages {
		symbols = append(symbols, page.Symbols...)
		textBlocks = append(textBlocks, page.TextBlocks...)
	}
	idx.symbols.add(doc.Package, strings.Join(symbols, " "))
	runtime.Gosched()
	idx.apiDoc.add(doc.Package, strings.Join(textBlocks, " "))
	runtime.Gosched()

	idx.likes.set(doc.Package, doc.LikeCount)

	idx.updated.Store(idx.now().UnixNano())
	idx.logger.Debug("package indexed", "package", doc.Package, "version", doc.Version)
}

// RemovePackage drops the package from every sub-index. Removing an absent
// package is a no-op.
func (idx *Index) RemovePackage(pkg string) {
	idx.mu.Lock()
	_, existed := idx.docs[pkg]
	delete(idx.docs, pkg)
	idx.mu.Unlock()

	idx.names.remove(pkg)
	idx.desc.remove(pkg)
	idx.readme.remove(pkg)
	idx.symbols.remove(pkg)
	idx.apiDoc.remove(pkg)
	idx.likes.remove(pkg)

	if existed {
		idx.updated.Store(idx.now().UnixNano())
		idx.logger.Info("package removed from index", "package", pkg)
	}
}

// ForceRescore recomputes the like percentile ranks immediately.
func (idx *Index) ForceRescore() {
	idx.likes.rescoreIfNeeded(true)
}

// Search executes a validated, filtered, ranked, paginated query. Partial
// index staleness degrades results, it never fails a query.
func (idx *Index) Search(ctx context.Context, req Request) (*Result, error) {
	q, err := parseRequest(req, idx.opts.MaxQueryLength, idx.opts.DefaultLimit, idx.opts.MaxLimit)
	if err != nil {
		return nil, err
	}

	candidates := idx.applyFilters(q)

	hasText := len(q.tokens) > 0 || len(q.phrases) > 0 || q.text != ""
	var text Score
	if hasText {
		text = idx.textScore(q, candidates)
		candidates = idx.projectDocs(candidates, text.Keys())
	}

	ranked := idx.rank(q, candidates, text, hasText)

	var highlighted *Hit
	if q.order == OrderTop && !q.hasScope() && q.offset == 0 && hasText && len(q.phrases) == 0 {
		highlighted = idx.exactNameHit(q.text)
		if highlighted != nil {
			ranked = removeHit(ranked, highlighted.Package)
		}
	}

	total := len(ranked)
	start := q.offset
	if start > total {
		start = total
	}
	end := start + q.limit
	if end > total {
		end = total
	}

	return &Result{
		TotalCount:     total,
		HighlightedHit: highlighted,
		Hits:           ranked[start:end],
	}, nil
}

// applyFilters walks the structural filters in sequence and returns the
// matching documents.
func (idx *Index) applyFilters(q *parsedQuery) map[string]*PackageDocument {
	idx.mu.RLock()
	universe := make(map[string]*PackageDocument, len(idx.docs))
	for name, doc := range idx.docs {
		universe[name] = doc
	}
	idx.mu.RUnlock()

	if q.namePrefix != "" {
		allowed := idx.names.withPrefix(q.namePrefix)
		for name := range universe {
			if _, ok := allowed[name]; !ok {
				delete(universe, name)
			}
		}
	}
	for name, doc := range universe {
		if !matchesTags(doc, q.includeTags, q.excludeTags) {
			delete(universe, name)
			continue
		}
		if !matchesDependencies(doc, q.dependencies, q.allDeps) {
			delete(universe, name)
			continue
		}
		if !matchesOwnership(doc, q.publishers, q.emails) {
			delete(universe, name)
		}
	}
	return universe
}

func matchesTags(doc *PackageDocument, include, exclude []string) bool {
	for _, tag := range include {
		if !doc.HasTag(tag) {
			return false
		}
	}
	for _, tag := range exclude {
		if doc.HasTag(tag) {
			return false
		}
	}
	return true
}

func matchesDependencies(doc *PackageDocument, direct, transitive []string) bool {
	for _, dep := range direct {
		if !doc.DependsOn(dep, false) {
			return false
		}
	}
	for _, dep := range transitive {
		if !doc.DependsOn(dep, true) {
			return false
		}
	}
	return true
}

func matchesOwnership(doc *PackageDocument, publishers, emails []string) bool {
	for _, pub := range publishers {
		if doc.PublisherID != pub {
			return false
		}
	}
	for _, email := range emails {
		found := false
		for _, e := range doc.UploaderEmails {
			if strings.EqualFold(e, email) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// textScore runs the ranked text search: name/description/readme form the
// core score, API symbols are always scored (cheap), and the full API doc
// text is scored only when nothing good has been found yet and the wall
// clock budget has not run out.
func (idx *Index) textScore(q *parsedQuery, candidates map[string]*PackageDocument) Score {
	deadline := idx.now().Add(idx.opts.TextBudget)
	keys := docKeys(candidates)

	name := idx.names.score(q.text).Project(keys)
	desc := scale(idx.desc.searchTokens(q.tokens), weightDescription).Project(keys)
	readme := scale(idx.readme.searchTokens(q.tokens), weightReadme).Project(keys)
	core := MaxScore(name, desc, readme)

	symbols := scale(idx.symbols.searchTokens(q.tokens), weightAPISymbols).Project(keys)
	combined := MaxScore(core, symbols)

	if core.MaxValue() < coreScoreThreshold && symbols.MaxValue() < symbolScoreThreshold {
		if idx.now().Before(deadline) {
			apiText := scale(idx.apiDoc.searchTokens(q.tokens), weightAPIDocText).Project(keys)
			combined = MaxScore(combined, apiText)
		} else {
			idx.logger.Warn("text search budget exceeded, skipping api doc text pass",
				"budget", idx.opts.TextBudget,
				"query", q.text,
			)
		}
	}

	combined = combined.RemoveLowValues(lowValueFraction, lowValueFloor)

	if len(q.phrases) > 0 {
		for pkg := range combined {
			if !containsAllPhrases(candidates[pkg], q.phrases) {
				delete(combined, pkg)
			}
		}
	}
	return combined
}

// containsAllPhrases requires literal (case-insensitive) substring
// containment of every phrase in name, description, or readme.
func containsAllPhrases(doc *PackageDocument, phrases []string) bool {
	if doc == nil {
		return false
	}
	name := strings.ToLower(doc.Package)
	desc := strings.ToLower(doc.Description)
	readme := strings.ToLower(doc.Readme)
	for _, phrase := range phrases {
		p := strings.ToLower(phrase)
		if !strings.Contains(name, p) && !strings.Contains(desc, p) && !strings.Contains(readme, p) {
			return false
		}
	}
	return true
}

// rank orders the candidate set per the requested order. Ties break by most
// recent update, then package name for determinism.
func (idx *Index) rank(q *parsedQuery, candidates map[string]*PackageDocument, text Score, hasText bool) []Hit {
	type entry struct {
		hit Hit
		doc *PackageDocument
	}
	entries := make([]entry, 0, len(candidates))

	var overall Score
	if q.order == OrderTop {
		overall = idx.overallScore(q, candidates, text, hasText)
	}

	for pkg, doc := range candidates {
		var score float64
		switch q.order {
		case OrderTop:
			score = overall[pkg]
		case OrderText:
			score = text[pkg]
		case OrderPopularity:
			score = doc.Popularity
		case OrderLike:
			score = float64(doc.LikeCount)
		case OrderPoints:
			score = float64(doc.GrantedPoints)
		}
		entries = append(entries, entry{hit: Hit{Package: pkg, Score: score}, doc: doc})
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch q.order {
		case OrderCreated:
			if !a.doc.Created.Equal(b.doc.Created) {
				return a.doc.Created.After(b.doc.Created)
			}
		case OrderUpdated:
			if !a.doc.Updated.Equal(b.doc.Updated) {
				return a.doc.Updated.After(b.doc.Updated)
			}
		default:
			if a.hit.Score != b.hit.Score {
				return a.hit.Score > b.hit.Score
			}
		}
		if !a.doc.Updated.Equal(b.doc.Updated) {
			return a.doc.Updated.After(b.doc.Updated)
		}
		return a.hit.Package < b.hit.Package
	})

	hits := make([]Hit, len(entries))
	for i, e := range entries {
		hits[i] = e.hit
	}
	return hits
}

// overallScore blends popularity and like score 50/50 with the quality
// points ratio, then multiplies in the text score and, for SDK-scoped
// queries, a specificity boost for packages supporting fewer SDKs.
func (idx *Index) overallScore(q *parsedQuery, candidates map[string]*PackageDocument, text Score, hasText bool) Score {
	quality := make(Score, len(candidates))
	for pkg, doc := range candidates {
		signal := (doc.Popularity + idx.likes.scoreOf(pkg)) / 2
		quality[pkg] = 0.5*signal + 0.5*doc.QualityRatio()
	}
	overall := quality
	if hasText {
		overall = MultiplyScores(text, quality.Project(text.Keys())).Project(text.Keys())
	}
	if sdkScoped(q.includeTags) {
		overall = MultiplyScores(overall, sdkSpecificity(candidates).Project(overall.Keys()))
	}
	return overall
}

func sdkScoped(tags []string) bool {
	for _, tag := range tags {
		if strings.HasPrefix(tag, "sdk:") {
			return true
		}
	}
	return false
}

// sdkSpecificity boosts packages targeting fewer SDKs: a package built for
// exactly the requested SDK outranks a catch-all one, all else equal.
func sdkSpecificity(candidates map[string]*PackageDocument) Score {
	s := make(Score, len(candidates))
	for pkg, doc := range candidates {
		n := 0
		for _, tag := range doc.Tags {
			if strings.HasPrefix(tag, "sdk:") {
				n++
			}
		}
		if n <= 1 {
			s[pkg] = 1.0
		} else {
			s[pkg] = 1.0 / (1.0 + 0.1*float64(n-1))
		}
	}
	return s
}

// exactNameHit promotes a single exact package-name match, case-sensitive
// first, then case-insensitive.
func (idx *Index) exactNameHit(text string) *Hit {
	name := strings.TrimSpace(text)
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if _, ok := idx.docs[name]; ok {
		return &Hit{Package: name, Score: 1.0}
	}
	var match string
	for pkg := range idx.docs {
		if strings.EqualFold(pkg, name) {
			if match != "" {
				return nil // ambiguous, no promotion
			}
			match = pkg
		}
	}
	if match == "" {
		return nil
	}
	return &Hit{Package: match, Score: 1.0}
}

func removeHit(hits []Hit, pkg string) []Hit {
	out := hits[:0]
	for _, h := range hits {
		if h.Package != pkg {
			out = append(out, h)
		}
	}
	return out
}

func (idx *Index) projectDocs(docs map[string]*PackageDocument, keys map[string]struct{}) map[string]*PackageDocument {
	out := make(map[string]*PackageDocument, len(keys))
	for k := range keys {
		if doc, ok := docs[k]; ok {
			out[k] = doc
		}
	}
	return out
}

func docKeys(docs map[string]*PackageDocument) map[string]struct{} {
	keys := make(map[string]struct{}, len(docs))
	for k := range docs {
		keys[k] = struct{}{}
	}
	return keys
}

func scale(s Score, factor float64) Score {
	out := make(Score, len(s))
	for k, v := range s {
		out[k] = v * factor
	}
	return out
}

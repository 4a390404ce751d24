package service

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"go.uber.org/zap"
)

// RedactionMarker replaces every redacted span.
const RedactionMarker = "[REDACTED]"

const duplicateShingleSize = 3

// DefaultGovernanceActions applies when a kind has no configured action.
// Kinds without spans can only be refused.
var DefaultGovernanceActions = map[domain.ViolationKind]domain.GovernanceAction{
	domain.ViolationLowQuality:         domain.ActionRefuse,
	domain.ViolationProhibitedCategory: domain.ActionRefuse,
	domain.ViolationDuplicate:          domain.ActionRefuse,
	domain.ViolationProhibitedTerm:     domain.ActionRedact,
	domain.ViolationPII:                domain.ActionRedact,
}

type GovernanceConfig struct {
	MinCoherence         float64
	ProhibitedCategories []string
	CategoryKey          string
	// ProhibitedTerms maps a category to the terms that reveal it.
	ProhibitedTerms    map[string][]string
	DuplicateThreshold float64
	HistorySize        int
	DetectPII          bool
	Actions            map[domain.ViolationKind]domain.GovernanceAction
}

// ResponseHistory returns a session's most recent accepted responses.
type ResponseHistory interface {
	RecentResponses(ctx context.Context, sessionID string, n int) ([]string, error)
}

// GovernanceGate checks generated text and the items it was built from.
// Every check runs; any violation fails the verdict.
type GovernanceGate struct {
	cfg        GovernanceConfig
	categories map[string]struct{}
	terms      []*regexp.Regexp
	pii        []*regexp.Regexp
	history    ResponseHistory
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?(?:\(\d{2,4}\)|\b\d{2,4})[\s.-]?\d{3}[\s.-]?\d{3,4}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
)

func NewGovernanceGate(cfg GovernanceConfig, history ResponseHistory, mt *metrics.Metrics, logger *zap.Logger) *GovernanceGate {
	if cfg.CategoryKey == "" {
		cfg.CategoryKey = "category"
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = 0.9
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}

	g := &GovernanceGate{
		cfg:        cfg,
		categories: make(map[string]struct{}, len(cfg.ProhibitedCategories)),
		history:    history,
		metrics:    mt,
		logger:     logger.With(zap.String("component", "governance")),
	}
	seen := map[string]bool{}
	addTerm := func(term string) {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || seen[term] {
			return
		}
		seen[term] = true
		g.terms = append(g.terms, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(term)+`\b`))
	}

	// A prohibited category name is itself a prohibited token in
	// generated text.
	for _, c := range cfg.ProhibitedCategories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		g.categories[c] = struct{}{}
		addTerm(c)
	}

	categories := make([]string, 0, len(cfg.ProhibitedTerms))
	for c := range cfg.ProhibitedTerms {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	for _, c := range categories {
		for _, term := range cfg.ProhibitedTerms[c] {
			addTerm(term)
		}
	}
	if cfg.DetectPII {
		g.pii = []*regexp.Regexp{emailPattern, cardPattern, phonePattern}
	}
	return g
}

// Validate runs every check. sessionID may be empty, which skips
// duplicate detection.
func (g *GovernanceGate) Validate(ctx context.Context, sessionID, text string, sources []*domain.KnowledgeItem) domain.GovernanceVerdict {
	found := map[domain.ViolationKind]bool{}
	var spans []domain.Span

	if Coherence(text) < g.cfg.MinCoherence {
		found[domain.ViolationLowQuality] = true
	}
	if g.prohibitedSource(sources) {
		found[domain.ViolationProhibitedCategory] = true
	}
	if s := g.termSpans(text); len(s) > 0 {
		found[domain.ViolationProhibitedTerm] = true
		spans = append(spans, s...)
	}
	if s := g.piiSpans(text); len(s) > 0 {
		found[domain.ViolationPII] = true
		spans = append(spans, s...)
	}
	if sessionID != "" && g.isDuplicate(ctx, sessionID, text) {
		found[domain.ViolationDuplicate] = true
	}

	verdict := domain.GovernanceVerdict{Passed: len(found) == 0}
	for _, kind := range []domain.ViolationKind{
		domain.ViolationLowQuality,
		domain.ViolationProhibitedCategory,
		domain.ViolationProhibitedTerm,
		domain.ViolationPII,
		domain.ViolationDuplicate,
	} {
		if found[kind] {
			verdict.Violations = append(verdict.Violations, kind)
			g.metrics.GovernanceViolation(string(kind))
		}
	}
	verdict.Redactions = mergeSpans(spans)

	if !verdict.Passed {
		kinds := make([]string, len(verdict.Violations))
		for i, k := range verdict.Violations {
			kinds[i] = string(k)
		}
		g.logger.Warn("governance violation",
			zap.String("session_id", sessionID),
			zap.Strings("kinds", kinds),
			zap.Int("redactions", len(verdict.Redactions)))
	}
	return verdict
}

// Action returns the configured action for kind.
func (g *GovernanceGate) Action(kind domain.ViolationKind) domain.GovernanceAction {
	if a, ok := g.cfg.Actions[kind]; ok && domain.IsValidGovernanceAction(a) {
		return a
	}
	if a, ok := DefaultGovernanceActions[kind]; ok {
		return a
	}
	return domain.ActionRefuse
}

// MustRefuse reports whether the verdict has a violation that cannot be
// handled by redaction.
func (g *GovernanceGate) MustRefuse(v domain.GovernanceVerdict) bool {
	for _, kind := range v.Violations {
		if g.Action(kind) == domain.ActionRefuse || !hasSpans(kind) {
			return true
		}
	}
	return false
}

func hasSpans(kind domain.ViolationKind) bool {
	return kind == domain.ViolationPII || kind == domain.ViolationProhibitedTerm
}

func (g *GovernanceGate) prohibitedSource(sources []*domain.KnowledgeItem) bool {
	if len(g.categories) == 0 {
		return false
	}
	for _, item := range sources {
		if item == nil {
			continue
		}
		c, _ := item.Metadata[g.cfg.CategoryKey].(string)
		if _, bad := g.categories[strings.ToLower(strings.TrimSpace(c))]; bad && c != "" {
			return true
		}
	}
	return false
}

func (g *GovernanceGate) termSpans(text string) []domain.Span {
	var spans []domain.Span
	for _, re := range g.terms {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, domain.Span{Start: loc[0], End: loc[1], Kind: domain.ViolationProhibitedTerm})
		}
	}
	return spans
}

func (g *GovernanceGate) piiSpans(text string) []domain.Span {
	var spans []domain.Span
	for _, re := range g.pii {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if re == cardPattern && !luhnValid(match) {
				continue
			}
			if re == phonePattern && countDigits(match) < 7 {
				continue
			}
			spans = append(spans, domain.Span{Start: loc[0], End: loc[1], Kind: domain.ViolationPII})
		}
	}
	return spans
}

func (g *GovernanceGate) isDuplicate(ctx context.Context, sessionID, text string) bool {
	if g.history == nil {
		return false
	}
	recent, err := g.history.RecentResponses(ctx, sessionID, g.cfg.HistorySize)
	if err != nil {
		g.logger.Warn("response history unavailable, skipping duplicate check",
			zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	current := shingles(text, duplicateShingleSize)
	if len(current) == 0 {
		return false
	}
	for _, prev := range recent {
		if jaccard(current, shingles(prev, duplicateShingleSize)) >= g.cfg.DuplicateThreshold {
			return true
		}
	}
	return false
}

// Coherence scores text in [0,1]: the share of letters and digits among
// visible characters times the share of distinct word trigrams. Empty or
// looping output scores low.
func Coherence(text string) float64 {
	var visible, alnum int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		visible++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	if visible == 0 {
		return 0
	}
	charScore := float64(alnum) / float64(visible)

	words := terms(text)
	if len(words) < duplicateShingleSize {
		return charScore
	}
	total := len(words) - duplicateShingleSize + 1
	distinct := len(shingles(text, duplicateShingleSize))
	return charScore * float64(distinct) / float64(total)
}

// Redact replaces each span with RedactionMarker. Spans must be sorted
// and non-overlapping, as Validate returns them.
func Redact(text string, spans []domain.Span) string {
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, s := range spans {
		if s.Start < last || s.End > len(text) {
			continue
		}
		b.WriteString(text[last:s.Start])
		b.WriteString(RedactionMarker)
		last = s.End
	}
	b.WriteString(text[last:])
	return b.String()
}

func mergeSpans(spans []domain.Span) []domain.Span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End > spans[j].End
	})
	out := []domain.Span{spans[0]}
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start < last.End {
			last.End = max(last.End, s.End)
			continue
		}
		out = append(out, s)
	}
	return out
}

func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

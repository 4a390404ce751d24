package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloo-solutions/strata/internal/cache"
	"github.com/cloo-solutions/strata/internal/domain"
	"github.com/cloo-solutions/strata/internal/metrics"
	"github.com/cloo-solutions/strata/internal/retry"
	"github.com/cloo-solutions/strata/internal/storage"
	"github.com/cloo-solutions/strata/internal/telemetry"
	"github.com/cloo-solutions/strata/internal/tokenizer"
	"go.uber.org/zap"
)

// PipelineState is a step of request processing. ERROR is absorbing.
type PipelineState string

const (
	StateReceived   PipelineState = "RECEIVED"
	StateRetrieving PipelineState = "RETRIEVING"
	StateAssembling PipelineState = "ASSEMBLING"
	StateGenerating PipelineState = "GENERATING"
	StateValidating PipelineState = "VALIDATING"
	StateDone       PipelineState = "DONE"
	StateError      PipelineState = "ERROR"
)

// RefusalReason tells callers whether retrying can help.
type RefusalReason string

const (
	ReasonTemporarilyUnavailable RefusalReason = "temporarily_unavailable"
	ReasonTimeout                RefusalReason = "timeout"
	ReasonGenerationFailed       RefusalReason = "generation_failed"
	ReasonPolicy                 RefusalReason = "policy"
)

const (
	refusalRetry  = "The service is temporarily unavailable. Please retry shortly."
	refusalPolicy = "This request cannot be answered under the content policy."
)

// Generator is the external text generation capability.
type Generator interface {
	Generate(ctx context.Context, messages []domain.Message) (string, error)
}

type Retriever interface {
	Search(ctx context.Context, query string, k int, filter domain.Filter, alpha float64) ([]*domain.SearchResult, error)
}

type Request struct {
	Query     string
	SessionID string
	Filters   domain.Filter
	Budget    time.Duration
}

type Refusal struct {
	Reason     RefusalReason
	Message    string
	Violations []domain.ViolationKind
}

// Response is the outcome of Process. Refusal is set exactly when
// State is ERROR; Text is then empty.
type Response struct {
	Text      string
	Citations []string
	Redacted  bool
	Verdict   domain.GovernanceVerdict
	State     PipelineState
	States    []PipelineState
	Refusal   *Refusal
}

type PipelineConfig struct {
	ContextTokenBudget int
	RequestTimeout     time.Duration
	Instructions       string
	CacheTTL           time.Duration
	HistoryTurns       int
}

// RAGPipeline is the single entry point for answering a query.
type RAGPipeline struct {
	optimizer    *QueryOptimizer
	cache        *cache.Manager
	retriever    Retriever
	access       cache.HitRecorder
	tokens       tokenizer.Counter
	generator    Generator
	gate         *GovernanceGate
	conversation *ConversationService
	cfg          PipelineConfig
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

type PipelineDeps struct {
	Optimizer    *QueryOptimizer
	Cache        *cache.Manager
	Retriever    Retriever
	Access       cache.HitRecorder
	Tokens       tokenizer.Counter
	Generator    Generator
	Gate         *GovernanceGate
	Conversation *ConversationService
}

func NewRAGPipeline(deps PipelineDeps, cfg PipelineConfig, mt *metrics.Metrics, logger *zap.Logger) *RAGPipeline {
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = 3000
	}
	if deps.Optimizer == nil {
		deps.Optimizer = NewQueryOptimizer(DefaultOptimizerConfig())
	}
	if deps.Tokens == nil {
		deps.Tokens = tokenizer.Estimator{}
	}
	return &RAGPipeline{
		optimizer:    deps.Optimizer,
		cache:        deps.Cache,
		retriever:    deps.Retriever,
		access:       deps.Access,
		tokens:       deps.Tokens,
		generator:    deps.Generator,
		gate:         deps.Gate,
		conversation: deps.Conversation,
		cfg:          cfg,
		metrics:      mt,
		logger:       logger.With(zap.String("component", "pipeline")),
	}
}

// run tracks one request through the state machine.
type run struct {
	p       *RAGPipeline
	resp    *Response
	span    *telemetry.Span
	logger  *zap.Logger
	started time.Time
}

func (r *run) enter(state PipelineState) {
	r.resp.State = state
	r.resp.States = append(r.resp.States, state)
	r.span.SetData("state", string(state))
	r.logger.Debug("pipeline transition", zap.String("state", string(state)))
}

func (r *run) refuse(reason RefusalReason, err error, violations []domain.ViolationKind) *Response {
	failedIn := r.resp.State
	r.enter(StateError)
	r.resp.Text = ""
	r.resp.Citations = nil
	msg := refusalRetry
	if reason == ReasonPolicy {
		msg = refusalPolicy
	}
	r.resp.Refusal = &Refusal{Reason: reason, Message: msg, Violations: violations}

	fields := []zap.Field{zap.String("reason", string(reason)), zap.String("failed_in", string(failedIn))}
	if err != nil {
		r.span.SetError(err)
		r.logger.Error("pipeline failed", append(fields, zap.Error(err))...)
	} else {
		r.logger.Warn("pipeline refused", fields...)
	}
	r.finish(string(reason))
	return r.resp
}

func (r *run) finish(reason string) {
	r.p.metrics.PipelineOutcome(string(r.resp.State), reason, time.Since(r.started))
	r.span.End()
}

// Process answers a query. Caller errors (validation, invalid filters)
// are returned as errors; every other failure ends in the ERROR state
// with a refusal in the response.
func (p *RAGPipeline) Process(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation, "query is required", domain.ErrMissingRequiredField)
	}
	if err := req.Filters.Validate(); err != nil {
		return nil, err
	}

	if p.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
		defer cancel()
	}
	ctx, span := telemetry.StartSpan(ctx, "pipeline.process", telemetry.SpanAttributes{
		SessionID: req.SessionID,
		Operation: "process",
	})

	r := &run{
		p:       p,
		resp:    &Response{},
		span:    span,
		logger:  p.logger.With(zap.String("session_id", req.SessionID)),
		started: time.Now(),
	}
	r.enter(StateReceived)

	r.enter(StateRetrieving)
	results, err := p.retrieve(ctx, req, r)
	if err != nil {
		if domain.IsCallerError(err) {
			r.finish("caller_error")
			return nil, err
		}
		return r.refuse(failureReason(ctx, err, ReasonTemporarilyUnavailable), err, nil), nil
	}

	r.enter(StateAssembling)
	used := p.assemble(results)
	messages := p.prompt(ctx, req, used, r)

	r.enter(StateGenerating)
	text, err := p.generate(ctx, messages, r)
	if err != nil {
		return r.refuse(failureReason(ctx, err, ReasonGenerationFailed), err, nil), nil
	}

	r.enter(StateValidating)
	sources := make([]*domain.KnowledgeItem, 0, len(used))
	citations := make([]string, 0, len(used))
	for _, res := range used {
		sources = append(sources, res.Item)
		citations = append(citations, res.ItemID)
	}
	verdict := domain.GovernanceVerdict{Passed: true}
	if p.gate != nil {
		verdict = p.gate.Validate(ctx, req.SessionID, text, sources)
	}
	r.resp.Verdict = verdict
	if !verdict.Passed {
		if p.gate.MustRefuse(verdict) {
			return r.refuse(ReasonPolicy, nil, verdict.Violations), nil
		}
		text = Redact(text, verdict.Redactions)
		r.resp.Redacted = true
	}

	r.resp.Text = text
	r.resp.Citations = citations
	r.enter(StateDone)
	p.record(ctx, req, text, r)
	r.logger.Info("pipeline done",
		zap.Int("citations", len(citations)),
		zap.Bool("redacted", r.resp.Redacted),
		zap.Duration("elapsed", time.Since(r.started)))
	r.finish("")
	return r.resp, nil
}

func failureReason(ctx context.Context, err error, fallback RefusalReason) RefusalReason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return fallback
}

// cachedResult is the cache payload of one retrieved item.
type cachedResult struct {
	ItemID        string         `json:"item_id"`
	Content       string         `json:"content"`
	Source        string         `json:"source"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LexicalScore  float64        `json:"lexical_score"`
	VectorScore   float64        `json:"vector_score"`
	CombinedScore float64        `json:"combined_score"`
}

func toCached(results []*domain.SearchResult) []cachedResult {
	out := make([]cachedResult, 0, len(results))
	for _, r := range results {
		c := cachedResult{
			ItemID:        r.ItemID,
			CreatedAt:     r.CreatedAt,
			LexicalScore:  r.LexicalScore,
			VectorScore:   r.VectorScore,
			CombinedScore: r.CombinedScore,
		}
		if r.Item != nil {
			c.Content = r.Item.Content
			c.Source = r.Item.Source
			c.Metadata = r.Item.Metadata
		}
		out = append(out, c)
	}
	return out
}

func fromCached(cached []cachedResult) []*domain.SearchResult {
	out := make([]*domain.SearchResult, 0, len(cached))
	for _, c := range cached {
		item := domain.NewKnowledgeItem(c.ItemID, c.Content, c.Source, c.Metadata, c.CreatedAt)
		out = append(out, &domain.SearchResult{
			ItemID:        c.ItemID,
			LexicalScore:  c.LexicalScore,
			VectorScore:   c.VectorScore,
			CombinedScore: c.CombinedScore,
			CreatedAt:     c.CreatedAt,
			Item:          item,
		})
	}
	return out
}

func (p *RAGPipeline) retrieve(ctx context.Context, req Request, r *run) ([]*domain.SearchResult, error) {
	stats := CacheStats{}
	if p.cache != nil {
		stats.HitRate, stats.OK = p.cache.Stats()
	}
	plan := p.optimizer.Plan(req.Query, req.Budget, stats)
	r.span.SetData("strategy", string(plan.Strategy))
	r.logger.Debug("retrieval plan",
		zap.String("strategy", string(plan.Strategy)),
		zap.Bool("use_cache", plan.UseCache),
		zap.Float64("alpha", plan.Alpha),
		zap.Int("k", plan.K),
		zap.Strings("tiers", tierNames(plan.TiersToScan)),
		zap.Bool("lexical_on_miss", plan.LexicalOnMiss))

	searchCold := func(ctx context.Context, alpha float64) ([]*domain.SearchResult, error) {
		if !plan.Scans(domain.TierCold) {
			return []*domain.SearchResult{}, nil
		}
		results, err := p.retriever.Search(ctx, req.Query, plan.K, req.Filters, alpha)
		if err != nil {
			return nil, err
		}
		p.recordAccess(ctx, results)
		return results, nil
	}

	if p.cache == nil || !plan.UseCache || !plan.Scans(domain.TierHot) {
		return searchCold(ctx, plan.Alpha)
	}

	key := cache.Key("retrieve", req.Query, req.Filters,
		fmt.Sprintf("k=%d", plan.K), fmt.Sprintf("alpha=%.2f", plan.Alpha))

	if plan.LexicalOnMiss {
		if v, ok := p.cache.Lookup(ctx, key); ok {
			r.span.SetData("cache_hit", true)
			return decodeRetrieval(v)
		}
		r.span.SetData("cache_hit", false)
		// Lexical-only ranking must not be served later under the
		// hybrid key, so the miss is not stored.
		return searchCold(ctx, 0)
	}

	var tags []string
	if src := req.Filters.Source(); src != "" {
		tags = append(tags, storage.SourceTag(src))
	}

	v, hit, err := p.cache.GetOrCompute(ctx, key, tags, p.cfg.CacheTTL, func(ctx context.Context) (cache.Value, error) {
		results, err := searchCold(ctx, plan.Alpha)
		if err != nil {
			return cache.Value{}, err
		}

		data, err := json.Marshal(toCached(results))
		if err != nil {
			return cache.Value{}, fmt.Errorf("encode retrieval: %w", err)
		}
		v := cache.Value{Data: data}
		seen := map[string]bool{}
		for _, res := range results {
			v.ItemIDs = append(v.ItemIDs, res.ItemID)
			if res.Item != nil && !seen[res.Item.Source] {
				seen[res.Item.Source] = true
				v.Tags = append(v.Tags, storage.SourceTag(res.Item.Source))
			}
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	r.span.SetData("cache_hit", hit)
	return decodeRetrieval(v)
}

func decodeRetrieval(v cache.Value) ([]*domain.SearchResult, error) {
	var cached []cachedResult
	if err := json.Unmarshal(v.Data, &cached); err != nil {
		return nil, fmt.Errorf("decode retrieval: %w", err)
	}
	return fromCached(cached), nil
}

func tierNames(tiers []domain.Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}

func (p *RAGPipeline) recordAccess(ctx context.Context, results []*domain.SearchResult) {
	if p.access == nil || len(results) == 0 {
		return
	}
	ids := make([]string, 0, len(results))
	for _, res := range results {
		ids = append(ids, res.ItemID)
	}
	p.access.RecordHits(ctx, ids)
}

// assemble keeps results in rank order while they fit the token budget.
// Lower-ranked items are dropped first.
func (p *RAGPipeline) assemble(results []*domain.SearchResult) []*domain.SearchResult {
	used := make([]*domain.SearchResult, 0, len(results))
	total := 0
	for _, res := range results {
		if res.Item == nil {
			continue
		}
		n := p.tokens.Count(contextEntry(len(used)+1, res.Item))
		if total+n > p.cfg.ContextTokenBudget {
			break
		}
		total += n
		used = append(used, res)
	}
	return used
}

func contextEntry(n int, item *domain.KnowledgeItem) string {
	return fmt.Sprintf("[%d] (%s) %s\n\n", n, item.Source, strings.TrimSpace(item.Content))
}

func (p *RAGPipeline) prompt(ctx context.Context, req Request, used []*domain.SearchResult, r *run) []domain.Message {
	var messages []domain.Message
	if p.cfg.Instructions != "" {
		messages = append(messages, domain.Message{Role: domain.RoleSystem, Content: p.cfg.Instructions})
	}

	if p.conversation != nil && req.SessionID != "" && p.cfg.HistoryTurns > 0 {
		turns, err := p.conversation.History(ctx, req.SessionID, p.cfg.HistoryTurns)
		if err != nil {
			r.logger.Warn("conversation history unavailable", zap.Error(err))
		}
		for _, t := range turns {
			messages = append(messages, domain.Message{Role: t.Role, Content: t.Content})
		}
	}

	var b strings.Builder
	if len(used) > 0 {
		b.WriteString("Context:\n\n")
		for i, res := range used {
			b.WriteString(contextEntry(i+1, res.Item))
		}
	}
	b.WriteString("Question: ")
	b.WriteString(req.Query)
	return append(messages, domain.Message{Role: domain.RoleUser, Content: b.String()})
}

func (p *RAGPipeline) generate(ctx context.Context, messages []domain.Message, r *run) (string, error) {
	var text string
	err := retry.Do(ctx, retry.GenerationPolicy(),
		func(err error) bool { return errors.Is(err, domain.ErrGenerationUnavailable) },
		func(ctx context.Context) error {
			out, err := p.generator.Generate(ctx, messages)
			if err != nil {
				return err
			}
			text = out
			return nil
		},
		func(err error, attempt int) {
			r.logger.Warn("generation failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		})
	return text, err
}

// record appends the exchange to the session and remembers the answer
// for duplicate detection. Failures are logged, the answer stands.
func (p *RAGPipeline) record(ctx context.Context, req Request, text string, r *run) {
	if p.conversation == nil || req.SessionID == "" {
		return
	}
	if _, err := p.conversation.Append(ctx, req.SessionID, domain.RoleUser, req.Query); err != nil {
		r.logger.Warn("failed to append user turn", zap.Error(err))
		return
	}
	if _, err := p.conversation.Append(ctx, req.SessionID, domain.RoleAssistant, text); err != nil {
		r.logger.Warn("failed to append assistant turn", zap.Error(err))
	}
	if err := p.conversation.Remember(ctx, req.SessionID, text); err != nil {
		r.logger.Warn("failed to remember response", zap.Error(err))
	}
}

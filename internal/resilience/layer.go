package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/crewline/helmsman/internal/budget"
	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/model"
	otelx "github.com/crewline/helmsman/internal/otel"
	"github.com/crewline/helmsman/internal/pricing"
)

// InvokeFunc performs one raw model call. The default implementation is
// the client's Chat method; the agent loop substitutes a streaming
// variant and tests substitute fakes.
type InvokeFunc func(ctx context.Context, messages []model.Message, tools []model.ToolDef) (*model.Response, error)

// Result carries the outcome of a resilient call: the response plus the
// possibly-compacted history and image scale the caller should keep
// using.
type Result struct {
	Response *model.Response
	Messages []model.Message
	Scale    int
}

// Layer wraps model calls with proactive compaction, error
// classification, staged reactive compaction, and bounded retries.
type Layer struct {
	client     model.Client
	budget     *budget.Resolver
	summarizer *Summarizer
	cfg        config.ResilienceConfig
	logger     *slog.Logger
	metrics    *otelx.Metrics

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(client model.Client, resolver *budget.Resolver, cfg config.ResilienceConfig, logger *slog.Logger, metrics *otelx.Metrics) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{
		client: client,
		budget: resolver,
		summarizer: &Summarizer{
			Client:          client,
			Logger:          logger,
			KeepRecentTurns: cfg.KeepRecentTurns,
			InputCharLimit:  cfg.SummaryInputCharLimit,
			MaxChars:        cfg.SummaryMaxChars,
		},
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Call invokes the client's Chat method through the resilience machinery.
func (l *Layer) Call(ctx context.Context, messages []model.Message, tools []model.ToolDef, scale int) (Result, error) {
	return l.CallWith(ctx, messages, tools, scale, l.client.Chat)
}

// CallWith runs one model turn through proactive compaction, then
// retries invoke with staged recovery until it succeeds or a bound is
// hit. The returned Result always carries the history the caller should
// continue the session with, even on error.
func (l *Layer) CallWith(ctx context.Context, messages []model.Message, tools []model.ToolDef, scale int, invoke InvokeFunc) (Result, error) {
	messages, scale = l.proactiveCompact(ctx, messages, tools, scale)

	transientAttempts := 0
	compactions := 0

	for {
		if err := ctx.Err(); err != nil {
			return Result{Messages: messages, Scale: scale}, err
		}

		start := time.Now()
		resp, err := invoke(ctx, messages, tools)
		if l.metrics != nil {
			l.metrics.ModelCallDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil && resp.Empty() {
			err = ErrEmptyResponse
		}
		if err == nil {
			if l.metrics != nil && resp.Usage != nil {
				l.metrics.TokensUsed.Add(ctx, int64(resp.Usage.InputTokens+resp.Usage.OutputTokens))
				l.metrics.ModelCost.Add(ctx, pricing.EstimateCost(l.client.Model(),
					resp.Usage.InputTokens, resp.Usage.OutputTokens))
			}
			return Result{Response: resp, Messages: messages, Scale: scale}, nil
		}

		class := Classify(err)
		switch class {
		case ErrorClassFatal:
			return Result{Messages: messages, Scale: scale}, fmt.Errorf("model call failed: %w", err)

		case ErrorClassContextLimit:
			if maxTokens, requested := ParseContextLimit(err); maxTokens > 0 {
				l.budget.Learn(l.client.Provider(), l.client.Model(), maxTokens)
				l.logger.Warn("provider rejected prompt over context limit",
					"max_tokens", maxTokens, "requested", requested)
			}
			compactions++
			if compactions > l.maxCompactions() {
				return Result{Messages: messages, Scale: scale},
					fmt.Errorf("context limit persisted after %d compaction passes: %w", compactions-1, err)
			}
			messages, scale = l.applyStage(ctx, messages, scale, compactions-1)

		case ErrorClassPayloadTooLarge:
			compactions++
			if compactions > l.maxCompactions() {
				return Result{Messages: messages, Scale: scale},
					fmt.Errorf("payload still too large after %d compaction passes: %w", compactions-1, err)
			}
			if scale < MaxScaleLevel {
				scale++
				messages = DownscaleHistory(messages, scale)
				l.recordCompaction(ctx, "downscale")
			} else {
				messages = AggressiveCompact(messages, l.cfg.ToolResultCharLimit)
				l.recordCompaction(ctx, "aggressive")
			}

		case ErrorClassEmptyResponse, ErrorClassTransient:
			transientAttempts++
			if transientAttempts > l.maxRetries() {
				return Result{Messages: messages, Scale: scale},
					fmt.Errorf("model call failed after %d retries: %w", transientAttempts-1, err)
			}
			delay := l.backoff(transientAttempts)
			l.logger.Warn("retrying model call",
				"class", string(class), "attempt", transientAttempts, "delay", delay, "error", err)
			if l.metrics != nil {
				l.metrics.ModelRetries.Add(ctx, 1)
			}
			if err := l.sleep(ctx, delay); err != nil {
				return Result{Messages: messages, Scale: scale}, err
			}
		}
	}
}

// proactiveCompact shrinks the history before sending when the estimate
// crowds the budget, applying at most ProactivePasses stages. With no
// known budget it does nothing; compaction then happens only in
// response to provider rejections.
func (l *Layer) proactiveCompact(ctx context.Context, messages []model.Message, tools []model.ToolDef, scale int) ([]model.Message, int) {
	budgetTokens := l.budget.Resolve(l.client.Provider(), l.client.Model(), l.client.ContextWindow())
	if budgetTokens <= 0 {
		return messages, scale
	}
	threshold := int(float64(budgetTokens) * l.fillRatio())

	passes := l.cfg.ProactivePasses
	if passes <= 0 {
		passes = 3
	}
	for stage := 0; stage < passes; stage++ {
		before := EstimateHistoryTokens(messages, tools)
		if before < threshold {
			break
		}
		l.logger.Info("history near context budget, compacting",
			"stage", stage, "budget", budgetTokens, "estimate", before)
		messages, scale = l.applyStage(ctx, messages, scale, stage)
		if EstimateHistoryTokens(messages, tools) >= before {
			// The pass bought nothing; further stages won't either.
			break
		}
	}
	return messages, scale
}

// applyStage runs one rung of the staged compaction ladder: summarize
// older turns, then downscale images, then compact aggressively.
func (l *Layer) applyStage(ctx context.Context, messages []model.Message, scale, stage int) ([]model.Message, int) {
	if stage == 0 {
		if out, ok := l.summarizer.SummarizeOlder(ctx, messages); ok {
			l.recordCompaction(ctx, "summarize")
			return out, scale
		}
		// Too short to summarize; move to the next rung.
		stage = 1
	}
	if stage == 1 && scale < MaxScaleLevel {
		scale++
		l.recordCompaction(ctx, "downscale")
		return DownscaleHistory(messages, scale), scale
	}
	l.recordCompaction(ctx, "aggressive")
	return AggressiveCompact(messages, l.cfg.ToolResultCharLimit), scale
}

func (l *Layer) recordCompaction(ctx context.Context, kind string) {
	if l.metrics != nil {
		l.metrics.CompactionPasses.Add(ctx, 1)
	}
	l.logger.Debug("compaction pass applied", "kind", kind)
}

// backoff returns base * 2^(attempt-1).
func (l *Layer) backoff(attempt int) time.Duration {
	base := l.cfg.BaseRetryDelaySeconds
	if base <= 0 {
		base = 2.0
	}
	return time.Duration(base * math.Pow(2, float64(attempt-1)) * float64(time.Second))
}

func (l *Layer) maxRetries() int {
	if l.cfg.MaxRetries <= 0 {
		return 3
	}
	return l.cfg.MaxRetries
}

func (l *Layer) maxCompactions() int {
	if l.cfg.MaxCompactionRetries <= 0 {
		return 3
	}
	return l.cfg.MaxCompactionRetries
}

func (l *Layer) fillRatio() float64 {
	if l.cfg.FillRatio <= 0 || l.cfg.FillRatio >= 1 {
		return 0.85
	}
	return l.cfg.FillRatio
}

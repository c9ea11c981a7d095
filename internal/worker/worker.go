// Package worker evaluates item histories submitted over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/provenance/internal/analyzer"
	"github.com/opensource-finance/provenance/internal/bus"
	"github.com/opensource-finance/provenance/internal/domain"
)

// ErrInvalidMessage is returned for submissions that cannot be decoded.
var ErrInvalidMessage = errors.New("invalid history message")

// Worker consumes history submissions and publishes their risk results.
type Worker struct {
	bus      domain.EventBus
	analyzer *analyzer.Analyzer

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// HistoryMessage is the payload published on TopicHistorySubmitted.
type HistoryMessage struct {
	ItemID  string         `json:"itemId"`
	History []domain.Event `json:"history"`
	TraceID string         `json:"traceId,omitempty"`
}

// ErrorReply is sent to requesters whose submission could not be evaluated.
type ErrorReply struct {
	Error string `json:"error"`
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, a *analyzer.Analyzer) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		analyzer: a,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to history submissions.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicHistorySubmitted, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicHistorySubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started", "topic", domain.TopicHistorySubmitted)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	result, err := w.process(ctx, msg)
	if err != nil {
		w.replyError(ctx, msg, err)
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to reply", "message_id", msg.ID, "error", err)
	}

	if err := w.bus.Publish(ctx, domain.TopicRiskEvaluated, payload); err != nil {
		slog.Error("failed to publish evaluation",
			"item_id", result.ProductID,
			"error", err,
		)
	}

	if result.IsFlagged {
		if err := w.bus.Publish(ctx, domain.TopicRiskFlagged, payload); err != nil {
			slog.Error("failed to publish flag",
				"item_id", result.ProductID,
				"error", err,
			)
		}
	}

	return nil
}

// process decodes a submission and evaluates it through the analyzer.
func (w *Worker) process(ctx context.Context, msg *domain.Message) (*domain.RiskResult, error) {
	start := time.Now()

	var hm HistoryMessage
	if err := json.Unmarshal(msg.Payload, &hm); err != nil {
		slog.Error("failed to parse history message",
			"message_id", msg.ID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if hm.History == nil {
		return nil, fmt.Errorf("%w: history is required", ErrInvalidMessage)
	}

	traceID := hm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}
	ctx = domain.WithTraceID(ctx, traceID)

	result, err := w.analyzer.Evaluate(ctx, hm.ItemID, hm.History)
	if err != nil {
		slog.Error("history evaluation failed",
			"item_id", hm.ItemID,
			"trace_id", traceID,
			"error", err,
		)
		return nil, err
	}

	slog.Info("history processed",
		"item_id", hm.ItemID,
		"trace_id", traceID,
		"risk_score", result.RiskScore,
		"is_flagged", result.IsFlagged,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

func (w *Worker) replyError(ctx context.Context, msg *domain.Message, cause error) {
	reason := cause.Error()
	if errors.Is(cause, analyzer.ErrEvaluationFailed) {
		reason = analyzer.ErrEvaluationFailed.Error()
	}
	payload, _ := json.Marshal(ErrorReply{Error: reason})
	if err := bus.Reply(ctx, w.bus, msg, payload); err != nil {
		slog.Error("failed to send error reply", "message_id", msg.ID, "error", err)
	}
}

// Stop gracefully stops all subscriptions.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}

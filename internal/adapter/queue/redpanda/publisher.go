// Package redpanda publishes decision envelopes to Redpanda/Kafka.
//
// Delivery is at-least-once: a failed produce lands on a bounded in-process
// retry queue drained with exponential backoff; queue overflow drops the
// oldest envelope and counts it. Consumers dedupe on decision_id.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/safeguardai/decision-engine/internal/domain"
)

// producerClient is the slice of kgo.Client the publisher uses; tests swap
// in a fake.
type producerClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// decisionEnvelope is the fixed wire schema on decision_events, keyed by
// decision_id.
type decisionEnvelope struct {
	DecisionID   string    `json:"decision_id"`
	EventID      string    `json:"event_id"`
	TenantID     string    `json:"tenant_id"`
	Verdict      string    `json:"verdict"`
	Score        float64   `json:"score"`
	RuleHits     []string  `json:"rule_hits"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
	Degraded     bool      `json:"degraded,omitempty"`
}

// caseEnvelope seeds the downstream case service for CHALLENGE and DENY
// verdicts.
type caseEnvelope struct {
	DecisionID string    `json:"decision_id"`
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	Verdict    string    `json:"verdict"`
	Score      float64   `json:"score"`
	Reasons    []string  `json:"reasons"`
	Priority   int       `json:"priority"`
	Queue      string    `json:"queue"`
	CreatedAt  time.Time `json:"created_at"`
}

// Publisher implements domain.Publisher on top of a franz-go client.
type Publisher struct {
	log           *slog.Logger
	client        producerClient
	decisionTopic string
	caseTopic     string
	retry         *retryQueue
}

// NewPublisher connects to the brokers, ensures both topics exist, and
// starts the retry drain.
func NewPublisher(log *slog.Logger, brokers []string, decisionTopic, caseTopic string, queueSize int) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=publisher.new: no seed brokers provided")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=publisher.new: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, topic := range []string{decisionTopic, caseTopic} {
		if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
			log.Warn("topic ensure failed", slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}

	p := &Publisher{
		log:           log,
		client:        client,
		decisionTopic: decisionTopic,
		caseTopic:     caseTopic,
	}
	p.retry = newRetryQueue(log, queueSize, p.produce)
	return p, nil
}

func (p *Publisher) produce(ctx context.Context, rec *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=publisher.produce: %w: %w", domain.ErrPublish, err)
	}
	return nil
}

// PublishDecision emits the decision envelope. A failed produce is queued
// for async retry and reported so the caller can count it; the client
// response never waits on the retry.
func (p *Publisher) PublishDecision(ctx context.Context, d domain.Decision) error {
	env := decisionEnvelope{
		DecisionID:   d.DecisionID,
		EventID:      d.EventID,
		TenantID:     d.TenantID,
		Verdict:      string(d.Verdict),
		Score:        d.Score,
		RuleHits:     d.RuleHits,
		ModelVersion: d.ModelVersion,
		CreatedAt:    d.CreatedAt,
		Degraded:     d.Degraded,
	}
	return p.publishJSON(ctx, p.decisionTopic, d.DecisionID, env)
}

// PublishCase routes CHALLENGE and DENY decisions to the case topic so the
// case service opens a review. ALLOW is a no-op.
func (p *Publisher) PublishCase(ctx context.Context, d domain.Decision) error {
	priority, queue := casePriority(d.Verdict)
	if queue == "" {
		return nil
	}
	env := caseEnvelope{
		DecisionID: d.DecisionID,
		EventID:    d.EventID,
		TenantID:   d.TenantID,
		Verdict:    string(d.Verdict),
		Score:      d.Score,
		Reasons:    d.Reasons,
		Priority:   priority,
		Queue:      queue,
		CreatedAt:  d.CreatedAt,
	}
	return p.publishJSON(ctx, p.caseTopic, d.DecisionID, env)
}

func (p *Publisher) publishJSON(ctx context.Context, topic, key string, env any) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=publisher.marshal: %w", err)
	}
	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: b}
	if err := p.produce(ctx, rec); err != nil {
		p.retry.enqueue(rec)
		return err
	}
	return nil
}

func casePriority(v domain.Verdict) (int, string) {
	switch v {
	case domain.VerdictChallenge:
		return 1, "medium_risk"
	case domain.VerdictDeny:
		return 2, "high_risk"
	}
	return 0, ""
}

// Close drains nothing further; queued retries still in flight are dropped.
func (p *Publisher) Close() {
	p.retry.close()
	p.client.Close()
}

package sleepcycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.uber.org/zap"
)

// ZapProgress is the zap-backed ProgressReporter: every phase
// start/finish becomes a structured log line instead of a console print.
type ZapProgress struct {
	logger *zap.Logger
}

// NewZapProgress creates a ZapProgress.
func NewZapProgress(logger *zap.Logger) *ZapProgress {
	return &ZapProgress{logger: logger}
}

func (p *ZapProgress) PhaseStarted(number int, title string) {
	p.logger.Info("sleep cycle phase started", zap.Int("phase", number), zap.String("phase_title", title))
}

func (p *ZapProgress) PhaseFinished(number int, title string, durationMs int64) {
	p.logger.Info("sleep cycle phase finished", zap.Int("phase", number), zap.String("phase_title", title), zap.Int64("duration_ms", durationMs))
}

// CompletedEventType is the EventBridge detail-type a finished sleep cycle
// publishes, the same way the teacher's domain events carry a fixed
// GetEventType() string.
const CompletedEventType = "SleepCycleCompleted"

// CompletedEvent is the JSON payload published when a sleep cycle finishes.
type CompletedEvent struct {
	Counts     PhaseCounts `json:"counts"`
	DurationMs int64       `json:"duration_ms"`
	Aborted    bool        `json:"aborted"`
	AgentID    string      `json:"agent_id,omitempty"`
}

// EventPublisher publishes a CompletedEvent to EventBridge, following the
// same PutEvents shape brain2-backend/infrastructure/messaging/eventbridge
// uses for its domain events.
type EventPublisher struct {
	client       *eventbridge.Client
	eventBusName string
	source       string
	logger       *zap.Logger
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(client *eventbridge.Client, eventBusName string, logger *zap.Logger) *EventPublisher {
	return &EventPublisher{client: client, eventBusName: eventBusName, source: "memory-engine.sleepcycle", logger: logger}
}

// PublishCompleted sends a CompletedEvent for one finished sleep cycle.
// Failures are logged, not returned: a missed completion notification must
// never fail the sleep cycle itself.
func (p *EventPublisher) PublishCompleted(ctx context.Context, event CompletedEvent) {
	detail, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal sleep cycle completion event", zap.Error(err))
		return
	}

	input := &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			EventBusName: aws.String(p.eventBusName),
			Source:       aws.String(p.source),
			DetailType:   aws.String(CompletedEventType),
			Detail:       aws.String(string(detail)),
			Time:         aws.Time(time.Now()),
		}},
	}

	out, err := p.client.PutEvents(ctx, input)
	if err != nil {
		p.logger.Error("failed to publish sleep cycle completion event", zap.Error(err))
		return
	}
	if out.FailedEntryCount > 0 {
		p.logger.Error("sleep cycle completion event rejected by event bus",
			zap.Int32("failed_entry_count", out.FailedEntryCount))
		return
	}

	p.logger.Debug("published sleep cycle completion event", zap.String("event_bus", p.eventBusName))
}

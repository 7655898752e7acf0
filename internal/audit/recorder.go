package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/util"
)

// Event is one security-relevant occurrence. AccountID is set when
// known; failed lookups record only the client identifier.
type Event struct {
	EventType string    `json:"event_type"`
	AccountID string    `json:"account_id,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	EventLogin                 = "login"
	EventTotpEnrollment        = "totp_enrollment"
	EventTotpDisable           = "totp_disable"
	EventRecoveryCodeUse       = "recovery_code_use"
	EventPasswordResetRequest  = "password_reset_request"
	EventSignupCompleted       = "signup_completed"
	EventPaymentReconciliation = "payment_reconciliation"
)

// Recorder appends audit entries. Recording never blocks or fails the
// primary outcome; implementations log and move on.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// PipelineRecorder streams events to Kafka and persists them in the
// ClickHouse audit table. Both writes are best effort and run off the
// request goroutine. Either client may be nil.
type PipelineRecorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	topic      string
	logger     *zap.Logger
}

func NewPipelineRecorder(cfg *config.Config, producer *client.KafkaProducer, clickhouse *client.ClickHouseClient, logger *zap.Logger) *PipelineRecorder {
	return &PipelineRecorder{
		producer:   producer,
		clickhouse: clickhouse,
		topic:      cfg.Kafka.AuditTopic,
		logger:     logger,
	}
}

func (r *PipelineRecorder) Record(_ context.Context, event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	// Detached from the request context so an aborted request still
	// leaves its audit trail.
	go r.record(event)
}

func (r *PipelineRecorder) record(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r.producer != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			r.logger.Error("Failed to marshal audit event", zap.Error(err))
			return
		}
		if err := r.producer.ProduceMessage(ctx, r.topic, []byte(event.EventType), payload); err != nil {
			r.logger.Warn("Failed to publish audit event",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}

	if r.clickhouse != nil {
		err := r.clickhouse.Exec(ctx, `
            INSERT INTO security_events (event_type, account_id, client_id, outcome, detail, created_at)
            VALUES (?, ?, ?, ?, ?, ?)`,
			event.EventType, event.AccountID, event.ClientID, event.Outcome, event.Detail, event.CreatedAt)
		if err != nil {
			r.logger.Warn("Failed to persist audit event",
				zap.String("event_type", event.EventType),
				zap.Error(err))
		}
	}
}

// LogRecorder writes audit events to the application log only; the
// fallback when neither Kafka nor ClickHouse is reachable.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, event Event) {
	util.Info("audit",
		zap.String("event_type", event.EventType),
		zap.String("account_id", event.AccountID),
		zap.String("client_id", event.ClientID),
		zap.String("outcome", event.Outcome),
		zap.String("detail", event.Detail),
	)
}

package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// OutboundPublisher publishes applied commands to NATS for downstream
// consumers (keepers, dashboards, settlement reconcilers). Messages are
// published after persistence is confirmed.
// Subjects follow the pattern: ov.vault.applied.{command_type}[.{pool}]
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan AppliedNotice
}

// AppliedNotice is an applied command ready for outbound publishing.
type AppliedNotice struct {
	Sequence       int64            `json:"sequence"`
	CommandType    string           `json:"command_type"`
	IdempotencyKey string           `json:"idempotency_key"`
	Pool           *string          `json:"pool,omitempty"`
	Transfers      []TransferNotice `json:"transfers,omitempty"`
	StateHash      []byte           `json:"state_hash"`
	Timestamp      time.Time        `json:"timestamp"`
}

// TransferNotice is a settled fund movement inside an applied command.
type TransferNotice struct {
	Kind        string `json:"kind"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Custody     string `json:"custody"`
	Amount      int64  `json:"amount"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan AppliedNotice) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case notice, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, notice); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d: %v", notice.Sequence, err)
				// Non-fatal: downstream consumers can query the command log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, notice AppliedNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	subject := fmt.Sprintf("ov.vault.applied.%s", notice.CommandType)
	if notice.Pool != nil {
		subject = fmt.Sprintf("%s.%s", subject, *notice.Pool)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound applied-command stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "OV_VAULT_APPLIED",
		Subjects:  []string{"ov.vault.applied.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream OV_VAULT_APPLIED")
	return nil
}

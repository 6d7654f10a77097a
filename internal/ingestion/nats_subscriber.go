package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the deterministic core via commandChan. NATS JetStream is the primary
// high-throughput ingestion surface; each subject maps to one command type.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is the received-but-untyped command from NATS, ready for the
// shell to validate and convert into a typed command.Command before sending
// to the core.
type RawCommand struct {
	Subject     string
	CommandType string
	Data        []byte
	Timestamp   time.Time
	AckFunc     func() // Call to ACK the NATS message after successful processing
	NakFunc     func() // Call to NAK on failure (will be redelivered)
}

// SubjectConfig maps NATS subjects to command types.
type SubjectConfig struct {
	Subject      string
	CommandType  string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject configuration. Each command
// type has its own subject for independent scaling.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "ov.liquidity.add.>", CommandType: "AddLiquidity", ConsumerName: "vault-liq-add", StreamName: "OV_LIQUIDITY"},
		{Subject: "ov.liquidity.remove.>", CommandType: "RemoveLiquidity", ConsumerName: "vault-liq-remove", StreamName: "OV_LIQUIDITY"},
		{Subject: "ov.options.open.>", CommandType: "OpenOption", ConsumerName: "vault-opt-open", StreamName: "OV_OPTIONS"},
		{Subject: "ov.options.close.>", CommandType: "CloseOption", ConsumerName: "vault-opt-close", StreamName: "OV_OPTIONS"},
		{Subject: "ov.options.exercise.>", CommandType: "ExerciseOption", ConsumerName: "vault-opt-exercise", StreamName: "OV_OPTIONS"},
		{Subject: "ov.orders.place.>", CommandType: "PlaceOrder", ConsumerName: "vault-ord-place", StreamName: "OV_ORDERS"},
		{Subject: "ov.orders.update.>", CommandType: "UpdateOrder", ConsumerName: "vault-ord-update", StreamName: "OV_ORDERS"},
		{Subject: "ov.orders.cancel.>", CommandType: "CancelOrder", ConsumerName: "vault-ord-cancel", StreamName: "OV_ORDERS"},
		{Subject: "ov.orders.clear.>", CommandType: "ClearOrders", ConsumerName: "vault-ord-clear", StreamName: "OV_ORDERS"},
		{Subject: "ov.prices.>", CommandType: "PriceUpdate", ConsumerName: "vault-prices", StreamName: "OV_PRICES"},
		{Subject: "ov.keeper.crank.>", CommandType: "RateCrank", ConsumerName: "vault-crank", StreamName: "OV_KEEPER"},
		{Subject: "ov.keeper.sweep.>", CommandType: "ExpirySweep", ConsumerName: "vault-sweep", StreamName: "OV_KEEPER"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		commandType := cfg.CommandType
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:     msg.Subject(),
				CommandType: commandType,
				Data:        msg.Data(),
				Timestamp:   time.Now(),
				AckFunc:     func() { msg.Ack() },
				NakFunc:     func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Queued for processing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "OV_LIQUIDITY",
			Subjects:  []string{"ov.liquidity.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OV_OPTIONS",
			Subjects:  []string{"ov.options.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OV_ORDERS",
			Subjects:  []string{"ov.orders.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OV_PRICES",
			Subjects:  []string{"ov.prices.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "OV_KEEPER",
			Subjects:  []string{"ov.keeper.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

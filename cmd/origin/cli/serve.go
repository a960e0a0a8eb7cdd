package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/majorcontext/origin/internal/config"
	"github.com/majorcontext/origin/internal/id"
	"github.com/majorcontext/origin/internal/ingest"
	"github.com/majorcontext/origin/internal/log"
	"github.com/majorcontext/origin/internal/ui"
)

var serveWorkers int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Verify packets streamed over MQTT and publish verdicts to Kafka",
	Long: `Run the streaming verifier.

Devices publish attestation packets to an MQTT topic. Each packet is
verified and a verdict is published to a Kafka topic, keyed by the device
public key. Packets that cannot be parsed or verified go to the
dead-letter topic with the error.

The verifier stops on SIGINT or SIGTERM after finishing the packets it is
already verifying.

Example:
  ORIGIN_MQTT_BROKER=tcp://localhost:1883 ORIGIN_KAFKA_BROKERS=localhost:9092 origin serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "packets verified concurrently (default ingest.workers)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveWorkers > 0 {
		cfg.Ingest.Workers = serveWorkers
	}
	if err := errors.Join(cfg.ValidateVerifier(), cfg.ValidateIngest()); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	instanceID := id.Generate("srv")
	log.SetInstanceID(instanceID)

	e, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	v, err := e.verifier(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	verdicts := ingest.NewKafkaWriter(cfg.Ingest.KafkaBrokers, cfg.Ingest.KafkaTopic)
	defer closeWriter("verdicts", verdicts)
	var dlq ingest.Writer
	if cfg.Ingest.KafkaDLQTopic != "" {
		w := ingest.NewKafkaWriter(cfg.Ingest.KafkaBrokers, cfg.Ingest.KafkaDLQTopic)
		defer closeWriter("dead letters", w)
		dlq = w
	}

	opts := ingest.Options{
		Workers: cfg.Ingest.Workers,
		Timeout: cfg.Engine.Timeout,
	}
	if ledger := openLedger(cfg); ledger != nil {
		defer ledger.Close()
		opts.Recorder = ledger
	}
	proc := ingest.NewProcessor(v, verdicts, dlq, opts)

	sub := ingest.NewSubscriber(mqttOpts(cfg))
	defer sub.Close()
	if err := sub.Connect(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	ui.Infof("Verifier %s listening on %s (%s), publishing to %s",
		instanceID, cfg.Ingest.MQTTBroker, cfg.Ingest.MQTTTopic, cfg.Ingest.KafkaTopic)
	log.Info("verifier started", "workers", cfg.Ingest.Workers, "topic", cfg.Ingest.MQTTTopic)

	err = proc.Run(ctx, sub.Messages())
	sub.Close()

	stats := proc.Stats()
	log.Info("verifier stopped",
		"verified", stats.Verified,
		"rejected", stats.Rejected,
		"dead_lettered", stats.DeadLettered,
		"publish_failures", stats.PublishFails)
	ui.Infof("Stopped: %d verified, %d rejected, %d dead-lettered", stats.Verified, stats.Rejected, stats.DeadLettered)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func mqttOpts(c *config.Config) ingest.MQTTOpts {
	return ingest.MQTTOpts{
		Broker:   c.Ingest.MQTTBroker,
		ClientID: c.Ingest.MQTTClientID,
		Topic:    c.Ingest.MQTTTopic,
		QoS:      c.Ingest.MQTTQoS,
	}
}

func closeWriter(name string, w ingest.Writer) {
	if err := w.Close(); err != nil {
		log.Warn("closing kafka writer", "writer", name, "error", err)
	}
}

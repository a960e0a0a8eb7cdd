package ingest

import (
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/majorcontext/origin/internal/log"
)

// NewKafkaWriter returns a writer for topic. Messages with the same key land
// on the same partition, so a device's verdicts stay in order.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,

		AllowAutoTopicCreation: true,

		Logger:      log.Printf(slog.LevelDebug),
		ErrorLogger: log.Printf(slog.LevelWarn),
	}
}

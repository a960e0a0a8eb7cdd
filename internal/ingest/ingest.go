// Package ingest runs the streaming verifier behind `origin serve`: packets
// arrive on an MQTT topic, are verified by a bounded pool of workers and the
// verdicts are published to Kafka. Payloads that cannot be verified go to a
// dead-letter topic.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/audit"
	"github.com/majorcontext/origin/internal/log"
	"github.com/majorcontext/origin/internal/registry"
	"github.com/majorcontext/origin/internal/verify"
)

// Message is one packet received from a device.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Verifier verifies a parsed packet. *verify.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, p *attest.Packet) (*verify.Result, error)
}

// Writer publishes messages. *kafka.Writer implements it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Verdict is published for every packet that was verified, whether it
// passed or not.
type Verdict struct {
	ID         string            `json:"id"`
	Device     string            `json:"device"`
	ProcessID  string            `json:"process_id"`
	Slot       uint64            `json:"slot"`
	Verified   bool              `json:"verified"`
	FailedStep verify.Step       `json:"failed_step,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	VerifiedAt time.Time         `json:"verified_at"`
}

// DeadLetter is published for payloads that could not be verified.
type DeadLetter struct {
	ID         string      `json:"id"`
	Error      string      `json:"error"`
	Step       verify.Step `json:"step,omitempty"`
	Topic      string      `json:"topic"`
	Payload    []byte      `json:"payload"`
	ReceivedAt time.Time   `json:"received_at"`
}

// Stats counts what a Processor has done.
type Stats struct {
	Verified     uint64
	Rejected     uint64
	DeadLettered uint64
	PublishFails uint64
}

// Recorder keeps a durable record of outcomes. *audit.Store implements it.
type Recorder interface {
	Record(ctx context.Context, kind string, data any) error
}

// Options configures a Processor.
type Options struct {
	// Workers bounds the number of packets verified at once. Default 1.
	Workers int
	// Timeout bounds a single verification. Default 30s.
	Timeout time.Duration
	// Recorder, when set, receives every verdict and dead letter.
	Recorder Recorder
}

// Processor verifies messages and publishes the outcome.
type Processor struct {
	verifier Verifier
	verdicts Writer
	dlq      Writer
	opts     Options
	now      func() time.Time

	verified     atomic.Uint64
	rejected     atomic.Uint64
	deadLettered atomic.Uint64
	publishFails atomic.Uint64
}

// NewProcessor creates a Processor. dlq may be nil, in which case dead
// letters are only logged.
func NewProcessor(v Verifier, verdicts, dlq Writer, opts Options) *Processor {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Processor{
		verifier: v,
		verdicts: verdicts,
		dlq:      dlq,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Stats returns a snapshot of the processor's counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Verified:     p.verified.Load(),
		Rejected:     p.rejected.Load(),
		DeadLettered: p.deadLettered.Load(),
		PublishFails: p.publishFails.Load(),
	}
}

// Run handles messages until msgs is closed or ctx is cancelled. Packets
// already being verified when ctx is cancelled are allowed to finish.
// Run returns nil when msgs is closed and ctx.Err() otherwise.
func (p *Processor) Run(ctx context.Context, msgs <-chan Message) error {
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)

	// In-flight work outlives ctx so verdicts are not lost on shutdown.
	work := context.WithoutCancel(ctx)

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case m, ok := <-msgs:
			if !ok {
				break loop
			}
			g.Go(func() error {
				if herr := p.Handle(work, m); herr != nil {
					log.Error("publishing outcome", "topic", m.Topic, "error", herr)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return err
}

// Handle verifies one message and publishes its verdict or dead letter. The
// returned error is a publish failure; verification outcomes are never
// errors.
func (p *Processor) Handle(ctx context.Context, m Message) error {
	id := uuid.NewString()
	logger := log.Message(id, m.Topic)

	pkt, err := attest.ParsePacket(m.Payload)
	if err != nil {
		logger.Warn("dropping malformed packet", "error", err, "bytes", len(m.Payload))
		return p.deadLetter(ctx, id, m, verify.StepPacket, err)
	}

	vctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	res, err := p.verifier.Verify(vctx, pkt)
	cancel()
	if err != nil {
		var ie *verify.InfrastructureError
		step := verify.Step("")
		if errors.As(err, &ie) {
			step = ie.Step
		}
		logger.Warn("verification incomplete", "step", step, "error", err)
		return p.deadLetter(ctx, id, m, step, err)
	}

	v := NewVerdict(id, pkt, res, p.now())
	device := v.Device
	if res.Verified {
		p.verified.Add(1)
	} else {
		p.rejected.Add(1)
	}
	p.record(ctx, string(audit.EntryVerdict), v)

	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding verdict: %w", err)
	}
	if err := p.verdicts.WriteMessages(ctx, kafka.Message{
		Key:     []byte(device),
		Value:   value,
		Headers: p.headers(m),
	}); err != nil {
		p.publishFails.Add(1)
		return fmt.Errorf("writing verdict: %w", err)
	}
	logger.Debug("verdict published", "device", device, "verified", v.Verified, "reason", v.Reason)
	return nil
}

// NewVerdict builds the verdict for res.
func NewVerdict(id string, pkt *attest.Packet, res *verify.Result, at time.Time) Verdict {
	return Verdict{
		ID:         id,
		Device:     registry.DeviceID(pkt.DevicePublicKey),
		ProcessID:  res.ProcessID,
		Slot:       res.Slot,
		Verified:   res.Verified,
		FailedStep: res.FailedStep,
		Reason:     res.Reason,
		Details:    res.Details,
		VerifiedAt: at,
	}
}

func (p *Processor) record(ctx context.Context, kind string, data any) {
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.Record(ctx, kind, data); err != nil {
		log.Warn("recording outcome", "kind", kind, "error", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, id string, m Message, step verify.Step, cause error) error {
	p.deadLettered.Add(1)
	dl := DeadLetter{
		ID:         id,
		Error:      cause.Error(),
		Step:       step,
		Topic:      m.Topic,
		Payload:    m.Payload,
		ReceivedAt: m.ReceivedAt,
	}
	p.record(ctx, string(audit.EntryDeadLetter), dl)
	if p.dlq == nil {
		return nil
	}
	value, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encoding dead letter: %w", err)
	}
	if err := p.dlq.WriteMessages(ctx, kafka.Message{
		Key:     []byte(id),
		Value:   value,
		Headers: p.headers(m),
	}); err != nil {
		p.publishFails.Add(1)
		return fmt.Errorf("writing dead letter: %w", err)
	}
	return nil
}

func (p *Processor) headers(m Message) []kafka.Header {
	return []kafka.Header{
		{Key: "mqtt_topic", Value: []byte(m.Topic)},
		{Key: "received_at", Value: []byte(m.ReceivedAt.Format(time.RFC3339Nano))},
	}
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/origin/internal/attest"
	"github.com/majorcontext/origin/internal/audit"
	"github.com/majorcontext/origin/internal/hashing"
	"github.com/majorcontext/origin/internal/verify"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) all() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type verifierFunc func(ctx context.Context, p *attest.Packet) (*verify.Result, error)

func (f verifierFunc) Verify(ctx context.Context, p *attest.Packet) (*verify.Result, error) {
	return f(ctx, p)
}

func packetJSON(t *testing.T, slot uint64) []byte {
	t.Helper()
	p := attest.Packet{
		CodeHash:        hashing.Hash([]byte("firmware")),
		RawHash:         hashing.Hash([]byte("raw")),
		DataHash:        hashing.Hash([]byte("data")),
		Data:            []byte("data"),
		Challenge:       hashing.Hash([]byte("challenge")),
		TimestampDevice: 1010,
		DevicePublicKey: hashing.HexBytes{0x02, 0xaa, 0xbb},
		Signature:       hashing.HexBytes{0x30, 0x01},
		AEProcessID:     "AE1",
		AESlot:          slot,
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	return b
}

func message(t *testing.T, slot uint64) Message {
	return Message{
		Topic:      "origin/attestations",
		Payload:    packetJSON(t, slot),
		ReceivedAt: time.Unix(1011, 0).UTC(),
	}
}

func accept(_ context.Context, p *attest.Packet) (*verify.Result, error) {
	return &verify.Result{Verified: true, ProcessID: p.AEProcessID, Slot: p.AESlot}, nil
}

func TestHandle_Verdict(t *testing.T) {
	verdicts, dlq := &fakeWriter{}, &fakeWriter{}
	p := NewProcessor(verifierFunc(accept), verdicts, dlq, Options{})
	p.now = func() time.Time { return time.Unix(2000, 0).UTC() }

	require.NoError(t, p.Handle(context.Background(), message(t, 42)))

	msgs := verdicts.all()
	require.Len(t, msgs, 1)
	assert.Empty(t, dlq.all())
	assert.Equal(t, "02aabb", string(msgs[0].Key))

	var v Verdict
	require.NoError(t, json.Unmarshal(msgs[0].Value, &v))
	assert.True(t, v.Verified)
	assert.Equal(t, "02aabb", v.Device)
	assert.Equal(t, "AE1", v.ProcessID)
	assert.Equal(t, uint64(42), v.Slot)
	assert.Equal(t, time.Unix(2000, 0).UTC(), v.VerifiedAt)
	assert.NotEmpty(t, v.ID)

	require.Len(t, msgs[0].Headers, 2)
	assert.Equal(t, "mqtt_topic", msgs[0].Headers[0].Key)
	assert.Equal(t, "origin/attestations", string(msgs[0].Headers[0].Value))

	assert.Equal(t, Stats{Verified: 1}, p.Stats())
}

func TestHandle_Rejected(t *testing.T) {
	verdicts, dlq := &fakeWriter{}, &fakeWriter{}
	reject := func(_ context.Context, p *attest.Packet) (*verify.Result, error) {
		return &verify.Result{
			ProcessID:  p.AEProcessID,
			Slot:       p.AESlot,
			FailedStep: verify.StepTemporal,
			Reason:     verify.ReasonStaleReading,
			Details:    map[string]string{"age": "1m35s"},
		}, nil
	}
	p := NewProcessor(verifierFunc(reject), verdicts, dlq, Options{})

	require.NoError(t, p.Handle(context.Background(), message(t, 42)))

	msgs := verdicts.all()
	require.Len(t, msgs, 1)
	var v Verdict
	require.NoError(t, json.Unmarshal(msgs[0].Value, &v))
	assert.False(t, v.Verified)
	assert.Equal(t, verify.StepTemporal, v.FailedStep)
	assert.Equal(t, "stale-reading", v.Reason)
	assert.Equal(t, "1m35s", v.Details["age"])
	assert.Equal(t, Stats{Rejected: 1}, p.Stats())
}

func TestHandle_MalformedGoesToDLQ(t *testing.T) {
	verdicts, dlq := &fakeWriter{}, &fakeWriter{}
	var calls atomic.Int32
	v := func(ctx context.Context, p *attest.Packet) (*verify.Result, error) {
		calls.Add(1)
		return accept(ctx, p)
	}
	p := NewProcessor(verifierFunc(v), verdicts, dlq, Options{})

	for _, payload := range [][]byte{
		[]byte("not json"),
		[]byte(`{"ae_slot": 1}`),
	} {
		m := Message{Topic: "origin/attestations", Payload: payload}
		require.NoError(t, p.Handle(context.Background(), m))
	}

	assert.Zero(t, calls.Load(), "malformed packets never reach the verifier")
	assert.Empty(t, verdicts.all())
	msgs := dlq.all()
	require.Len(t, msgs, 2)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Value, &dl))
	assert.Equal(t, verify.StepPacket, dl.Step)
	assert.Contains(t, dl.Error, attest.ErrMalformedPacket.Error())
	assert.Equal(t, []byte("not json"), dl.Payload)
	assert.Equal(t, dl.ID, string(msgs[0].Key))
	assert.Equal(t, uint64(2), p.Stats().DeadLettered)
}

func TestHandle_InfrastructureErrorGoesToDLQ(t *testing.T) {
	verdicts, dlq := &fakeWriter{}, &fakeWriter{}
	fail := func(context.Context, *attest.Packet) (*verify.Result, error) {
		return nil, &verify.InfrastructureError{Step: verify.StepFetchRecord, Err: errors.New("engine unavailable")}
	}
	p := NewProcessor(verifierFunc(fail), verdicts, dlq, Options{})

	require.NoError(t, p.Handle(context.Background(), message(t, 42)))

	assert.Empty(t, verdicts.all(), "an incomplete verification is never published as a verdict")
	msgs := dlq.all()
	require.Len(t, msgs, 1)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(msgs[0].Value, &dl))
	assert.Equal(t, verify.StepFetchRecord, dl.Step)
	assert.Contains(t, dl.Error, "engine unavailable")
}

func TestHandle_VerificationTimeout(t *testing.T) {
	dlq := &fakeWriter{}
	slow := func(ctx context.Context, _ *attest.Packet) (*verify.Result, error) {
		<-ctx.Done()
		return nil, &verify.InfrastructureError{Step: verify.StepHashPath, Err: ctx.Err()}
	}
	p := NewProcessor(verifierFunc(slow), &fakeWriter{}, dlq, Options{Timeout: 10 * time.Millisecond})

	require.NoError(t, p.Handle(context.Background(), message(t, 42)))
	require.Len(t, dlq.all(), 1)
}

func TestHandle_PublishError(t *testing.T) {
	verdicts := &fakeWriter{err: errors.New("broker down")}
	p := NewProcessor(verifierFunc(accept), verdicts, &fakeWriter{}, Options{})

	err := p.Handle(context.Background(), message(t, 42))
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, uint64(1), p.Stats().PublishFails)
}

func TestHandle_NoDLQ(t *testing.T) {
	p := NewProcessor(verifierFunc(accept), &fakeWriter{}, nil, Options{})

	err := p.Handle(context.Background(), Message{Payload: []byte("garbage")})
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), p.Stats().DeadLettered)
}

func TestRun_BoundedWorkers(t *testing.T) {
	const workers, n = 3, 30

	var active, peak atomic.Int32
	v := func(ctx context.Context, p *attest.Packet) (*verify.Result, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		return accept(ctx, p)
	}
	verdicts := &fakeWriter{}
	p := NewProcessor(verifierFunc(v), verdicts, &fakeWriter{}, Options{Workers: workers})

	msgs := make(chan Message, n)
	for i := range n {
		msgs <- message(t, uint64(i+1))
	}
	close(msgs)

	require.NoError(t, p.Run(context.Background(), msgs))
	assert.Len(t, verdicts.all(), n)
	assert.LessOrEqual(t, peak.Load(), int32(workers))
	assert.Equal(t, uint64(n), p.Stats().Verified)
}

func TestRun_CancelFinishesInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	v := func(ctx context.Context, p *attest.Packet) (*verify.Result, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return accept(ctx, p)
	}
	verdicts := &fakeWriter{}
	p := NewProcessor(verifierFunc(v), verdicts, &fakeWriter{}, Options{Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan Message, 1)
	msgs <- message(t, 1)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, msgs) }()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Len(t, verdicts.all(), 1, "in-flight packet still gets its verdict")
}

type fakeMQTTMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMQTTMessage) Topic() string   { return m.topic }
func (m fakeMQTTMessage) Payload() []byte { return m.payload }

func TestSubscriber_Handle(t *testing.T) {
	s := NewSubscriber(MQTTOpts{Broker: "tcp://127.0.0.1:1883", ClientID: "test", Topic: "origin/attestations", Buffer: 1})
	s.now = func() time.Time { return time.Unix(1011, 0).UTC() }

	s.handle(nil, fakeMQTTMessage{topic: "origin/attestations", payload: []byte("p1")})

	select {
	case m := <-s.Messages():
		assert.Equal(t, "origin/attestations", m.Topic)
		assert.Equal(t, []byte("p1"), m.Payload)
		assert.Equal(t, time.Unix(1011, 0).UTC(), m.ReceivedAt)
	default:
		t.Fatal("message not delivered")
	}
}

func TestSubscriber_CloseUnblocksHandler(t *testing.T) {
	s := NewSubscriber(MQTTOpts{Broker: "tcp://127.0.0.1:1883", ClientID: "test", Topic: "t", Buffer: 1})
	s.handle(nil, fakeMQTTMessage{topic: "t", payload: []byte("fills buffer")})

	returned := make(chan struct{})
	go func() {
		s.handle(nil, fakeMQTTMessage{topic: "t", payload: []byte("blocked")})
		close(returned)
	}()

	s.Close()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("handler still blocked after Close")
	}
	s.Close()
}

func TestSubscriber_ConnectCancelled(t *testing.T) {
	// Nothing listens on port 1; with connect retry the token never
	// completes, so Connect must honor ctx.
	s := NewSubscriber(MQTTOpts{Broker: "tcp://127.0.0.1:1", ClientID: "test", Topic: "t"})
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewKafkaWriter(t *testing.T) {
	w := NewKafkaWriter([]string{"k1:9092", "k2:9092"}, "origin.verdicts")
	defer w.Close()

	assert.Equal(t, "origin.verdicts", w.Topic)
	assert.Equal(t, fmt.Sprint(kafka.TCP("k1:9092", "k2:9092")), fmt.Sprint(w.Addr))
	assert.IsType(t, &kafka.Hash{}, w.Balancer)
	assert.Equal(t, kafka.RequireOne, w.RequiredAcks)
}

func TestHandle_RecordsToLedger(t *testing.T) {
	ledger, err := audit.OpenStore(filepath.Join(t.TempDir(), "verdicts.db"))
	require.NoError(t, err)
	defer ledger.Close()

	p := NewProcessor(verifierFunc(accept), &fakeWriter{err: errors.New("broker down")}, &fakeWriter{},
		Options{Recorder: ledger})

	// The ledger keeps the verdict even when publishing fails.
	assert.Error(t, p.Handle(context.Background(), message(t, 42)))
	require.NoError(t, p.Handle(context.Background(), Message{Topic: "t", Payload: []byte("garbage")}))

	res, err := ledger.VerifyChain()
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, uint64(1), res.Verdicts)
	assert.Equal(t, uint64(1), res.Dead)

	entry, err := ledger.Get(1)
	require.NoError(t, err)
	var v Verdict
	require.NoError(t, entry.Decode(&v))
	assert.Equal(t, uint64(42), v.Slot)
	assert.True(t, v.Verified)
}

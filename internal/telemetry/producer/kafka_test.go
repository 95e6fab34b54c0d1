package producer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"school-platform/devicequota/internal/telemetry/domain"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaProducer_DisabledWithoutBrokers(t *testing.T) {
	if p := NewKafkaProducer(nil, "quota-events", nil); p != nil {
		t.Error("expected nil producer without brokers")
	}
	if p := NewKafkaProducer([]string{"localhost:9092"}, "", nil); p != nil {
		t.Error("expected nil producer without topic")
	}
	var p *KafkaProducer
	if err := p.Emit(context.Background(), &domain.Event{}); err != nil {
		t.Errorf("nil producer Emit: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("nil producer Close: %v", err)
	}
}

func TestKafkaProducer_EmitKeysByGroup(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaProducer(w, "quota-events", nil)
	event := domain.NewEvent(domain.TypeAdmitted, "quota", time.Now())
	event.GroupID = "class:7b"
	event.SessionID = "s-1"
	if err := p.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "class:7b" {
		t.Errorf("key = %q, want class:7b", w.msgs[0].Key)
	}
	var got domain.Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != domain.TypeAdmitted || got.SessionID != "s-1" {
		t.Errorf("payload = %+v", got)
	}
	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v closed=%v", err, w.closed)
	}
}

func TestKafkaProducer_EmitReturnsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("no leader")}
	p := newKafkaProducer(w, "quota-events", nil)
	if err := p.Emit(context.Background(), domain.NewEvent(domain.TypeExpired, "sweeper", time.Now())); err == nil {
		t.Error("expected write error")
	}
}

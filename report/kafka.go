package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mknyszek/allocwatch/analysis"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used by Kafka.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes alerts and summaries as JSON messages to a topic.
// Alerts are keyed by call site; summaries use the key "summary".
type Kafka struct {
	writer messageWriter
	top    int
	now    func() time.Time
}

var _ Reporter = (*Kafka)(nil)

// NewKafka creates a Kafka reporter writing to topic on brokers and
// including at most top call sites per summary.
func NewKafka(brokers []string, topic string, top int) *Kafka {
	return newKafka(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}, top)
}

func newKafka(w messageWriter, top int) *Kafka {
	return &Kafka{writer: w, top: top, now: time.Now}
}

// AlertMessage is the JSON form of an alert.
type AlertMessage struct {
	Time       time.Time `json:"time"`
	Kind       string    `json:"kind"`
	Critical   bool      `json:"critical"`
	Confidence float64   `json:"confidence,omitempty"`
	Message    string    `json:"message"`

	EventID   int32  `json:"event_id,omitempty"`
	EventKind string `json:"event_kind,omitempty"`
	Address   uint64 `json:"address,omitempty"`
	Size      int64  `json:"size,omitempty"`
	CallSite  uint32 `json:"call_site,omitempty"`
	Staleness uint64 `json:"staleness_ns,omitempty"`

	Value uint64 `json:"value,omitempty"`
	Limit uint64 `json:"limit,omitempty"`
}

// SummaryMessage is the JSON form of a summary.
type SummaryMessage struct {
	Time    time.Time            `json:"time"`
	Summary analysis.Summary     `json:"summary"`
	Sites   []analysis.SiteStats `json:"sites"`
}

func (k *Kafka) Alert(ctx context.Context, a analysis.Alert) error {
	msg := AlertMessage{
		Time:       k.now(),
		Kind:       a.Kind.String(),
		Critical:   a.Critical,
		Confidence: a.Confidence,
		Message:    a.Message,
		Value:      a.Value,
		Limit:      a.Limit,
	}
	key := a.Kind.String()
	if a.Event.Kind != 0 {
		ev := a.Event
		msg.EventID = ev.ID
		msg.EventKind = ev.Kind.String()
		msg.Address = ev.Address
		msg.Size = ev.Size
		msg.CallSite = ev.CallSite
		msg.Staleness = ev.Staleness
		key = siteName(ev.CallSite)
	}
	return k.send(ctx, key, msg)
}

func (k *Kafka) Summary(ctx context.Context, s analysis.Summary, sites []analysis.SiteStats) error {
	return k.send(ctx, "summary", SummaryMessage{
		Time:    k.now(),
		Summary: s,
		Sites:   top(sites, k.top),
	})
}

func (k *Kafka) send(ctx context.Context, key string, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", key, err)
	}
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

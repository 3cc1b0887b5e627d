package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/avelio/fleetwatch/internal/domain"
)

// DefaultStreamName is the JetStream stream holding telemetry subjects.
const DefaultStreamName = "TELEMETRY"

// Subject layout: telemetry.<deviceID>.<collection>
const subjectPrefix = "telemetry"

// queryFetchBatch bounds how many records the cross-container discovery
// scan pulls per fetch.
const queryFetchBatch = 250

// NATSSource implements Source on a NATS JetStream stream.
type NATSSource struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	stream string
}

// ConnectNATS dials the NATS server and binds to the telemetry stream.
func ConnectNATS(url, streamName string) (*NATSSource, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream: jetstream context: %w", err)
	}

	if streamName == "" {
		streamName = DefaultStreamName
	}

	log.Printf("stream: connected to nats at %s (stream=%s)", url, streamName)
	return &NATSSource{conn: conn, js: js, stream: streamName}, nil
}

// Close drops the NATS connection.
func (s *NATSSource) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *NATSSource) subject(deviceID, collection string) string {
	return subjectPrefix + "." + deviceID + "." + collection
}

// SubscribeExceptions replays the device's full exception history in order,
// then follows new records.
func (s *NATSSource) SubscribeExceptions(ctx context.Context, deviceID string, h ExceptionHandler) (Subscription, error) {
	subject := s.subject(deviceID, CollectionExceptions)

	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := decodeException(msg)
		if err != nil {
			log.Printf("stream: drop malformed exception on %s: %v", msg.Subject, err)
			return
		}
		h(ev)
	}, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe %s: %w", subject, err)
	}

	return newNatsSubscription(sub), nil
}

// SubscribeIgnitions replays and follows the device's ignition records.
func (s *NATSSource) SubscribeIgnitions(ctx context.Context, deviceID string, h IgnitionHandler) (Subscription, error) {
	subject := s.subject(deviceID, CollectionIgnitions)

	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		ev, err := decodeIgnition(msg)
		if err != nil {
			log.Printf("stream: drop malformed ignition on %s: %v", msg.Subject, err)
			return
		}
		h(ev)
	}, nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("stream: subscribe %s: %w", subject, err)
	}

	return newNatsSubscription(sub), nil
}

// ListDeviceContainers enumerates device ids that have at least one
// exception record, from the stream's per-subject message counts.
func (s *NATSSource) ListDeviceContainers(ctx context.Context) ([]string, error) {
	filter := subjectPrefix + ".*." + CollectionExceptions
	info, err := s.js.StreamInfo(s.stream, &nats.StreamInfoRequest{SubjectsFilter: filter})
	if err != nil {
		return nil, fmt.Errorf("stream: stream info: %w", err)
	}

	var ids []string
	for subject, count := range info.State.Subjects {
		if count == 0 {
			continue
		}
		if id, ok := deviceIDFromSubject(subject); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// QueryExceptionDeviceIDs scans exception records across all device
// containers and returns the distinct device ids seen. Used when subject
// enumeration yields nothing.
func (s *NATSSource) QueryExceptionDeviceIDs(ctx context.Context) ([]string, error) {
	filter := subjectPrefix + ".*." + CollectionExceptions

	sub, err := s.js.PullSubscribe(filter, "", nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("stream: pull subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	seen := make(map[string]struct{})
	for {
		msgs, err := sub.Fetch(queryFetchBatch, nats.Context(ctx))
		if err != nil {
			// Timeout just means the scan caught up with the stream.
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, fmt.Errorf("stream: fetch: %w", err)
		}
		for _, msg := range msgs {
			if id, ok := deviceIDFromSubject(msg.Subject); ok {
				seen[id] = struct{}{}
			}
			msg.Ack()
		}
		if len(msgs) < queryFetchBatch {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// HasExceptionHistory probes whether the device's exception subject holds
// at least one record.
func (s *NATSSource) HasExceptionHistory(ctx context.Context, deviceID string) (bool, error) {
	subject := s.subject(deviceID, CollectionExceptions)
	_, err := s.js.GetLastMsg(s.stream, subject)
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("stream: last msg %s: %w", subject, err)
	}
	return true, nil
}

func deviceIDFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// natsSubscription wraps a JetStream subscription with idempotent teardown.
type natsSubscription struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func newNatsSubscription(sub *nats.Subscription) *natsSubscription {
	return &natsSubscription{sub: sub}
}

func (s *natsSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}

// exceptionRecord is the wire shape of an exception event. OccurredAt is
// deliberately untyped: producers send native timestamps, ISO strings,
// legacy DD/MM/YYYY strings, or epoch numbers.
type exceptionRecord struct {
	ID         string `json:"id"`
	DeviceID   string `json:"device_id"`
	Category   string `json:"category"`
	Detail     string `json:"detail"`
	OccurredAt any    `json:"occurred_at"`
}

type ignitionRecord struct {
	DeviceID   string   `json:"device_id"`
	State      string   `json:"state"`
	OccurredAt any      `json:"occurred_at"`
	Voltage    *float64 `json:"voltage,omitempty"`
	Location   string   `json:"location,omitempty"`
}

func decodeException(msg *nats.Msg) (domain.ExceptionEvent, error) {
	var rec exceptionRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		return domain.ExceptionEvent{}, fmt.Errorf("unmarshal: %w", err)
	}

	ev := domain.ExceptionEvent{
		ID:         rec.ID,
		DeviceID:   rec.DeviceID,
		Category:   rec.Category,
		Detail:     rec.Detail,
		OccurredAt: domain.ParseTimestamp(rec.OccurredAt, time.Now),
	}

	// Some producers omit the record id; the stream sequence is stable
	// across redeliveries and serves as the opaque id.
	if ev.ID == "" {
		if meta, err := msg.Metadata(); err == nil {
			ev.ID = fmt.Sprintf("%s#%d", msg.Subject, meta.Sequence.Stream)
		}
	}
	if ev.DeviceID == "" {
		if id, ok := deviceIDFromSubject(msg.Subject); ok {
			ev.DeviceID = id
		}
	}
	return ev, nil
}

func decodeIgnition(msg *nats.Msg) (domain.IgnitionEvent, error) {
	var rec ignitionRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		return domain.IgnitionEvent{}, fmt.Errorf("unmarshal: %w", err)
	}

	ev := domain.IgnitionEvent{
		DeviceID:   rec.DeviceID,
		State:      domain.ParseIgnitionState(rec.State),
		OccurredAt: domain.ParseTimestamp(rec.OccurredAt, time.Now),
		Voltage:    rec.Voltage,
		Location:   rec.Location,
	}
	if ev.DeviceID == "" {
		if id, ok := deviceIDFromSubject(msg.Subject); ok {
			ev.DeviceID = id
		}
	}
	return ev, nil
}

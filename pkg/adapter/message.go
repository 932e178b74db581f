// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GwynCerbin/rabbitflow/pkg/broker"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const mimeReadLimit = 512 //bytes that mime will read

var encryptDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
}

// Message wraps an AMQP delivery and tracks acknowledgment state.
// Headers are parsed once in NewMessage; everything but the settlement and
// completion state is read only afterwards.
type Message struct {
	// deliver holds the raw AMQP delivery metadata and payload.
	deliver amqp091.Delivery
	// ackable is false for deliveries the broker already considers acknowledged.
	ackable bool

	// mu guards ch, which is cleared by the first Ack, Nack or Reject.
	mu sync.Mutex
	ch broker.Channel
	// Once prevents multiple Done calls on the WaitGroup.
	once sync.Once
	// wg tracks the number of in-flight messages for graceful shutdown.
	wg *sync.WaitGroup

	completed  atomic.Bool
	completion chan struct{}
	logger     *zap.Logger

	objectType      string
	encrypted       bool
	encryptionType  string
	encryptedAt     time.Time
	compressed      bool
	compressionType string
	letter          *Letter
	decodeFailed    bool
}

// MessageOption configures a Message.
type MessageOption func(*Message)

// WithMessageLogger sets the logger used to report a repeated Complete.
func WithMessageLogger(logger *zap.Logger) MessageOption {
	return func(m *Message) { m.logger = logger }
}

// withTracker registers the message as in flight on wg until it is settled.
// The caller must have called wg.Add(1).
func withTracker(wg *sync.WaitGroup) MessageOption {
	return func(m *Message) { m.wg = wg }
}

// NewMessage builds a Message from a delivery received on ch. A delivery
// obtained with auto-ack must be passed with ackable false.
func NewMessage(ch broker.Channel, d amqp091.Delivery, ackable bool, opts ...MessageOption) *Message {
	m := &Message{
		deliver:    d,
		ackable:    ackable,
		ch:         ch,
		completion: make(chan struct{}),
		logger:     zap.NewNop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.readHeaders()

	return m
}

func (m *Message) readHeaders() {
	h := m.deliver.Headers

	raw, ok := h[HeaderObjectType]
	if !ok {
		m.objectType = ObjectTypeUnknown

		return
	}

	if m.objectType, ok = headerString(raw); !ok || m.objectType == "" {
		m.objectType = ObjectTypeUnknown
	}

	if m.objectType == ObjectTypeLetter && len(m.deliver.Body) > 0 {
		letter, err := decodeLetter(m.deliver.Body)
		if err != nil {
			m.decodeFailed = true
		} else {
			m.letter = letter
		}
	}

	m.encrypted, _ = headerBool(h[HeaderEncrypted])
	m.encryptionType, _ = headerString(h[HeaderEncryption])
	m.encryptedAt, _ = headerTime(h[HeaderEncryptDate])
	m.compressed, _ = headerBool(h[HeaderCompressed])
	m.compressionType, _ = headerString(h[HeaderCompression])
}

func headerString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func headerBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int8:
		return val != 0, true
	case int16:
		return val != 0, true
	case int32:
		return val != 0, true
	case int64:
		return val != 0, true
	case uint8:
		return val != 0, true
	}

	s, ok := headerString(v)
	if !ok {
		return false, false
	}

	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false
	}

	return b, true
}

func headerTime(v any) (time.Time, bool) {
	if t, ok := v.(time.Time); ok {
		return t, true
	}

	s, ok := headerString(v)
	if !ok {
		return time.Time{}, false
	}

	s = strings.TrimSpace(s)
	for _, layout := range encryptDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	return time.Time{}, false
}

// DeliveryTag identifies the delivery on its channel.
func (m *Message) DeliveryTag() uint64 {
	return m.deliver.DeliveryTag
}

// ConsumerTag names the subscription that produced the message. It is empty
// for messages fetched with Get.
func (m *Message) ConsumerTag() string {
	return m.deliver.ConsumerTag
}

// Ackable reports whether Ack, Nack and Reject reach the broker.
func (m *Message) Ackable() bool {
	return m.ackable
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

func (m *Message) Exchange() string {
	return m.deliver.Exchange
}

// Headers returns the message headers set on the AMQP delivery.
func (m *Message) Headers() amqp091.Table {
	return m.deliver.Headers
}

// ContentType returns the content type property set by the publisher.
func (m *Message) ContentType() string {
	return m.deliver.ContentType
}

// MIME returns the content type property or, when the publisher left it
// empty, the type detected from the first bytes of the body.
func (m *Message) MIME() string {
	if m.deliver.ContentType != "" {
		return m.deliver.ContentType
	}

	body := m.deliver.Body
	if len(body) > mimeReadLimit {
		body = body[:mimeReadLimit]
	}

	return mimetype.Detect(body).String()
}

// MessageID returns the message-id property.
func (m *Message) MessageID() string {
	return m.deliver.MessageId
}

// IsRedelivered indicates if the delivery is a redelivery (duplicate) of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload as a byte slice.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

// ObjectType returns the X-CR-OBJECTTYPE header or ObjectTypeUnknown.
func (m *Message) ObjectType() string {
	return m.objectType
}

func (m *Message) Encrypted() bool        { return m.encrypted }
func (m *Message) EncryptionType() string { return m.encryptionType }
func (m *Message) EncryptedAt() time.Time { return m.encryptedAt }
func (m *Message) Compressed() bool       { return m.compressed }
func (m *Message) CompressionType() string {
	return m.compressionType
}

// Letter returns the decoded envelope, or nil when the body is not a letter
// or could not be decoded.
func (m *Message) Letter() *Letter {
	return m.letter
}

// DecodeFailed reports that the body was tagged as a letter but neither
// decoder accepted it. Body still returns the raw payload.
func (m *Message) DecodeFailed() bool {
	return m.decodeFailed
}

// Ack acknowledges successful processing of the message.
// It returns nil when the message is not ackable or was already settled.
func (m *Message) Ack() error {
	return m.settle("ack", func(ch broker.Channel) error {
		return ch.Ack(m.deliver.DeliveryTag, false)
	})
}

// Nack negatively acknowledges the message, optionally requeuing it.
func (m *Message) Nack(requeue bool) error {
	return m.settle("nack", func(ch broker.Channel) error {
		return ch.Nack(m.deliver.DeliveryTag, false, requeue)
	})
}

// Reject rejects the message, optionally requeuing it.
func (m *Message) Reject(requeue bool) error {
	return m.settle("reject", func(ch broker.Channel) error {
		return ch.Reject(m.deliver.DeliveryTag, requeue)
	})
}

// settle runs fn on the held channel at most once. The channel reference is
// cleared before the broker call, so later calls report success without
// touching the channel.
func (m *Message) settle(verb string, fn func(broker.Channel) error) error {
	if !m.ackable {
		return nil
	}

	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()

	if ch == nil {
		return nil
	}

	defer m.release()

	if err := fn(ch); err != nil {
		return fmt.Errorf("%s delivery %d: %w", verb, m.deliver.DeliveryTag, err)
	}

	return nil
}

// release decrements the in-flight counter exactly once.
func (m *Message) release() {
	m.once.Do(func() {
		if m.wg != nil {
			m.wg.Done()
		}
	})
}

// Complete marks the message as fully processed. A second call is a
// programming error: it is logged at DPanic level and returns MessageCompletedError.
func (m *Message) Complete() error {
	if !m.completed.CompareAndSwap(false, true) {
		m.logger.DPanic("message completed twice", zap.Uint64("delivery_tag", m.deliver.DeliveryTag))

		return MessageCompletedError{}
	}

	close(m.completion)

	return nil
}

// Completion is closed by the first Complete call.
func (m *Message) Completion() <-chan struct{} {
	return m.completion
}

// Wait blocks until Complete is called or ctx ends.
func (m *Message) Wait(ctx context.Context) (bool, error) {
	select {
	case <-m.completion:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

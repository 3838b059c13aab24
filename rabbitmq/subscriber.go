package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"waste-pricing/metrics"
)

// Message represents a received RabbitMQ message.
type Message struct {
	Body        []byte
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
	Redelivered bool
}

// UnmarshalTo unmarshals the message body into the provided value.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. Return nil to ack, Permanent(err) to
// drop the message and any other error to have it redelivered once.
type CallbackFunc func(msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// outcome decides how a processed delivery is settled. Transient failures
// are requeued once; a message that fails again after redelivery is dropped.
func outcome(callbackErr error, panicked, redelivered bool) (result string, requeue bool) {
	switch {
	case panicked:
		return "panic", false
	case callbackErr == nil:
		return "success", false
	case isPermanent(callbackErr):
		return "permanent_error", false
	default:
		return "transient_error", !redelivered
	}
}

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Subscriber consumes one queue with a bounded worker pool and reconnects
// when the broker goes away.
type Subscriber struct {
	amqpURL  string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	workers  int
	prefetch int

	// opMu serializes operations on channel, which is not safe for concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	connected atomic.Bool
}

func NewSubscriber(amqpURL, exchangeName, queueName string, workers, prefetch int) (*Subscriber, error) {
	if workers <= 0 {
		workers = 1
	}
	if prefetch < workers {
		prefetch = workers
	}
	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
		workers:  workers,
		prefetch: prefetch,
		done:     make(chan struct{}),
	}

	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// reconnectLocked tears down any existing channel and connection and
// recreates them. Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked() error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.setConnected(false)

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name
	s.conn = conn
	s.channel = ch
	s.setConnected(true)
	return nil
}

func (s *Subscriber) setConnected(v bool) {
	s.connected.Store(v)
	if v {
		metrics.RabbitMQConnected.Set(1)
	} else {
		metrics.RabbitMQConnected.Set(0)
	}
}

// Start binds the queue to every routing key and dispatches deliveries to
// their callbacks.
func (s *Subscriber) Start(callbacks map[string]CallbackFunc) {
	s.startOnce.Do(func() {
		jobs := make(chan amqp.Delivery, s.workers)
		for i := 0; i < s.workers; i++ {
			workerID := i + 1
			go func() {
				for delivery := range jobs {
					s.process(workerID, delivery, delivery, callbacks)
				}
			}()
		}
		go s.consumeLoop(jobs, callbacks)
	})
}

func (s *Subscriber) process(workerID int, ack acknowledger, delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	startedAt := time.Now()
	metrics.RabbitMQLastDeliverySeconds.Set(metrics.NowUnixSeconds())
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	var callbackErr error
	panicked := false
	callback, exists := callbacks[delivery.RoutingKey]
	if !exists {
		callbackErr = Permanent(fmt.Errorf("no callback for routing key %s", delivery.RoutingKey))
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					callbackErr = fmt.Errorf("panic: %v", r)
				}
			}()
			callbackErr = callback(&Message{
				Body:        delivery.Body,
				RoutingKey:  delivery.RoutingKey,
				ContentType: delivery.ContentType,
				Timestamp:   delivery.Timestamp,
				Redelivered: delivery.Redelivered,
			})
		}()
	}

	result, requeue := outcome(callbackErr, panicked, delivery.Redelivered)
	var settleErr error
	s.opMu.Lock()
	if result == "success" {
		settleErr = ack.Ack(false)
	} else {
		settleErr = ack.Nack(false, requeue)
	}
	s.opMu.Unlock()

	metrics.ProcessedTotal.WithLabelValues(result).Inc()
	entry := log.WithFields(log.Fields{
		"worker_id":    workerID,
		"routing_key":  delivery.RoutingKey,
		"delivery_tag": delivery.DeliveryTag,
		"duration_ms":  time.Since(startedAt).Milliseconds(),
		"result":       result,
		"requeue":      requeue,
	})
	switch {
	case settleErr != nil:
		entry.Errorf("Failed to settle delivery: %v", settleErr)
	case callbackErr != nil:
		entry.Warnf("Delivery failed: %v", callbackErr)
	default:
		entry.Debug("Delivery processed")
	}
}

func (s *Subscriber) consumeLoop(jobs chan<- amqp.Delivery, callbacks map[string]CallbackFunc) {
	defer close(jobs)
	backoff := 1 * time.Second
	wait := func() bool {
		select {
		case <-s.done:
			return false
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		return true
	}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgs, err := s.subscribe(callbacks)
		if err != nil {
			log.Errorf("RabbitMQ subscribe failed on queue %s: %v", s.queue, err)
			if !wait() {
				return
			}
			continue
		}
		log.Infof("Consuming queue %s on exchange %s with %d workers", s.queue, s.exchange, s.workers)
		backoff = 1 * time.Second

	deliveries:
		for {
			select {
			case <-s.done:
				return
			case delivery, ok := <-msgs:
				if !ok {
					s.setConnected(false)
					log.Warnf("RabbitMQ delivery channel closed on queue %s, reconnecting", s.queue)
					break deliveries
				}
				jobs <- delivery
			}
		}
		if !wait() {
			return
		}
	}
}

func (s *Subscriber) subscribe(callbacks map[string]CallbackFunc) (<-chan amqp.Delivery, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	if err := s.channel.Qos(s.prefetch, 0, false); err != nil {
		s.setConnected(false)
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	for routingKey := range callbacks {
		if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
			s.setConnected(false)
			return nil, fmt.Errorf("failed to bind %s: %w", routingKey, err)
		}
	}
	return s.channel.Consume(s.queue, "", false, false, false, false, nil)
}

// Close stops consuming and closes the connection.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.done) })

	s.opMu.Lock()
	defer s.opMu.Unlock()

	var err error
	if s.channel != nil {
		err = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil && err == nil {
			err = connErr
		}
		s.conn = nil
	}
	s.setConnected(false)
	return err
}

// IsConnected indicates if the subscriber is currently connected (best-effort).
func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}

package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"road-defect-pipeline/metrics"

	"github.com/streadway/amqp"
)

// Message represents a received RabbitMQ message
type Message struct {
	Body        []byte
	RoutingKey  string
	Redelivered bool
	DeliveryTag uint64
	Timestamp   time.Time
}

// UnmarshalTo unmarshals the message body into the provided interface
func (m *Message) UnmarshalTo(v interface{}) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. Return:
// - nil on success (will Ack)
// - Permanent(err) for permanent failure (will Nack requeue=false; DLQ if configured)
// - any other error for transient failure (will retry/requeue)
type CallbackFunc func(msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Permanent wraps err as a PermanentError (non-retriable).
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

const (
	defaultConcurrency = 4
	envConcurrency     = "RABBITMQ_CONCURRENCY"

	defaultMaxRetries = 10
	envMaxRetries     = "RABBITMQ_MAX_RETRIES"

	defaultRetryExchangePrefix = "roaddefects-retry."
	envRetryExchangePrefix     = "RABBITMQ_RETRY_EXCHANGE_PREFIX"
	retryCountHeaderKey        = "x-roaddefects-retry-count"

	defaultRetryDelay = 15 * time.Second
	envRetryDelay     = "RABBITMQ_RETRY_DELAY"
)

func subscriberConcurrency() int {
	if v := os.Getenv(envConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("rabbitmq: invalid %s=%q, using default=%d", envConcurrency, v, defaultConcurrency)
	}
	return defaultConcurrency
}

func subscriberMaxRetries() int {
	if v := os.Getenv(envMaxRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
		log.Printf("rabbitmq: invalid %s=%q, using default=%d", envMaxRetries, v, defaultMaxRetries)
	}
	return defaultMaxRetries
}

func subscriberRetryDelay() time.Duration {
	if v := os.Getenv(envRetryDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Printf("rabbitmq: invalid %s=%q, using default=%s", envRetryDelay, v, defaultRetryDelay)
	}
	return defaultRetryDelay
}

func retryExchangeName(queue string) string {
	prefix := os.Getenv(envRetryExchangePrefix)
	if prefix == "" {
		prefix = defaultRetryExchangePrefix
	}
	return prefix + queue
}

func retryCountFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch t := headers[retryCountHeaderKey].(type) {
	case int:
		if t > 0 {
			return t
		}
	case int32:
		if t > 0 {
			return int(t)
		}
	case int64:
		if t > 0 {
			return int(t)
		}
	case string:
		if n, err := strconv.Atoi(t); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

// Subscriber represents a RabbitMQ subscriber instance. Each worker goroutine
// processes one delivery at a time; ack/nack happens only after the full
// pipeline for that delivery completes.
type Subscriber struct {
	amqpURL  string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string

	// opMu serializes amqp operations on the channel; amqp.Channel is not
	// safe for concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewSubscriber creates a new RabbitMQ subscriber instance, failing fast when
// the broker is unreachable.
func NewSubscriber(amqpURL, exchangeName, queueName string) (*Subscriber, error) {
	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
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

func (s *Subscriber) closeLocked() {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	metrics.QueueConnected.Set(0)
}

func (s *Subscriber) reconnectLocked() error {
	s.closeLocked()

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		s.exchange,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		s.queue,
		true,  // durable: reports survive a broker restart
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	s.conn = conn
	s.channel = ch
	metrics.QueueConnected.Set(1)
	return nil
}

type consumeSession struct {
	msgs      <-chan amqp.Delivery
	connClose <-chan *amqp.Error
	chClose   <-chan *amqp.Error
}

func (s *Subscriber) startConsumeSessionLocked(
	routingKeyCallbacks map[string]CallbackFunc,
	prefetch int,
) (*consumeSession, error) {
	if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}

	if err := s.channel.Qos(prefetch, 0, false); err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	// Bindings are idempotent, so re-binding on reconnect is safe.
	for routingKey := range routingKeyCallbacks {
		if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
			s.closeLocked()
			return nil, fmt.Errorf(
				"failed to bind queue %s to exchange %s with routing key %s: %w",
				s.queue, s.exchange, routingKey, err,
			)
		}
	}

	// Retry topology: the retry exchange feeds a delayed queue that
	// dead-letters back into the work exchange with the original routing
	// key, so a transiently failed message re-enters the work queue after
	// the retry delay instead of spinning in a tight requeue loop.
	retryExchange := retryExchangeName(s.queue)
	if err := s.channel.ExchangeDeclare(retryExchange, "direct", true, false, false, false, nil); err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("failed to declare retry exchange %s: %w", retryExchange, err)
	}
	retryQueue := s.queue + ".retry"
	retryArgs := amqp.Table{
		"x-dead-letter-exchange": s.exchange,
		"x-message-ttl":          int32(subscriberRetryDelay() / time.Millisecond),
	}
	if _, err := s.channel.QueueDeclare(retryQueue, true, false, false, false, retryArgs); err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("failed to declare retry queue %s: %w", retryQueue, err)
	}
	for routingKey := range routingKeyCallbacks {
		if err := s.channel.QueueBind(retryQueue, routingKey, retryExchange, false, nil); err != nil {
			s.closeLocked()
			return nil, fmt.Errorf(
				"failed to bind retry queue %s to exchange %s with routing key %s: %w",
				retryQueue, retryExchange, routingKey, err,
			)
		}
	}

	msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		s.closeLocked()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	// Buffer=1 so the notify channels deliver a single close event without blocking.
	connClose := s.conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := s.channel.NotifyClose(make(chan *amqp.Error, 1))
	return &consumeSession{msgs: msgs, connClose: connClose, chClose: chClose}, nil
}

// handleDelivery runs the callback and acks/nacks/retries based on the result.
func (s *Subscriber) handleDelivery(
	workerID int,
	delivery amqp.Delivery,
	routingKeyCallbacks map[string]CallbackFunc,
	maxRetries int,
) {
	startedAt := time.Now()
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	log.Printf(
		"rabbitmq worker_start worker_id=%d queue=%s routing_key=%s delivery_tag=%d redelivered=%t",
		workerID, s.queue, delivery.RoutingKey, delivery.DeliveryTag, delivery.Redelivered,
	)

	callback, exists := routingKeyCallbacks[delivery.RoutingKey]
	if !exists {
		s.opMu.Lock()
		nackErr := delivery.Nack(false, false)
		s.opMu.Unlock()
		metrics.ProcessedTotal.WithLabelValues("permanent_error").Inc()
		log.Printf(
			"rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d action=nack requeue=false err=%q nack_err=%v",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, "no callback for routing key", nackErr,
		)
		return
	}

	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Redelivered: delivery.Redelivered,
		DeliveryTag: delivery.DeliveryTag,
		Timestamp:   delivery.Timestamp,
	}

	var callbackErr error
	panicVal := any(nil)
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicVal = r
			}
		}()
		callbackErr = callback(msg)
	}()

	result := "success"
	action := "ack"
	var opErr error

	switch {
	case panicVal != nil:
		// Treat panics as permanent.
		result, action = "panic", "nack"
		s.opMu.Lock()
		opErr = delivery.Nack(false, false)
		s.opMu.Unlock()

	case callbackErr == nil:
		s.opMu.Lock()
		opErr = delivery.Ack(false)
		s.opMu.Unlock()

	case isPermanent(callbackErr):
		result, action = "permanent_error", "nack"
		s.opMu.Lock()
		opErr = delivery.Nack(false, false)
		s.opMu.Unlock()

	default:
		result = "transient_error"
		attempts := retryCountFromHeaders(delivery.Headers)
		if attempts >= maxRetries {
			action = "nack"
			s.opMu.Lock()
			opErr = delivery.Nack(false, false)
			s.opMu.Unlock()
		} else {
			// Publish to the delayed retry exchange then ack the original,
			// so a failing message does not spin in a tight requeue loop.
			action = "retry"
			pub := amqp.Publishing{
				Headers:      withRetryCountHeader(delivery.Headers, attempts+1),
				ContentType:  delivery.ContentType,
				Body:         delivery.Body,
				DeliveryMode: delivery.DeliveryMode,
				Timestamp:    delivery.Timestamp,
			}
			s.opMu.Lock()
			publishErr := s.channel.Publish(retryExchangeName(s.queue), delivery.RoutingKey, false, false, pub)
			if publishErr == nil {
				opErr = delivery.Ack(false)
			} else {
				// Retry exchange not available: fall back to broker requeue.
				action = "nack_requeue"
				opErr = delivery.Nack(false, true)
			}
			s.opMu.Unlock()
		}
	}

	metrics.ProcessedTotal.WithLabelValues(result).Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues(result).Observe(time.Since(startedAt).Seconds())

	if panicVal != nil {
		log.Printf(
			"rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=%s panic=%v op_err=%v",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, time.Since(startedAt).Milliseconds(), action, panicVal, opErr,
		)
		return
	}
	log.Printf(
		"rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=%s err=%v op_err=%v",
		workerID, delivery.RoutingKey, delivery.DeliveryTag, time.Since(startedAt).Milliseconds(), action, callbackErr, opErr,
	)
}

// Start begins consuming messages from the queue with the specified routing key callbacks
func (s *Subscriber) Start(routingKeyCallbacks map[string]CallbackFunc) error {
	var startErr error
	s.startOnce.Do(func() {
		workers := subscriberConcurrency()
		jobs := make(chan amqp.Delivery, workers)
		maxRetries := subscriberMaxRetries()

		// Worker pool: each worker processes one message at a time.
		for i := 0; i < workers; i++ {
			workerID := i + 1
			go func() {
				for delivery := range jobs {
					s.handleDelivery(workerID, delivery, routingKeyCallbacks, maxRetries)
				}
			}()
		}

		// Initial session: fail fast if we can't consume at startup.
		s.opMu.Lock()
		initialSession, err := s.startConsumeSessionLocked(routingKeyCallbacks, workers)
		s.opMu.Unlock()
		if err != nil {
			close(jobs)
			startErr = err
			return
		}

		// Consume loop: if the broker restarts, the session closes; we
		// reconnect with backoff and resume. Unacked deliveries are redelivered.
		go func() {
			backoff := 1 * time.Second
			session := initialSession
			for {
				select {
				case <-s.done:
					close(jobs)
					return
				default:
				}

				if session == nil {
					s.opMu.Lock()
					next, err := s.startConsumeSessionLocked(routingKeyCallbacks, workers)
					s.opMu.Unlock()
					if err != nil {
						log.Printf("rabbitmq consume_start_failed queue=%s exchange=%s err=%v", s.queue, s.exchange, err)
						time.Sleep(backoff)
						if backoff < 30*time.Second {
							backoff *= 2
						}
						continue
					}
					session = next
					backoff = 1 * time.Second
				}

				for {
					select {
					case <-s.done:
						close(jobs)
						return
					case cerr := <-session.connClose:
						log.Printf("rabbitmq conn_closed queue=%s err=%v", s.queue, cerr)
						goto reconnect
					case cerr := <-session.chClose:
						log.Printf("rabbitmq channel_closed queue=%s err=%v", s.queue, cerr)
						goto reconnect
					case delivery, ok := <-session.msgs:
						if !ok {
							log.Printf("rabbitmq deliveries_closed queue=%s", s.queue)
							goto reconnect
						}
						select {
						case jobs <- delivery:
						case <-s.done:
							close(jobs)
							return
						}
					}
				}

			reconnect:
				s.opMu.Lock()
				s.closeLocked()
				s.opMu.Unlock()
				session = nil
				time.Sleep(backoff)
				if backoff < 30*time.Second {
					backoff *= 2
				}
			}
		}()
	})

	return startErr
}

// Close closes the subscriber connection and channel
func (s *Subscriber) Close() error {
	var err error

	s.closeOnce.Do(func() { close(s.done) })

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			log.Printf("Failed to close channel: %v", channelErr)
			err = channelErr
		}
		s.channel = nil
	}

	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil {
			log.Printf("Failed to close connection: %v", connErr)
			if err == nil {
				err = connErr
			}
		}
		s.conn = nil
	}

	metrics.QueueConnected.Set(0)
	return err
}

// IsConnected checks if the subscriber is still connected
func (s *Subscriber) IsConnected() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.conn == nil || s.channel == nil {
		return false
	}
	return !s.conn.IsClosed()
}

// GetQueue returns the queue name
func (s *Subscriber) GetQueue() string {
	return s.queue
}

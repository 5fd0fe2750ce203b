package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/withDustin/targeek-image-server/internal/logging"
)

// AMQPBroker runs the queue on RabbitMQ.
//
// Jobs are JSON messages on a durable work queue. Retries are published to a
// "<name>.delay" queue with a per-message expiration; expired messages are
// dead-lettered back onto the work queue. Dead jobs go to "<name>.dead".
// Key coalescing only covers jobs pushed through this process.
type AMQPBroker struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	name    string
	pubMu   sync.Mutex
	mu      sync.Mutex
	queued  map[string]struct{}
	pending map[string]amqp.Delivery
	deliver <-chan amqp.Delivery
}

// NewAMQPBroker connects to url and declares the queue topology. prefetch
// bounds unacknowledged deliveries and should match worker concurrency.
func NewAMQPBroker(url, name string, prefetch int) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	b := &AMQPBroker{
		conn:    conn,
		ch:      ch,
		name:    name,
		queued:  make(map[string]struct{}),
		pending: make(map[string]amqp.Delivery),
	}
	if err := b.declare(prefetch); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *AMQPBroker) declare(prefetch int) error {
	if _, err := b.ch.QueueDeclare(b.name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.name, err)
	}
	delayArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": b.name,
	}
	if _, err := b.ch.QueueDeclare(b.name+".delay", true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	if _, err := b.ch.QueueDeclare(b.name+".dead", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead queue: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// deliveries registers the consumer on first use so producer-only brokers
// never hold messages.
func (b *AMQPBroker) deliveries() (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deliver != nil {
		return b.deliver, nil
	}
	d, err := b.ch.Consume(b.name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}
	b.deliver = d
	return d, nil
}

func (b *AMQPBroker) publish(ctx context.Context, queue string, job *Job, expiration string) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Expiration:   expiration,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (b *AMQPBroker) Push(ctx context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	if _, ok := b.queued[job.Key]; ok {
		b.mu.Unlock()
		return false, nil
	}
	b.queued[job.Key] = struct{}{}
	b.mu.Unlock()

	job.State = StateQueued
	if err := b.publish(ctx, b.name, job, ""); err != nil {
		b.mu.Lock()
		delete(b.queued, job.Key)
		b.mu.Unlock()
		return false, fmt.Errorf("publish job: %w", err)
	}
	return true, nil
}

func (b *AMQPBroker) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	deliver, err := b.deliveries()
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case d, ok := <-deliver:
		if !ok {
			return nil, fmt.Errorf("rabbitmq delivery channel closed")
		}
		var job Job
		if err := json.Unmarshal(d.Body, &job); err != nil {
			logging.Warn("discarding malformed job message", logging.Err(err))
			d.Nack(false, false)
			return nil, nil
		}
		job.State = StateProcessing

		b.mu.Lock()
		delete(b.queued, job.Key)
		b.pending[job.ID] = d
		b.mu.Unlock()
		return &job, nil
	}
}

// Progress is kept on the job only; RabbitMQ messages are immutable.
func (b *AMQPBroker) Progress(_ context.Context, job *Job, percent int) error {
	job.Progress = percent
	return nil
}

func (b *AMQPBroker) take(id string) (amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.pending[id]
	delete(b.pending, id)
	return d, ok
}

func (b *AMQPBroker) Ack(_ context.Context, job *Job) error {
	job.State = StateCompleted
	d, ok := b.take(job.ID)
	if !ok {
		return fmt.Errorf("job %s is not in flight", job.ID)
	}
	return d.Ack(false)
}

func (b *AMQPBroker) Retry(ctx context.Context, job *Job, delay time.Duration) error {
	job.State = StateQueued
	d, ok := b.take(job.ID)
	if !ok {
		return fmt.Errorf("job %s is not in flight", job.ID)
	}

	queue, expiration := b.name+".delay", strconv.FormatInt(delay.Milliseconds(), 10)
	if delay <= 0 {
		queue, expiration = b.name, ""
	}
	if err := b.publish(ctx, queue, job, expiration); err != nil {
		d.Nack(false, true)
		return fmt.Errorf("publish retry: %w", err)
	}
	return d.Ack(false)
}

func (b *AMQPBroker) Dead(ctx context.Context, job *Job) error {
	job.State = StateDead
	d, ok := b.take(job.ID)
	if !ok {
		return fmt.Errorf("job %s is not in flight", job.ID)
	}
	if err := b.publish(ctx, b.name+".dead", job, ""); err != nil {
		d.Nack(false, true)
		return fmt.Errorf("publish dead job: %w", err)
	}
	return d.Ack(false)
}

// Stats counts ready messages with passive declares. Active is the number of
// deliveries held by this process.
func (b *AMQPBroker) Stats(context.Context) (Stats, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	var s Stats
	for _, q := range []struct {
		name string
		dst  *int64
	}{
		{b.name, &s.Waiting},
		{b.name + ".delay", &s.Delayed},
		{b.name + ".dead", &s.Dead},
	} {
		info, err := b.ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
		if err != nil {
			return Stats{}, fmt.Errorf("inspect queue %s: %w", q.name, err)
		}
		*q.dst = int64(info.Messages)
	}

	b.mu.Lock()
	s.Active = int64(len(b.pending))
	b.mu.Unlock()
	return s, nil
}

// Close closes the channel and the connection.
func (b *AMQPBroker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	return b.conn.Close()
}

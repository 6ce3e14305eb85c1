package collab

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"docsync/backend/internal/ot"
)

var (
	ErrDispatcherFull   = errors.New("DISPATCHER_QUEUE_FULL")
	ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（Publish 在会话锁内调用，只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时降级（丢弃），避免内存无限增长
// 同一文档固定路由到同一个 worker，保证事件按 clock 顺序发出。
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger

	queues []chan DocEvent
	wg     sync.WaitGroup
	// 读锁保护入队，写锁下关闭队列，关闭后的入队不会写到已关闭的 channel
	mu     sync.RWMutex
	closed bool

	// 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

var _ Broadcaster = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions, logger *zap.Logger) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger,
		queues:      make([]chan DocEvent, opt.Workers),
		kafkaSem:    kafkaSem,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	// 每个 worker 分到总队列容量的一份
	per := opt.QueueSize / opt.Workers
	if per < 1 {
		per = 1
	}
	for i := range d.queues {
		d.queues[i] = make(chan DocEvent, per)
	}
	d.start()
	return d
}

func (d *KafkaDispatcher) start() {
	for i, q := range d.queues {
		d.wg.Add(1)
		go d.workerLoop(i, q)
	}
}

func (d *KafkaDispatcher) queueFor(docID string) chan DocEvent {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return d.queues[h.Sum32()%uint32(len(d.queues))]
}

// TryEnqueue 非阻塞入队，队列满时返回 ErrDispatcherFull（Kafka 事件不要求每条必达），
// Close 之后返回 ErrDispatcherClosed
func (d *KafkaDispatcher) TryEnqueue(evt DocEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queueFor(evt.DocID) <- evt:
		return nil
	default:
		return ErrDispatcherFull
	}
}

func (d *KafkaDispatcher) enqueue(evt DocEvent) {
	if err := d.TryEnqueue(evt); err != nil {
		d.logger.Warn("kafka event dropped",
			zap.String("docId", evt.DocID), zap.String("type", evt.EventType), zap.Uint64("clock", evt.Clock), zap.Error(err))
	}
}

func (d *KafkaDispatcher) Publish(ctx context.Context, docID string, op ot.Operation, excludeClientID string) {
	d.enqueue(DocEvent{
		EventType:   EventOpApplied,
		DocID:       docID,
		OperationID: op.ID,
		Clock:       op.Clock,
		BaseClock:   op.BaseClock,
		AuthorID:    op.AuthorID,
		ClientID:    op.ClientID,
		ClientSeq:   op.ClientSeq,
		Ops:         op.Delta,
		At:          op.AppliedAt,
	})
}

func (d *KafkaDispatcher) NotifyMembership(ctx context.Context, docID string, ev MembershipEvent) {
	typ := EventMemberJoined
	if ev.Kind == MemberLeft {
		typ = EventMemberLeft
	}
	d.enqueue(DocEvent{
		EventType: typ,
		DocID:     docID,
		Clock:     ev.Clock,
		AuthorID:  ev.AuthorID,
		ClientID:  ev.ClientID,
		At:        ev.At,
	})
}

func (d *KafkaDispatcher) ForceResync(ctx context.Context, docID string, reason string) {
	d.enqueue(DocEvent{EventType: EventSessionResync, DocID: docID, Reason: reason, At: time.Now()})
}

// Close 等待队列中的事件发送完毕；之后的 Publish 等调用只记录丢弃
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int, queue <-chan DocEvent) {
	defer d.wg.Done()
	for evt := range queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.logger.Error("kafka send failed, drop event",
				zap.String("docId", evt.DocID),
				zap.String("type", evt.EventType),
				zap.Uint64("clock", evt.Clock),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

package events

import (
	"errors"
	"sync"
	"time"
)

// Type 标识渲染管线事件。
type Type string

const (
	// TypeSequenceApplied 表示一份新的序列快照被接入。
	TypeSequenceApplied Type = "sequence.applied"
	// TypeBatchPromoted 表示 rendered-count 前进。
	TypeBatchPromoted Type = "batch.promoted"
	// TypeWindowMoved 表示虚拟化窗口区间变化。
	TypeWindowMoved Type = "window.moved"
	// TypeSlotMaterialized 表示槽从占位升级为内容。
	TypeSlotMaterialized Type = "slot.materialized"
	// TypeSlotCollapsed 表示槽离开窗口收缩为占位。
	TypeSlotCollapsed Type = "slot.collapsed"
	// TypeRenderCompleted 表示一次离线渲染成功（full/partial）。
	TypeRenderCompleted Type = "render.completed"
	// TypeRenderFailed 表示降级链路耗尽后的渲染失败。
	TypeRenderFailed Type = "render.failed"
)

// Event 是管线对外广播的一条事件。Index 对窗口/批量事件为 -1。
type Event struct {
	Type      Type
	Index     int
	Payload   any
	Timestamp time.Time
}

var (
	// ErrQueueClosed 表示事件队列已关闭。
	ErrQueueClosed = errors.New("event queue closed")
	// ErrEventDropped 表示事件被慢消费者丢弃。
	ErrEventDropped = errors.New("event dropped by slow subscriber")
)

// Queue 负责事件广播：每个订阅者一条有界通道，发布永不阻塞，
// 慢消费者丢事件并由返回值告知。
type Queue struct {
	mu     sync.Mutex
	subs   []chan Event
	buffer int
	closed bool
}

// NewQueue 创建事件队列，buffer 是每个订阅者的缓冲大小。
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{buffer: buffer}
}

// Subscribe 订阅事件流。通道在 Close 时关闭。
func (q *Queue) Subscribe() <-chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, q.buffer)
	q.subs = append(q.subs, ch)
	return ch
}

// Publish 发布事件到所有订阅者。存在丢弃时返回 ErrEventDropped。
func (q *Queue) Publish(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	subs := append([]chan Event{}, q.subs...)
	q.mu.Unlock()

	dropped := false
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrEventDropped
	}
	return nil
}

// Close 关闭队列和所有订阅通道。幂等。
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// SubscriberCount 返回当前订阅者数量。
func (q *Queue) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

package run

import (
	"sync"
	"time"
)

// Event 是运行进度的一条实时通知,供 API 层推送给订阅者。
// 事件只是尽力而为的信号,权威历史始终以存储层的阶段记录为准。
type Event struct {
	RunID   string         `json:"run_id"`
	Type    string         `json:"type"`
	Stage   string         `json:"stage,omitempty"`
	Status  string         `json:"status,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

const (
	EventStepStarted   = "STEP_STARTED"
	EventStepDone      = "STEP_DONE"
	EventStepFailed    = "STEP_FAILED"
	EventToolCall      = "TOOL_CALL"
	EventStatusChanged = "STATUS_CHANGED"
)

// Bus 是进程内的按运行分组的发布订阅。发布从不阻塞:订阅者的
// 缓冲满了就丢事件,慢消费者不能拖住流水线。
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]chan Event
	next int
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]chan Event)}
}

// Subscribe 订阅某个运行的事件,返回只读通道与取消函数。
// 取消函数幂等,调用后通道被关闭。
func (b *Bus) Subscribe(runID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan Event)
	}
	b.subs[runID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if channels, ok := b.subs[runID]; ok {
				delete(channels, id)
				if len(channels) == 0 {
					delete(b.subs, runID)
				}
			}
			// 在锁内关闭,保证不会与正在广播的 Publish 赛跑。
			close(ch)
		})
	}
	return ch, cancel
}

// Publish 向运行的全部订阅者广播事件,非阻塞,缓冲满则丢弃。
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

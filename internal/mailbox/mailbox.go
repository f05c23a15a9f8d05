// Package mailbox 实现读路径(生产者)和宿主(消费者)共享的有界入站收件箱
package mailbox

import (
	"sync"
	"sync/atomic"
)

// DefaultCapacity 默认槽数
const DefaultCapacity = 10

// Message 入站消息, 取出之前归收件箱所有
type Message struct {
	Topic   string
	Payload []byte
}

// Mailbox 最多保存 Capacity 条消息, nil 槽为空.
// 生产者不会因空间不足而阻塞, 槽满时丢弃最新的消息并计数.
type Mailbox struct {
	mu      sync.Mutex
	slots   []*Message
	dropped atomic.Uint64
	onDrop  func(topic string)
}

// New 创建 capacity 个槽的收件箱
func New(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{slots: make([]*Message, capacity)}
}

// OnDrop 注册丢弃回调, 在持锁状态下调用
func (m *Mailbox) OnDrop(f func(topic string)) {
	m.mu.Lock()
	m.onDrop = f
	m.mu.Unlock()
}

func (m *Mailbox) Capacity() int {
	return len(m.slots)
}

// TryPublish 把 topic 和 payload 的副本放入第一个空槽, 收件箱已满时丢弃并返回 false
func (m *Mailbox) TryPublish(topic string, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.slots {
		if s != nil {
			continue
		}
		m.slots[i] = &Message{
			Topic:   string([]byte(topic)),
			Payload: append([]byte(nil), payload...),
		}
		return true
	}

	m.dropped.Add(1)
	if m.onDrop != nil {
		m.onDrop(topic)
	}
	return false
}

// OnMessage 使收件箱可以作为订阅表的默认处理器
func (m *Mailbox) OnMessage(topic string, payload []byte) {
	m.TryPublish(topic, payload)
}

// Acquire 获取收件箱锁, 宿主可以原子地查看多个槽
func (m *Mailbox) Acquire() {
	m.mu.Lock()
}

func (m *Mailbox) Release() {
	m.mu.Unlock()
}

// DrainLocked 按槽顺序取出全部消息并清空, 调用方必须已经 Acquire
func (m *Mailbox) DrainLocked() []Message {
	var out []Message
	for i, s := range m.slots {
		if s == nil {
			continue
		}
		out = append(out, *s)
		m.slots[i] = nil
	}
	return out
}

// Drain 加锁后取出全部消息
func (m *Mailbox) Drain() []Message {
	m.Acquire()
	defer m.Release()
	return m.DrainLocked()
}

// Len 已占用槽数
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// Dropped 因收件箱已满被丢弃的消息数
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}

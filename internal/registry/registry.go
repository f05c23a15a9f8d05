// Package registry 实现了固定容量的订阅表及其消息分发
package registry

import (
	"errors"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/topic"
)

var (
	// ErrRegistryFull 没有空闲的订阅槽
	ErrRegistryFull = errors.New("registry: no free subscription slot")
	// ErrNotFound 取消订阅的过滤器不存在
	ErrNotFound = errors.New("registry: filter not subscribed")
)

const (
	// DefaultCapacity 默认订阅槽数量
	DefaultCapacity = 5

	matchCacheSize = 256
)

// SlotID 订阅槽下标
type SlotID int

// Handler 消息处理器
type Handler interface {
	OnMessage(topic string, payload []byte)
}

// HandlerFunc 将普通函数适配为 Handler
type HandlerFunc func(topic string, payload []byte)

// OnMessage 调用 f(topic, payload)
func (f HandlerFunc) OnMessage(topic string, payload []byte) {
	f(topic, payload)
}

// Subscription 一个已占用的订阅槽
type Subscription struct {
	Filter  string
	QoS     byte
	Handler Handler
	Slot    SlotID
}

type slot struct {
	used    bool
	filter  string
	qos     byte
	handler Handler
}

// Registry 订阅表, 非并发安全, 由客户端锁串行化访问
type Registry struct {
	slots    []slot
	fallback Handler
	cache    *lru.Cache[string, []SlotID]
}

// New 创建容量为 capacity 的订阅表, fallback 接收未绑定处理器的订阅消息
func New(capacity int, fallback Handler) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// 只有 size <= 0 时才会返回错误
	cache, _ := lru.New[string, []SlotID](matchCacheSize)
	return &Registry{
		slots:    make([]slot, capacity),
		fallback: fallback,
		cache:    cache,
	}
}

// Capacity 订阅槽总数
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// Len 已占用槽数
func (r *Registry) Len() int {
	count := 0
	for i := range r.slots {
		if r.slots[i].used {
			count++
		}
	}
	return count
}

func (r *Registry) find(filter string) int {
	for i := range r.slots {
		if r.slots[i].used && r.slots[i].filter == filter {
			return i
		}
	}
	return -1
}

// Lookup 按过滤器精确查找订阅
func (r *Registry) Lookup(filter string) (Subscription, bool) {
	i := r.find(filter)
	if i < 0 {
		return Subscription{}, false
	}
	return r.subscription(i), true
}

func (r *Registry) subscription(i int) Subscription {
	s := r.slots[i]
	return Subscription{Filter: s.filter, QoS: s.qos, Handler: s.handler, Slot: SlotID(i)}
}

// Subscribe 记录订阅并返回槽号和回滚函数.
// 已存在的过滤器原地替换, 回滚时恢复原值; 新过滤器占用第一个空闲槽, 回滚时释放.
func (r *Registry) Subscribe(filter string, qos byte, handler Handler) (SlotID, func(), error) {
	if i := r.find(filter); i >= 0 {
		prev := r.slots[i]
		r.slots[i].qos = qos
		r.slots[i].handler = handler
		return SlotID(i), func() { r.slots[i] = prev }, nil
	}

	free := -1
	for i := range r.slots {
		if !r.slots[i].used {
			free = i
			break
		}
	}
	if free == -1 {
		return -1, func() {}, ErrRegistryFull
	}

	r.slots[free] = slot{
		used:    true,
		filter:  strings.Clone(filter),
		qos:     qos,
		handler: handler,
	}
	r.cache.Purge()
	return SlotID(free), func() { r.Remove(SlotID(free)) }, nil
}

// Remove 释放指定槽
func (r *Registry) Remove(id SlotID) {
	if int(id) < 0 || int(id) >= len(r.slots) {
		return
	}
	r.slots[id] = slot{}
	r.cache.Purge()
}

// Unsubscribe 按过滤器精确匹配释放槽
func (r *Registry) Unsubscribe(filter string) error {
	i := r.find(filter)
	if i < 0 {
		return ErrNotFound
	}
	r.Remove(SlotID(i))
	return nil
}

// ClearAll 清空所有槽
func (r *Registry) ClearAll() {
	for i := range r.slots {
		r.slots[i] = slot{}
	}
	r.cache.Purge()
}

// Subscriptions 按槽顺序返回所有已占用订阅
func (r *Registry) Subscriptions() []Subscription {
	result := make([]Subscription, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].used {
			result = append(result, r.subscription(i))
		}
	}
	return result
}

// Match 返回与 topic 匹配的槽号
func (r *Registry) Match(name string) []SlotID {
	if ids, ok := r.cache.Get(name); ok {
		return ids
	}
	var ids []SlotID
	for i := range r.slots {
		if r.slots[i].used && topic.Matches(name, r.slots[i].filter) {
			ids = append(ids, SlotID(i))
		}
	}
	r.cache.Add(name, ids)
	return ids
}

// Dispatch 对每个匹配的槽调用其处理器, 返回匹配数量.
// 未绑定处理器的槽共享 fallback, 每条消息最多投递给 fallback 一次.
func (r *Registry) Dispatch(name string, payload []byte) int {
	ids := r.Match(name)
	useFallback := false
	for _, id := range ids {
		if h := r.slots[id].handler; h != nil {
			h.OnMessage(name, payload)
			continue
		}
		useFallback = true
	}
	if useFallback && r.fallback != nil {
		r.fallback.OnMessage(name, payload)
	}
	return len(ids)
}

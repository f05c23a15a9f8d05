// Package client 把传输层、订阅表、收件箱和协议引擎组合为一个面向宿主的 MQTT 客户端.
//
// 所有协议操作(Connect/Publish/Subscribe/Unsubscribe/Cycle/Disconnect)由客户端锁串行化;
// 收件箱有独立的锁, 分发时按 客户端锁 -> 收件箱锁 的顺序嵌套获取.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/engine"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mailbox"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/registry"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/timer"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

var (
	// ErrIO 连接关闭、读写失败或写入不完整, 对当前连接是致命的
	ErrIO = errors.New("client: io error")
	// ErrRegistryFull 订阅槽已满
	ErrRegistryFull = errors.New("client: registry full")
	// ErrNotFound 取消订阅的过滤器不存在
	ErrNotFound = errors.New("client: filter not found")
	// ErrArgument 宿主传入的参数不合法
	ErrArgument = errors.New("client: invalid argument")
	// ErrNotConnected 连接尚未建立或已断开, 属于 ErrIO
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrIO)
)

const (
	DefaultPollInterval = 500 * time.Millisecond
)

// Handler 订阅消息处理器
type Handler = registry.Handler

// HandlerFunc 将普通函数适配为 Handler
type HandlerFunc = registry.HandlerFunc

// Message 从收件箱取出的入站消息
type Message = mailbox.Message

// Options 对应宿主的 init 参数
type Options struct {
	ClientID     string
	CleanSession bool
	// PollInterval 每次 Cycle 等待入站数据的最长时间
	PollInterval time.Duration
	// CommandTimeout 连接和等待确认报文的超时
	CommandTimeout time.Duration
	MaxHandlers    int
	MailboxSize    int
	// MaxPacketSize 入站报文剩余长度上限
	MaxPacketSize int
	Metrics       *metrics.Metrics
}

type Client struct {
	mu sync.Mutex

	opts     Options
	registry *registry.Registry
	mailbox  *mailbox.Mailbox
	metrics  *metrics.Metrics

	transport *transport.Transport
	engine    atomic.Pointer[engine.Engine]

	username    string
	password    string
	hasUsername bool
	hasPassword bool
	will        *engine.Will
}

// New 创建客户端, 对应宿主的 init
func New(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = engine.DefaultCommandTimeout
	}
	if opts.MaxHandlers <= 0 {
		opts.MaxHandlers = registry.DefaultCapacity
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = mailbox.DefaultCapacity
	}

	mb := mailbox.New(opts.MailboxSize)
	c := &Client{
		opts:     opts,
		mailbox:  mb,
		registry: registry.New(opts.MaxHandlers, mb),
		metrics:  opts.Metrics,
	}
	mb.OnDrop(func(name string) {
		logger.DebugF("[%s] Mailbox full, drop message on %s", c.opts.ClientID, name)
		c.metrics.MessageDropped()
	})
	return c
}

// ClientID 客户端标识
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

func (c *Client) ioError(op string, err error) error {
	c.metrics.ConnectionError(op)
	if e := c.engine.Load(); e != nil && !e.IsConnected() {
		c.metrics.SetConnected(false)
	}
	switch {
	case errors.Is(err, ErrIO):
		return err
	case errors.Is(err, engine.ErrNotConnected):
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

func (c *Client) onMessage(name string, payload []byte) {
	c.metrics.MessageReceived()
	if n := c.registry.Dispatch(name, payload); n == 0 {
		logger.DebugF("[%s] No subscription matches %s", c.opts.ClientID, name)
	}
}

// SetCredentials 保存用户名和密码, 下次 Connect 时生效
func (c *Client) SetCredentials(username, password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = strings.Clone(username)
	c.password = strings.Clone(password)
	c.hasUsername = true
	c.hasPassword = password != ""
}

// SetWill 保存遗嘱消息, 下次 Connect 时生效
func (c *Client) SetWill(name string, payload []byte, qos byte, retain bool) error {
	if err := topic.ValidateTopic(name); err != nil {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}
	if qos > 2 {
		return fmt.Errorf("%w: qos %d", ErrArgument, qos)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.will = &engine.Will{
		Topic:   strings.Clone(name),
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	}
	return nil
}

// Connect 在已建立的套接字上完成 MQTT 握手, 返回 sessionPresent.
// 客户端接管 conn, 失败时关闭它.
func (c *Client) Connect(conn net.Conn, keepAlive uint16) (bool, error) {
	if conn == nil {
		return false, fmt.Errorf("%w: nil connection", ErrArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport != nil {
		c.transport.Disconnect()
	}

	t := transport.New(conn)
	e := engine.New(t, engine.Options{
		ClientID:       c.opts.ClientID,
		CommandTimeout: c.opts.CommandTimeout,
		MaxPacketSize:  c.opts.MaxPacketSize,
		Dispatch:       c.onMessage,
		Observer:       c.metrics,
	})
	c.transport = t
	c.engine.Store(e)

	if c.opts.CleanSession {
		c.registry.ClearAll()
		c.metrics.SetSubscriptions(0)
	}

	sessionPresent, err := e.Connect(engine.ConnectOptions{
		ClientID:     c.opts.ClientID,
		CleanSession: c.opts.CleanSession,
		KeepAlive:    keepAlive,
		Username:     c.username,
		HasUsername:  c.hasUsername,
		Password:     c.password,
		HasPassword:  c.hasPassword,
		Will:         c.will,
	})
	if err != nil {
		t.Disconnect()
		logger.ErrorF("[%s] Fail to connect to %s, details: %v", c.opts.ClientID, t.ConnID(), err)
		return false, c.ioError("connect", err)
	}

	c.metrics.SetConnected(true)
	logger.InfoF("[%s] Connected to %s, keep alive %ds", c.opts.ClientID, t.ConnID(), keepAlive)
	return sessionPresent, nil
}

// IsConnected 不获取客户端锁, Cycle 阻塞期间也可调用
func (c *Client) IsConnected() bool {
	e := c.engine.Load()
	return e != nil && e.IsConnected()
}

// Publish 发布消息, QoS 1/2 在命令超时内等待确认
func (c *Client) Publish(name string, payload []byte, qos byte, retain bool) error {
	if err := topic.ValidateTopic(name); err != nil {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}
	if qos > 2 {
		return fmt.Errorf("%w: qos %d", ErrArgument, qos)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.engine.Load()
	if e == nil {
		return ErrNotConnected
	}
	if err := e.Publish(name, engine.Message{QoS: qos, Retain: retain, Payload: payload}); err != nil {
		logger.WarnF("[%s] Fail to publish on %s, details: %v", c.opts.ClientID, name, err)
		return c.ioError("publish", err)
	}
	c.metrics.MessagePublished(qos)
	return nil
}

// Subscribe 记录订阅并发送 SUBSCRIBE; handler 为 nil 时消息进入收件箱.
// 引擎调用失败时回滚订阅表.
func (c *Client) Subscribe(filter string, qos byte, handler Handler) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrArgument, err)
	}
	if qos > 2 {
		return fmt.Errorf("%w: qos %d", ErrArgument, qos)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot, rollback, err := c.registry.Subscribe(filter, qos, handler)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistryFull, err)
	}

	e := c.engine.Load()
	if e == nil {
		rollback()
		return ErrNotConnected
	}
	if _, err := e.Subscribe(filter, qos); err != nil {
		rollback()
		logger.WarnF("[%s] Fail to subscribe %s, details: %v", c.opts.ClientID, filter, err)
		return c.ioError("subscribe", err)
	}

	c.metrics.SetSubscriptions(c.registry.Len())
	logger.InfoF("[%s] Subscribe %s (QoS %d) in slot %d", c.opts.ClientID, filter, qos, slot)
	return nil
}

// Unsubscribe 发送 UNSUBSCRIBE 成功后释放订阅槽
func (c *Client) Unsubscribe(filter string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.registry.Lookup(filter); !ok {
		return fmt.Errorf("%w: %w: %s", ErrNotFound, registry.ErrNotFound, filter)
	}

	e := c.engine.Load()
	if e == nil {
		return ErrNotConnected
	}
	if err := e.Unsubscribe(filter); err != nil {
		logger.WarnF("[%s] Fail to unsubscribe %s, details: %v", c.opts.ClientID, filter, err)
		return c.ioError("unsubscribe", err)
	}

	if err := c.registry.Unsubscribe(filter); err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	c.metrics.SetSubscriptions(c.registry.Len())
	logger.InfoF("[%s] Unsubscribe %s", c.opts.ClientID, filter)
	return nil
}

// Cycle 在轮询间隔内最多处理一个入站报文.
// 返回 ErrIO 表示连接已丢失, 客户端不会自行重试.
func (c *Client) Cycle() (mqtt.PacketType, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	packetType, err := c.cycle()
	c.metrics.ObserveCycle(time.Since(start), err)
	return packetType, err
}

func (c *Client) cycle() (mqtt.PacketType, error) {
	e := c.engine.Load()
	if e == nil || !e.IsConnected() {
		return mqtt.None, ErrNotConnected
	}

	tm := timer.New(c.opts.PollInterval)
	packetType, err := e.ProcessOne(tm)
	if err != nil {
		return packetType, c.ioError("cycle", err)
	}
	if !e.IsConnected() {
		return packetType, c.ioError("cycle", ErrNotConnected)
	}
	return packetType, nil
}

// Disconnect 发送 DISCONNECT 并关闭套接字; clean session 时清空订阅表.
// 连接已丢失时只做清理, 从未连接过时返回 ErrNotConnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.CleanSession {
		c.registry.ClearAll()
		c.metrics.SetSubscriptions(0)
	}

	e := c.engine.Load()
	if e == nil {
		return ErrNotConnected
	}

	var err error
	if e.IsConnected() {
		err = e.Disconnect()
	}
	c.transport.Disconnect()
	c.metrics.SetConnected(false)
	logger.InfoF("[%s] Disconnected", c.opts.ClientID)

	if err != nil {
		return c.ioError("disconnect", err)
	}
	return nil
}

// MailboxAcquire 获取收件箱锁
func (c *Client) MailboxAcquire() {
	c.mailbox.Acquire()
}

// MailboxRelease 释放收件箱锁
func (c *Client) MailboxRelease() {
	c.mailbox.Release()
}

// DrainLocked 取出收件箱中所有消息, 调用方必须持有收件箱锁
func (c *Client) DrainLocked() []Message {
	msgs := c.mailbox.DrainLocked()
	c.metrics.MessagesDrainedAdd(len(msgs))
	return msgs
}

// Drain 获取收件箱锁并取出所有消息
func (c *Client) Drain() []Message {
	c.mailbox.Acquire()
	defer c.mailbox.Release()
	return c.DrainLocked()
}

// Dropped 因收件箱已满被丢弃的消息数
func (c *Client) Dropped() uint64 {
	return c.mailbox.Dropped()
}

// Subscriptions 按槽顺序返回当前订阅
func (c *Client) Subscriptions() []registry.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Subscriptions()
}

// Run 反复执行 Cycle 并把收件箱中的消息交给 deliver, deliver 在收件箱锁之外调用.
// ctx 取消或 Cycle 返回错误时退出.
func (c *Client) Run(ctx context.Context, deliver func(Message)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.Cycle(); err != nil {
			return err
		}
		for _, msg := range c.Drain() {
			deliver(msg)
		}
	}
}

// TopicMatches 判断 name 是否匹配过滤器 filter
func TopicMatches(name, filter string) bool {
	return topic.Matches(name, filter)
}

// Package engine 实现了 MQTT 3.1.1 客户端协议状态机, 报文编解码使用 paho packets
package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/timer"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

var (
	ErrNotConnected         = errors.New("engine: not connected")
	ErrConnectionRefused    = errors.New("engine: connection refused")
	ErrSubscriptionRejected = errors.New("engine: subscription rejected")
	ErrPingTimeout          = errors.New("engine: no PINGRESP within keep alive")
	ErrTimeout              = errors.New("engine: command timeout")
	ErrShortWrite           = errors.New("engine: short write")
	ErrMalformedPacket      = errors.New("engine: malformed packet")
)

// DefaultCommandTimeout 等待确认报文的默认时长
const DefaultCommandTimeout = 5 * time.Second

// Will 遗嘱消息
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// ConnectOptions CONNECT 报文参数
type ConnectOptions struct {
	ClientID     string
	CleanSession bool
	// KeepAlive 单位为秒, 0 表示关闭心跳
	KeepAlive   uint16
	Username    string
	HasUsername bool
	Password    string
	HasPassword bool
	Will        *Will
}

// Message 待发布的应用消息
type Message struct {
	QoS     byte
	Retain  bool
	Payload []byte
}

// Observer 接收报文收发事件
type Observer interface {
	PacketSent(packetType mqtt.PacketType)
	PacketReceived(packetType mqtt.PacketType)
}

// Options 引擎构造参数
type Options struct {
	// ClientID 仅用于日志前缀
	ClientID       string
	CommandTimeout time.Duration
	// MaxPacketSize 入站报文剩余长度上限, <= 0 时使用 mqtt.DefaultMaxPacketSize
	MaxPacketSize int
	// Dispatch 对每个入站 PUBLISH 调用一次
	Dispatch func(topic string, payload []byte)
	Observer Observer
}

// Engine 单连接协议引擎, 非并发安全, 调用方持有客户端锁
type Engine struct {
	transport      *transport.Transport
	ids            *PacketIDManager
	clientID       string
	commandTimeout time.Duration
	maxPacketSize  int
	dispatch       func(topic string, payload []byte)
	observer       Observer

	connected       atomic.Bool
	keepAlive       time.Duration
	lastSent        timer.Timer
	lastReceived    timer.Timer
	pingTimer       timer.Timer
	pingOutstanding bool
}

func New(t *transport.Transport, opts Options) *Engine {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = mqtt.DefaultMaxPacketSize
	}
	return &Engine{
		transport:      t,
		ids:            NewPacketIDManager(),
		clientID:       opts.ClientID,
		commandTimeout: opts.CommandTimeout,
		maxPacketSize:  opts.MaxPacketSize,
		dispatch:       opts.Dispatch,
		observer:       opts.Observer,
	}
}

// IsConnected 连接已建立且未发生 I/O 错误
func (e *Engine) IsConnected() bool {
	return e.connected.Load()
}

func (e *Engine) fail(reason error) {
	if e.connected.Swap(false) {
		logger.WarnF("[%s] Connection lost, details: %v", e.clientID, reason)
	}
}

// transportReader 把一次报文剩余部分的读取适配为 io.Reader, 超时视为半包
type transportReader struct {
	t       *transport.Transport
	timeout time.Duration
}

func (r transportReader) Read(p []byte) (int, error) {
	n, err := r.t.Read(p, r.timeout)
	if err != nil {
		return n, err
	}
	if n == 0 && len(p) > 0 {
		return 0, fmt.Errorf("%w: packet body timed out", transport.ErrIncompleteRead)
	}
	return n, nil
}

// readPacket 在 tm 剩余时间内等待首字节, 之后在命令超时内读完整个报文.
// 没有数据时返回 mqtt.None.
func (e *Engine) readPacket(tm *timer.Timer) (mqtt.PacketType, packets.ControlPacket, error) {
	var first [1]byte
	n, err := e.transport.Read(first[:], tm.Remaining())
	if err != nil {
		e.fail(err)
		return mqtt.None, nil, err
	}
	if n == 0 {
		return mqtt.None, nil, nil
	}

	header, frame, err := mqtt.ReadFrame(first[0], transportReader{t: e.transport, timeout: e.commandTimeout}, e.maxPacketSize)
	if err != nil {
		e.fail(err)
		if errors.Is(err, mqtt.ErrInvalidFlags) || errors.Is(err, mqtt.ErrMalformedLength) || errors.Is(err, mqtt.ErrPacketTooLarge) {
			return mqtt.None, nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
		}
		return mqtt.None, nil, err
	}

	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		e.fail(err)
		return mqtt.None, nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	if e.keepAlive > 0 {
		e.lastReceived.Start(e.keepAlive)
	}
	if e.observer != nil {
		e.observer.PacketReceived(header.Type)
	}
	logger.DebugF("[%s] Receive %s packet", e.clientID, header.Type)
	return header.Type, cp, nil
}

func (e *Engine) send(cp packets.ControlPacket, packetType mqtt.PacketType) error {
	var buf bytes.Buffer
	if err := cp.Write(&buf); err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrMalformedPacket, packetType, err)
	}

	n, err := e.transport.Write(buf.Bytes(), e.commandTimeout)
	if err != nil {
		e.fail(err)
		return err
	}
	if n < buf.Len() {
		err = fmt.Errorf("%w: %s sent %d of %d bytes", ErrShortWrite, packetType, n, buf.Len())
		e.fail(err)
		return err
	}

	if e.keepAlive > 0 {
		e.lastSent.Start(e.keepAlive)
	}
	if e.observer != nil {
		e.observer.PacketSent(packetType)
	}
	logger.DebugF("[%s] Send %s packet", e.clientID, packetType)
	return nil
}

// waitFor 读取并处理报文直到收到指定类型(及报文标识符)的确认或 tm 到期
func (e *Engine) waitFor(want mqtt.PacketType, id uint16, tm *timer.Timer) (packets.ControlPacket, error) {
	for {
		packetType, cp, err := e.readPacket(tm)
		if err != nil {
			return nil, err
		}
		if packetType == want && (id == 0 || cp.Details().MessageID == id) {
			return cp, nil
		}
		if packetType != mqtt.None {
			if err := e.handle(packetType, cp); err != nil {
				return nil, err
			}
		}
		if tm.Expired() {
			return nil, fmt.Errorf("%w: waiting for %s", ErrTimeout, want)
		}
	}
}

// Connect 发送 CONNECT 并在命令超时内等待 CONNACK, 返回 sessionPresent
func (e *Engine) Connect(opts ConnectOptions) (bool, error) {
	tm := timer.New(e.commandTimeout)

	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	cp.ProtocolVersion = mqtt.ProtocolLevel
	cp.ClientIdentifier = opts.ClientID
	cp.CleanSession = opts.CleanSession
	cp.Keepalive = opts.KeepAlive
	if opts.HasUsername {
		cp.UsernameFlag = true
		cp.Username = opts.Username
	}
	if opts.HasPassword {
		cp.PasswordFlag = true
		cp.Password = []byte(opts.Password)
	}
	if opts.Will != nil {
		cp.WillFlag = true
		cp.WillTopic = opts.Will.Topic
		cp.WillMessage = opts.Will.Payload
		cp.WillQos = opts.Will.QoS
		cp.WillRetain = opts.Will.Retain
	}

	e.keepAlive = time.Duration(opts.KeepAlive) * time.Second
	e.pingOutstanding = false

	if err := e.send(cp, mqtt.CONNECT); err != nil {
		return false, err
	}

	pkt, err := e.waitFor(mqtt.CONNACK, 0, tm)
	if err != nil {
		return false, err
	}
	ack := pkt.(*packets.ConnackPacket)
	if ack.ReturnCode != packets.Accepted {
		reason, ok := packets.ConnackReturnCodes[ack.ReturnCode]
		if !ok {
			reason = fmt.Sprintf("return code %d", ack.ReturnCode)
		}
		return false, fmt.Errorf("%w: %s", ErrConnectionRefused, reason)
	}

	e.connected.Store(true)
	logger.InfoF("[%s] Connected, session present %v", e.clientID, ack.SessionPresent)
	return ack.SessionPresent, nil
}

// ProcessOne 最多读取并处理一个入站报文, 然后执行心跳检查.
// 没有报文到达时返回 mqtt.None.
func (e *Engine) ProcessOne(tm *timer.Timer) (mqtt.PacketType, error) {
	if !e.connected.Load() {
		return mqtt.None, ErrNotConnected
	}

	packetType, cp, err := e.readPacket(tm)
	if err != nil {
		return mqtt.None, err
	}
	if packetType != mqtt.None {
		if err := e.handle(packetType, cp); err != nil {
			return packetType, err
		}
	}

	if err := e.keepalive(); err != nil {
		return packetType, err
	}
	return packetType, nil
}

func (e *Engine) handle(packetType mqtt.PacketType, cp packets.ControlPacket) error {
	switch p := cp.(type) {
	case *packets.PublishPacket:
		if e.dispatch != nil {
			e.dispatch(p.TopicName, p.Payload)
		}
		switch p.Qos {
		case 1:
			ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
			ack.MessageID = p.MessageID
			return e.send(ack, mqtt.PUBACK)
		case 2:
			rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
			rec.MessageID = p.MessageID
			return e.send(rec, mqtt.PUBREC)
		}
	case *packets.PubrecPacket:
		rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		rel.MessageID = p.MessageID
		return e.send(rel, mqtt.PUBREL)
	case *packets.PubrelPacket:
		comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
		comp.MessageID = p.MessageID
		return e.send(comp, mqtt.PUBCOMP)
	case *packets.PingrespPacket:
		e.pingOutstanding = false
	default:
		logger.DebugF("[%s] Ignore %s packet", e.clientID, packetType)
	}
	return nil
}

// keepalive 在最近一次发送或接收超过保活时长后发送 PINGREQ,
// PINGREQ 在一个保活周期内未得到响应视为连接失败
func (e *Engine) keepalive() error {
	if e.keepAlive == 0 {
		return nil
	}

	if e.pingOutstanding {
		if e.pingTimer.Expired() {
			e.fail(ErrPingTimeout)
			return ErrPingTimeout
		}
		return nil
	}

	if !e.lastSent.Expired() && !e.lastReceived.Expired() {
		return nil
	}

	if err := e.send(packets.NewControlPacket(packets.Pingreq), mqtt.PINGREQ); err != nil {
		return err
	}
	e.pingOutstanding = true
	e.pingTimer.Start(e.keepAlive)
	return nil
}

// Publish 发送 PUBLISH, QoS 1 等待 PUBACK, QoS 2 完成 PUBREC/PUBREL/PUBCOMP 握手
func (e *Engine) Publish(topicName string, msg Message) error {
	if !e.connected.Load() {
		return ErrNotConnected
	}
	tm := timer.New(e.commandTimeout)

	p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	p.TopicName = topicName
	p.Payload = msg.Payload
	p.Qos = msg.QoS
	p.Retain = msg.Retain

	if msg.QoS > 0 {
		p.MessageID = e.ids.NextID()
		defer e.ids.ReleaseID(p.MessageID)
	}

	if err := e.send(p, mqtt.PUBLISH); err != nil {
		return err
	}

	switch msg.QoS {
	case 1:
		if _, err := e.waitFor(mqtt.PUBACK, p.MessageID, tm); err != nil {
			return err
		}
	case 2:
		if _, err := e.waitFor(mqtt.PUBREC, p.MessageID, tm); err != nil {
			return err
		}
		rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
		rel.MessageID = p.MessageID
		if err := e.send(rel, mqtt.PUBREL); err != nil {
			return err
		}
		if _, err := e.waitFor(mqtt.PUBCOMP, p.MessageID, tm); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe 发送 SUBSCRIBE 并等待 SUBACK, 返回服务端授予的 QoS
func (e *Engine) Subscribe(filter string, qos byte) (byte, error) {
	if !e.connected.Load() {
		return 0, ErrNotConnected
	}
	tm := timer.New(e.commandTimeout)

	s := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	s.MessageID = e.ids.NextID()
	defer e.ids.ReleaseID(s.MessageID)
	s.Topics = []string{filter}
	s.Qoss = []byte{qos}

	if err := e.send(s, mqtt.SUBSCRIBE); err != nil {
		return 0, err
	}

	pkt, err := e.waitFor(mqtt.SUBACK, s.MessageID, tm)
	if err != nil {
		return 0, err
	}
	ack := pkt.(*packets.SubackPacket)
	if len(ack.ReturnCodes) == 0 || ack.ReturnCodes[0] == 0x80 {
		return 0, fmt.Errorf("%w: %s", ErrSubscriptionRejected, filter)
	}
	return ack.ReturnCodes[0], nil
}

// Unsubscribe 发送 UNSUBSCRIBE 并等待 UNSUBACK
func (e *Engine) Unsubscribe(filter string) error {
	if !e.connected.Load() {
		return ErrNotConnected
	}
	tm := timer.New(e.commandTimeout)

	u := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	u.MessageID = e.ids.NextID()
	defer e.ids.ReleaseID(u.MessageID)
	u.Topics = []string{filter}

	if err := e.send(u, mqtt.UNSUBSCRIBE); err != nil {
		return err
	}
	_, err := e.waitFor(mqtt.UNSUBACK, u.MessageID, tm)
	return err
}

// Disconnect 发送 DISCONNECT, 无论结果如何连接都标记为断开
func (e *Engine) Disconnect() error {
	if !e.connected.Load() {
		return ErrNotConnected
	}
	err := e.send(packets.NewControlPacket(packets.Disconnect), mqtt.DISCONNECT)
	e.connected.Store(false)
	return err
}

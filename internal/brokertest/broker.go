// Package brokertest 提供进程内的最小 MQTT 3.1.1 broker, 供引擎和客户端测试使用
package brokertest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/topic"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/transport"
)

// Options 控制 broker 的异常行为
type Options struct {
	// ConnackCode 非 0 时拒绝连接
	ConnackCode byte
	// SessionPresent CONNACK 中的 session present 标志
	SessionPresent bool
	// RejectFilters 中的过滤器返回 0x80
	RejectFilters []string
	// DropPingResp 不回复 PINGREQ
	DropPingResp bool
	// Silent 收到 CONNECT 后不回复任何报文
	Silent bool
}

// Broker 监听本地回环地址
type Broker struct {
	ln   net.Listener
	opts Options

	mu       sync.Mutex
	conns    map[*conn]struct{}
	received []packets.ControlPacket
	changed  chan struct{}
	wg       sync.WaitGroup
}

type conn struct {
	net.Conn
	connID   string
	clientID string
	writeMu  sync.Mutex
	filters  map[string]byte
	nextID   uint16
}

// New 在 127.0.0.1 的随机端口上启动 broker
func New(opts Options) (*Broker, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	b := &Broker{
		ln:      ln,
		opts:    opts,
		conns:   make(map[*conn]struct{}),
		changed: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.serve()
	return b, nil
}

// Addr broker 监听地址
func (b *Broker) Addr() string {
	return b.ln.Addr().String()
}

// Dial 建立一条到 broker 的 TCP 连接
func (b *Broker) Dial() (net.Conn, error) {
	return net.DialTimeout("tcp", b.Addr(), time.Second)
}

// Close 关闭监听和所有连接
func (b *Broker) Close() error {
	err := b.ln.Close()
	b.mu.Lock()
	for c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
	return err
}

func (b *Broker) serve() {
	defer b.wg.Done()
	for {
		nc, err := b.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.ErrorF("Accept connection error: %v", err)
			}
			return
		}
		logger.DebugF("Accepted new connection from %s", nc.RemoteAddr().String())

		c := &conn{Conn: nc, connID: nc.RemoteAddr().String(), filters: make(map[string]byte), nextID: 1}
		b.mu.Lock()
		b.conns[c] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleConnection(c)
		}()
	}
}

func (b *Broker) notify() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Broker) record(cp packets.ControlPacket) {
	b.mu.Lock()
	b.received = append(b.received, cp)
	b.notify()
	b.mu.Unlock()
}

// Received 返回按到达顺序记录的所有入站报文
func (b *Broker) Received() []packets.ControlPacket {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]packets.ControlPacket(nil), b.received...)
}

// WaitFor 等待直到 cond 对已收到的报文返回 true
func (b *Broker) WaitFor(timeout time.Duration, cond func([]packets.ControlPacket) bool) bool {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		ok := cond(b.received)
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

// WaitSubscribed 等待某个连接订阅 filter
func (b *Broker) WaitSubscribed(filter string, timeout time.Duration) bool {
	return b.WaitFor(timeout, func(_ []packets.ControlPacket) bool {
		for c := range b.conns {
			if _, ok := c.filters[filter]; ok {
				return true
			}
		}
		return false
	})
}

// Publish 把消息路由给所有订阅匹配的连接, 返回投递数量
func (b *Broker) Publish(name string, payload []byte, qos byte) int {
	b.mu.Lock()
	var targets []*conn
	for c := range b.conns {
		for filter := range c.filters {
			if topic.Matches(name, filter) {
				targets = append(targets, c)
				break
			}
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		p := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
		p.TopicName = name
		p.Payload = payload
		p.Qos = qos
		if qos > 0 {
			b.mu.Lock()
			p.MessageID = c.nextID
			c.nextID++
			if c.nextID == 0 {
				c.nextID = 1
			}
			b.mu.Unlock()
		}
		if err := c.send(p); err == nil {
			delivered++
		}
	}
	return delivered
}

// Inject 直接向指定连接写入原始字节, 用于构造异常报文
func (b *Broker) Inject(raw []byte) error {
	b.mu.Lock()
	var target *conn
	for c := range b.conns {
		target = c
		break
	}
	b.mu.Unlock()
	if target == nil {
		return errors.New("brokertest: no connection")
	}
	return target.write(raw)
}

// DropConnections 关闭所有客户端连接
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		_ = c.Close()
	}
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	total := 0
	for total < len(data) {
		n, err := c.Write(data[total:])
		if err != nil {
			logger.ErrorF("[%s] Fail to send data, details: %v", c.connID, err)
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", c.connID, total)
	return nil
}

func (c *conn) send(cp packets.ControlPacket) error {
	var buf bytes.Buffer
	if err := cp.Write(&buf); err != nil {
		return err
	}
	return c.write(buf.Bytes())
}

func readPacket(r io.Reader) (*mqtt.FixedHeader, packets.ControlPacket, error) {
	first, err := mqtt.ReadByte(r)
	if err != nil {
		return nil, nil, err
	}
	header, frame, err := mqtt.ReadFrame(first, r, mqtt.MaxRemainingLength)
	if err != nil {
		return nil, nil, err
	}
	cp, err := packets.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		return nil, nil, err
	}
	return header, cp, nil
}

func (b *Broker) handleConnection(c *conn) {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.connID)
		if err := c.Close(); err != nil && !transport.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
		}
		b.mu.Lock()
		delete(b.conns, c)
		b.notify()
		b.mu.Unlock()
	}()

	keepAlive, err := b.handleFirstPacket(c)
	if err != nil {
		return
	}
	b.handlePacket(c, keepAlive)
}

func (b *Broker) handleFirstPacket(c *conn) (time.Duration, error) {
	_ = c.SetReadDeadline(time.Now().Add(time.Minute))
	header, cp, err := readPacket(c)
	if err != nil {
		logger.WarnF("[%s] Fail to read first packet, details: %v", c.connID, err)
		return 0, err
	}
	_ = c.SetReadDeadline(time.Time{})

	connect, ok := cp.(*packets.ConnectPacket)
	if !ok {
		logger.ErrorF("[%s] Invalid first packet type, expected %s packet, but got %s packet", c.connID, mqtt.CONNECT, header.Type)
		return 0, fmt.Errorf("unexpected %s", header.Type)
	}
	b.record(cp)
	c.clientID = connect.ClientIdentifier

	if b.opts.Silent {
		return time.Duration(connect.Keepalive) * time.Second, nil
	}

	ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
	ack.ReturnCode = b.opts.ConnackCode
	ack.SessionPresent = b.opts.SessionPresent && !connect.CleanSession
	if err := c.send(ack); err != nil {
		return 0, err
	}
	if ack.ReturnCode != packets.Accepted {
		return 0, fmt.Errorf("refused with code %d", ack.ReturnCode)
	}
	return time.Duration(connect.Keepalive) * time.Second, nil
}

func (b *Broker) rejected(filter string) bool {
	for _, f := range b.opts.RejectFilters {
		if f == filter {
			return true
		}
	}
	return false
}

func (b *Broker) handlePacket(c *conn, keepAlive time.Duration) {
	for {
		if keepAlive != 0 {
			_ = c.SetReadDeadline(time.Now().Add(keepAlive + keepAlive/2))
		}

		header, cp, err := readPacket(c)
		if err != nil {
			transport.HandleReadError(c.connID, err)
			return
		}
		_ = c.SetReadDeadline(time.Time{})

		logger.DebugF("[%s] Receive %s package", c.connID, header.Type)
		b.record(cp)

		if b.opts.Silent {
			continue
		}

		switch p := cp.(type) {
		case *packets.ConnectPacket:
			logger.ErrorF("[%s] Duplicate CONNECT package", c.connID)
			return
		case *packets.PublishPacket:
			switch p.Qos {
			case 1:
				ack := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
				ack.MessageID = p.MessageID
				err = c.send(ack)
			case 2:
				rec := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
				rec.MessageID = p.MessageID
				err = c.send(rec)
			}
			b.Publish(p.TopicName, p.Payload, 0)
		case *packets.PubrelPacket:
			comp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
			comp.MessageID = p.MessageID
			err = c.send(comp)
		case *packets.PubrecPacket:
			rel := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
			rel.MessageID = p.MessageID
			err = c.send(rel)
		case *packets.PubackPacket, *packets.PubcompPacket:
		case *packets.SubscribePacket:
			ack := packets.NewControlPacket(packets.Suback).(*packets.SubackPacket)
			ack.MessageID = p.MessageID
			b.mu.Lock()
			for i, filter := range p.Topics {
				if b.rejected(filter) {
					ack.ReturnCodes = append(ack.ReturnCodes, 0x80)
					continue
				}
				c.filters[filter] = p.Qoss[i]
				ack.ReturnCodes = append(ack.ReturnCodes, p.Qoss[i])
			}
			b.notify()
			b.mu.Unlock()
			err = c.send(ack)
		case *packets.UnsubscribePacket:
			b.mu.Lock()
			for _, filter := range p.Topics {
				delete(c.filters, filter)
			}
			b.notify()
			b.mu.Unlock()
			ack := packets.NewControlPacket(packets.Unsuback).(*packets.UnsubackPacket)
			ack.MessageID = p.MessageID
			err = c.send(ack)
		case *packets.PingreqPacket:
			if !b.opts.DropPingResp {
				err = c.send(packets.NewControlPacket(packets.Pingresp))
			}
		case *packets.DisconnectPacket:
			logger.InfoF("[%s] Client disconnect", c.connID)
			return
		default:
			logger.WarnF("[%s] %s package has not been supported", c.connID, header.Type)
			return
		}

		if err != nil {
			logger.WarnF("[%s] Fail to reply %s packet, details: %v", c.connID, header.Type, err)
			return
		}
	}
}

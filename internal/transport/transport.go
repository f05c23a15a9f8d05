// Package transport 实现了带超时的阻塞式字节流读写, 读写要么完整成功要么失败
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
)

var (
	// ErrConnectionClosed 对端关闭连接或底层读写出错
	ErrConnectionClosed = errors.New("transport: connection closed")
	// ErrIncompleteRead 已开始接收数据但在期限内未读满
	ErrIncompleteRead = errors.New("transport: incomplete read")
	// ErrNoConnection 尚未绑定套接字
	ErrNoConnection = errors.New("transport: no connection")
)

// Transport 独占一个 net.Conn, 调用方负责串行化读写
type Transport struct {
	conn   net.Conn
	connID string

	closeOnce sync.Once
}

// New 绑定一个已建立的连接
func New(conn net.Conn) *Transport {
	t := &Transport{conn: conn}
	if conn != nil && conn.RemoteAddr() != nil {
		t.connID = conn.RemoteAddr().String()
	}
	return t
}

// ConnID 返回连接标识(对端地址)
func (t *Transport) ConnID() string {
	return t.connID
}

// Read 读取恰好 len(buf) 字节.
// 期限内没有任何数据到达时返回 0, nil; 读满时返回 len(buf), nil;
// 连接关闭、出错或读到一半超时时返回错误, 不返回部分计数.
func (t *Transport) Read(buf []byte, timeout time.Duration) (int, error) {
	if t.conn == nil {
		return 0, ErrNoConnection
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if timeout < 0 {
		timeout = 0
	}

	// 期限为当前时刻时, 空闲连接立即超时
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	total := 0
	for total < len(buf) {
		n, err := t.conn.Read(buf[total:])
		total += n
		if err == nil {
			continue
		}
		if total == len(buf) {
			break
		}
		if os.IsTimeout(err) {
			if total == 0 {
				return 0, nil
			}
			logger.WarnF("[%s] Read timeout after %d of %d bytes", t.connID, total, len(buf))
			return 0, fmt.Errorf("%w: got %d of %d bytes", ErrIncompleteRead, total, len(buf))
		}
		HandleReadError(t.connID, err)
		return 0, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return total, nil
}

// Write 循环发送直到全部写出或超时.
// 超时返回已发送字节数且 err 为 nil, 调用方必须把 n < len(buf) 视为失败;
// 硬错误返回已发送字节数和错误.
func (t *Transport) Write(buf []byte, timeout time.Duration) (int, error) {
	if t.conn == nil {
		return 0, ErrNoConnection
	}
	if timeout < 0 {
		timeout = 0
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	defer func() { _ = t.conn.SetWriteDeadline(time.Time{}) }()

	sent := 0
	for sent < len(buf) {
		n, err := t.conn.Write(buf[sent:])
		sent += n
		if err != nil {
			if os.IsTimeout(err) {
				logger.WarnF("[%s] Write timeout after %d of %d bytes", t.connID, sent, len(buf))
				return sent, nil
			}
			logger.ErrorF("[%s] Fail to send data, details: %v", t.connID, err)
			return sent, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
	}
	logger.DebugF("[%s] Send %d bytes", t.connID, sent)
	return sent, nil
}

// Disconnect 关闭套接字, 可重复调用, 不返回错误
func (t *Transport) Disconnect() {
	if t.conn == nil {
		return
	}
	t.closeOnce.Do(func() {
		if err := t.conn.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", t.connID, err)
		}
	})
}

// IsNetClosedError 判断错误是否来自已关闭的连接
func IsNetClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// HandleReadError 按错误类型记录读取失败
func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		logger.InfoF("[%s] Server close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}

package mqtt

import (
	"errors"
	"fmt"
	"io"
)

const (
	// MaxRemainingLength 四字节变长编码能表示的最大值
	MaxRemainingLength = 268435455
	// DefaultMaxPacketSize 默认允许接收的最大剩余长度
	DefaultMaxPacketSize = 1 << 20
)

var (
	ErrMalformedLength = errors.New("mqtt: the remaining length exceeds the 4 byte limit")
	ErrInvalidFlags    = errors.New("mqtt: invalid fixed header flags")
	ErrPacketTooLarge  = errors.New("mqtt: packet exceeds the maximum size")
)

func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func DecodeRemainingLength(r io.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ { // 最多读取4字节
		encodedByte, err := ReadByte(r)
		if err != nil {
			return 0, err
		}
		value += int(encodedByte&127) * multiplier
		multiplier *= 128
		if (encodedByte & 128) == 0 {
			return value, nil
		}
	}
	return 0, ErrMalformedLength
}

func EncodeRemainingLength(x int) []byte {
	if x == 0 {
		return []byte{0}
	}
	var buf [4]byte
	i := 0
	for x > 0 && i < 4 {
		buf[i] = byte(x % 128)
		if x /= 128; x > 0 {
			buf[i] |= 128
		}
		i++
	}
	return buf[:i]
}

// ReadFrame 在已读到首字节的前提下读出剩余长度和可变头+有效载荷,
// 返回解析后的固定头和完整的原始报文(含首字节).
// 剩余长度超过 maxSize 时在分配缓冲区之前返回 ErrPacketTooLarge, maxSize <= 0 表示不限制.
func ReadFrame(first byte, r io.Reader, maxSize int) (*FixedHeader, []byte, error) {
	packetType, flags := ParseFirstByte(first)
	if !ValidateFlags(packetType, flags) {
		return nil, nil, fmt.Errorf("%w: flags %04b of %s packet", ErrInvalidFlags, flags, packetType)
	}

	remaining, err := DecodeRemainingLength(r)
	if err != nil {
		return nil, nil, err
	}
	if maxSize > 0 && remaining > maxSize {
		return nil, nil, fmt.Errorf("%w: %s packet of %d bytes, limit %d", ErrPacketTooLarge, packetType, remaining, maxSize)
	}

	encoded := EncodeRemainingLength(remaining)
	frame := make([]byte, 1+len(encoded)+remaining)
	frame[0] = first
	copy(frame[1:], encoded)
	if _, err := io.ReadFull(r, frame[1+len(encoded):]); err != nil {
		return nil, nil, err
	}

	return &FixedHeader{
		Type:            packetType,
		Flags:           flags,
		RemainingLength: remaining,
	}, frame, nil
}

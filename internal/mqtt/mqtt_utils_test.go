package mqtt

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRemainingLength(t *testing.T) {
	tests := []struct {
		input  int
		expect []byte
	}{
		{0, []byte{0x00}},
		{64, []byte{0x40}},
		{321, []byte{0xC1, 0x02}},
		{268435455, []byte{0xFF, 0xFF, 0xFF, 0x7F}},
	}

	for _, tt := range tests {
		encoded := EncodeRemainingLength(tt.input)
		if !bytes.Equal(encoded, tt.expect) {
			t.Errorf("输入=%d 期望=%x 实际=%x", tt.input, tt.expect, encoded)
		}

		decoded, _ := DecodeRemainingLength(bytes.NewReader(encoded))
		if decoded != tt.input {
			t.Errorf("输入=%d 解码后=%d", tt.input, decoded)
		}
	}
}

func TestDecodeRemainingLengthTooLong(t *testing.T) {
	_, err := DecodeRemainingLength(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01}))
	if !errors.Is(err, ErrMalformedLength) {
		t.Errorf("期望=%v 实际=%v", ErrMalformedLength, err)
	}
}

func TestReadFrame(t *testing.T) {
	// PUBACK, packet id 7
	header, frame, err := ReadFrame(0x40, bytes.NewReader([]byte{0x02, 0x00, 0x07}), DefaultMaxPacketSize)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if header.Type != PUBACK || header.RemainingLength != 2 {
		t.Errorf("期望=PUBACK/2 实际=%s/%d", header.Type, header.RemainingLength)
	}
	if !bytes.Equal(frame, []byte{0x40, 0x02, 0x00, 0x07}) {
		t.Errorf("frame=%x", frame)
	}

	if _, _, err := ReadFrame(0x41, bytes.NewReader([]byte{0x00}), 0); !errors.Is(err, ErrInvalidFlags) {
		t.Errorf("期望=%v 实际=%v", ErrInvalidFlags, err)
	}

	if _, _, err := ReadFrame(0x40, bytes.NewReader([]byte{0x02, 0x00}), 0); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("期望=%v 实际=%v", io.ErrUnexpectedEOF, err)
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	// PUBLISH 声明 268435455 字节, 但没有后续数据
	huge := []byte{0xff, 0xff, 0xff, 0x7f}
	if _, _, err := ReadFrame(0x30, bytes.NewReader(huge), DefaultMaxPacketSize); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("期望=%v 实际=%v", ErrPacketTooLarge, err)
	}

	// 恰好等于上限时正常读取
	body := append([]byte{0x04}, 0x00, 0x01, 'a', 'b')
	header, _, err := ReadFrame(0x30, bytes.NewReader(body), 4)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if header.RemainingLength != 4 {
		t.Errorf("期望=4 实际=%d", header.RemainingLength)
	}
	if _, _, err := ReadFrame(0x30, bytes.NewReader(body), 3); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("期望=%v 实际=%v", ErrPacketTooLarge, err)
	}
}

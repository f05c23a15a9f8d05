package brokertest

import (
	"bytes"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

func write(t *testing.T, b *bytes.Buffer, cp packets.ControlPacket) {
	t.Helper()
	b.Reset()
	if err := cp.Write(b); err != nil {
		t.Fatalf("encode: %v", err)
	}
}

func TestRouteToSubscriber(t *testing.T) {
	b, err := New(Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	nc, err := b.Dial()
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))

	var buf bytes.Buffer
	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = "MQTT"
	connect.ProtocolVersion = 4
	connect.ClientIdentifier = "raw"
	connect.CleanSession = true
	write(t, &buf, connect)
	if _, err := nc.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	_, cp, err := readPacket(nc)
	if err != nil {
		t.Fatal(err)
	}
	if ack, ok := cp.(*packets.ConnackPacket); !ok || ack.ReturnCode != packets.Accepted {
		t.Fatalf("expected accepted CONNACK, got %v", cp)
	}

	sub := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	sub.MessageID = 9
	sub.Topics = []string{"a/+/c"}
	sub.Qoss = []byte{0}
	write(t, &buf, sub)
	if _, err := nc.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	_, cp, err = readPacket(nc)
	if err != nil {
		t.Fatal(err)
	}
	if ack, ok := cp.(*packets.SubackPacket); !ok || ack.MessageID != 9 || len(ack.ReturnCodes) != 1 {
		t.Fatalf("expected SUBACK for id 9, got %v", cp)
	}

	if !b.WaitSubscribed("a/+/c", time.Second) {
		t.Fatal("expected subscription to be recorded")
	}
	if n := b.Publish("a/x/d", []byte("no"), 0); n != 0 {
		t.Errorf("expected no delivery for a/x/d, got %d", n)
	}
	if n := b.Publish("a/x/c", []byte("hello"), 0); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	_, cp, err = readPacket(nc)
	if err != nil {
		t.Fatal(err)
	}
	pub, ok := cp.(*packets.PublishPacket)
	if !ok || pub.TopicName != "a/x/c" || string(pub.Payload) != "hello" {
		t.Fatalf("expected PUBLISH a/x/c, got %v", cp)
	}
}

func TestRefuse(t *testing.T) {
	b, err := New(Options{ConnackCode: packets.ErrRefusedNotAuthorised})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	nc, err := b.Dial()
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))

	var buf bytes.Buffer
	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ProtocolName = "MQTT"
	connect.ProtocolVersion = 4
	connect.ClientIdentifier = "raw"
	write(t, &buf, connect)
	if _, err := nc.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	_, cp, err := readPacket(nc)
	if err != nil {
		t.Fatal(err)
	}
	if ack := cp.(*packets.ConnackPacket); ack.ReturnCode != packets.ErrRefusedNotAuthorised {
		t.Fatalf("expected refusal, got %d", ack.ReturnCode)
	}
	if _, _, err := readPacket(nc); err == nil {
		t.Fatal("expected connection to be closed after refusal")
	}
}

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/brokertest"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"single level", []string{"match", "a/x/c", "a/+/c"}, "match", false},
		{"multi level", []string{"match", "a/b/c", "a/#"}, "match", false},
		{"mismatch", []string{"match", "a/b", "a/+/c"}, "no match", false},
		{"dollar topic", []string{"match", "$SYS/uptime", "#"}, "match", false},
		{"invalid filter", []string{"match", "a/b", "a/#/b"}, "", true},
		{"missing args", []string{"match", "a/b"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}
			if strings.TrimSpace(out) != tt.want {
				t.Errorf("expected %q, got %q", tt.want, out)
			}
		})
	}
}

func TestArgumentValidation(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "never-created.json")
	tests := []struct {
		name string
		args []string
	}{
		{"pub bad qos", []string{"pub", "-c", missing, "a/b", "x", "--qos", "3"}},
		{"pub wildcard topic", []string{"pub", "-c", missing, "a/+", "x"}},
		{"pub missing payload", []string{"pub", "-c", missing, "a/b"}},
		{"sub bad qos", []string{"sub", "-c", missing, "a/#", "--qos", "3"}},
		{"sub invalid filter", []string{"sub", "-c", missing, "a/#/b"}},
		{"sub no filter", []string{"sub", "-c", missing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Fatal("expected error")
			}
			if _, err := os.Stat(missing); !os.IsNotExist(err) {
				t.Errorf("config should not be touched before arguments are valid")
			}
		})
	}
}

func TestNewClientID(t *testing.T) {
	if got := newClientID(config.ClientConfig{ClientID: "dev1"}); got != "dev1" {
		t.Errorf("expected dev1, got %s", got)
	}
	a := newClientID(config.ClientConfig{})
	b := newClientID(config.ClientConfig{})
	if !strings.HasPrefix(a, clientIDPrefix) || a == b {
		t.Errorf("expected distinct generated ids, got %s and %s", a, b)
	}
}

func writeConfig(t *testing.T, addr string) string {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Client.ClientID = "cli-test"
	cfg.Broker.Host = host
	cfg.Broker.Port = port
	cfg.Log.Directory = ""
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPub(t *testing.T) {
	b, err := brokertest.New(brokertest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	path := writeConfig(t, b.Addr())
	if _, err := execute(t, "pub", "-c", path, "a/x/c", "hello", "--qos", "1"); err != nil {
		t.Fatalf("pub failed: %v", err)
	}

	ok := b.WaitFor(2*time.Second, func(received []packets.ControlPacket) bool {
		var published, disconnected bool
		for _, cp := range received {
			switch p := cp.(type) {
			case *packets.PublishPacket:
				published = p.TopicName == "a/x/c" && string(p.Payload) == "hello" && p.Qos == 1
			case *packets.DisconnectPacket:
				disconnected = true
			}
		}
		return published && disconnected
	})
	if !ok {
		t.Fatalf("expected PUBLISH and DISCONNECT, got %v", b.Received())
	}
}

func TestPubConfigCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := execute(t, "pub", "-c", path, "a/b", "x"); err == nil {
		t.Fatal("expected error when configuration is created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected default configuration at %s: %v", path, err)
	}
}

// lineWriter 把写入按行切分后送入 lines
type lineWriter struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	lines chan string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// 不完整的行放回缓冲区
			rest := line
			w.buf.Reset()
			w.buf.WriteString(rest)
			return len(p), nil
		}
		w.lines <- strings.TrimSpace(line)
	}
}

func TestSub(t *testing.T) {
	b, err := brokertest.New(brokertest.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	path := writeConfig(t, b.Addr())
	out := &lineWriter{lines: make(chan string, 8)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runSub(ctx, &globalFlags{configPath: path}, out, []string{"a/+/c"}, 1)
	}()

	if !b.WaitSubscribed("a/+/c", 2*time.Second) {
		t.Fatal("expected subscription to reach the broker")
	}
	if n := b.Publish("a/x/c", []byte("21.5"), 1); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	select {
	case line := <-out.lines:
		if !strings.Contains(line, "a/x/c") || !strings.HasSuffix(line, "21.5") {
			t.Errorf("unexpected output line %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected one printed message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sub did not stop after cancel")
	}

	ok := b.WaitFor(2*time.Second, func(received []packets.ControlPacket) bool {
		var acked, disconnected bool
		for _, cp := range received {
			switch p := cp.(type) {
			case *packets.PubackPacket:
				acked = p.MessageID == 1
			case *packets.DisconnectPacket:
				disconnected = true
			}
		}
		return acked && disconnected
	})
	if !ok {
		t.Fatalf("expected PUBACK and DISCONNECT, got %v", b.Received())
	}
	select {
	case line := <-out.lines:
		t.Errorf("unexpected extra output %q", line)
	default:
	}
}

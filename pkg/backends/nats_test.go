package backends

import (
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"

	testhelpers "github.com/wayneeseguin/omnirelay/internal/testing"
)

func TestParseNATSURI(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		want    NATSConfig
		wantErr bool
	}{
		{
			name: "basic",
			uri:  "nats://localhost:4222/logs.app",
			want: NATSConfig{
				Servers:       []string{"nats://localhost:4222"},
				Subject:       "logs.app",
				MaxReconnects: nats.DefaultMaxReconnect,
				ReconnectWait: nats.DefaultReconnectWait,
			},
		},
		{
			name: "cluster with auth and options",
			uri:  "nats://relay:secret@n1:4222,n2:4222/logs?max_reconnect=5&reconnect_wait=3&tls=true",
			want: NATSConfig{
				Servers:       []string{"nats://n1:4222", "nats://n2:4222"},
				Subject:       "logs",
				MaxReconnects: 5,
				ReconnectWait: 3 * time.Second,
				Secure:        true,
				Username:      "relay",
				Password:      "secret",
			},
		},
		{name: "wrong scheme", uri: "http://localhost/logs", wantErr: true},
		{name: "missing subject", uri: "nats://localhost:4222", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNATSURI(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNATSURI failed: %v", err)
			}
			if got.Subject != tt.want.Subject || got.MaxReconnects != tt.want.MaxReconnects ||
				got.ReconnectWait != tt.want.ReconnectWait || got.Secure != tt.want.Secure ||
				got.Username != tt.want.Username || got.Password != tt.want.Password {
				t.Errorf("Got %+v, want %+v", got, tt.want)
			}
			if len(got.Servers) != len(tt.want.Servers) {
				t.Fatalf("Servers = %v, want %v", got.Servers, tt.want.Servers)
			}
			for i := range got.Servers {
				if got.Servers[i] != tt.want.Servers[i] {
					t.Errorf("Servers = %v, want %v", got.Servers, tt.want.Servers)
				}
			}
			if len(got.Options(nil)) < 5 {
				t.Error("Expected connection options built")
			}
		})
	}
}

func TestNATSProducerWithoutConnection(t *testing.T) {
	p := NewNATSProducerFromConn(nil, "logs")
	if p.IsEnabled() {
		t.Error("Producer without a connection should be disabled")
	}
	if err := p.Send([]byte("{}")); err == nil {
		t.Error("Expected error publishing without a connection")
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close should be a no-op for borrowed connections: %v", err)
	}
}

func TestNATSProducerPublish(t *testing.T) {
	testhelpers.SkipIfUnit(t, "Skipping NATS test in unit mode")

	server := os.Getenv("NATS_URL")
	if server == "" {
		server = nats.DefaultURL
	}
	cfg, err := ParseNATSURI(server + "/omnirelay.test")
	if err != nil {
		t.Fatalf("ParseNATSURI failed: %v", err)
	}

	sub, err := nats.Connect(server)
	if err != nil {
		t.Skipf("NATS server not available: %v", err)
	}
	defer sub.Close()
	msgs := make(chan *nats.Msg, 1)
	if _, err := sub.ChanSubscribe("omnirelay.test", msgs); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	p, err := NewNATSProducer(cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewNATSProducer failed: %v", err)
	}
	defer p.Close()

	if err := p.Send([]byte(`{"message":"hello"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case msg := <-msgs:
		if string(msg.Data) != `{"message":"hello"}` {
			t.Errorf("Unexpected payload %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Message not received")
	}
	if p.Published() != 1 {
		t.Errorf("Published() = %d", p.Published())
	}
}

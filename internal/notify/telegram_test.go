package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testEvent() Event {
	return Event{
		Type:        EventStrikeWon,
		Fingerprint: "abc123",
		WorkerID:    "w1",
		Source:      "siteA",
		Listing:     "E1",
		Category:    "vip",
		Price:       decimal.NewFromFloat(120.50),
		Priority:    88,
		At:          time.Now(),
	}
}

func TestTelegramSinkSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	sink := NewTelegramSink("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sink.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Telegram Publish 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "strike_won") {
		t.Fatalf("text 应包含事件类型: %q", received["text"])
	}
	if !strings.Contains(received["text"], "abc123") {
		t.Fatalf("text 应包含 fingerprint: %q", received["text"])
	}
}

func TestTelegramSinkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	sink := NewTelegramSink("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := sink.Publish(context.Background(), testEvent()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestFanoutPublishesToAll(t *testing.T) {
	var calls int
	counting := sinkFunc(func(ctx context.Context, event Event) error {
		calls++
		return nil
	})

	fan := Fanout{counting, counting, NewLogSink(zerolog.Nop())}
	if err := fan.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("fanout publish failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 sink calls, got %d", calls)
	}
}

type sinkFunc func(ctx context.Context, event Event) error

func (f sinkFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

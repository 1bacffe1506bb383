package alerting

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

func sampleNotice() Notice {
	return Notice{
		When:    time.Unix(1_700_000_000, 0).UTC(),
		Account: "0xaaa",
		Amount:  decimal.RequireFromString("120000"),
		Reasons: []string{"liquidate_me", "undercollateralized"},
		TxHash:  "0xdeadbeef",
	}
}

func TestTelegramNotifySendsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token123", "chat456", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), sampleNotice()); err != nil {
		t.Fatalf("发送告警失败: %v", err)
	}

	if gotPath != "/bottoken123/sendMessage" {
		t.Fatalf("请求路径错误: %s", gotPath)
	}
	if gotPayload["chat_id"] != "chat456" {
		t.Fatalf("chat_id 错误: %s", gotPayload["chat_id"])
	}
	text := gotPayload["text"]
	for _, want := range []string{"[Loan Liquidated]", "0xaaa", "120000.00", "liquidate_me,undercollateralized", "0xdeadbeef"} {
		if !strings.Contains(text, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, text)
		}
	}
}

func TestTelegramNotifyFailureMessage(t *testing.T) {
	var text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		text = payload["text"]
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	notice := sampleNotice()
	notice.Failed = true
	notice.TxHash = ""
	notice.Detail = "liquidation of 0xaaa failed after 3 attempts"

	n := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), notice); err != nil {
		t.Fatalf("发送告警失败: %v", err)
	}
	if !strings.Contains(text, "[Loan Liquidation FAILED]") {
		t.Fatalf("失败告警应带 FAILED 标题:\n%s", text)
	}
	if !strings.Contains(text, "failed after 3 attempts") {
		t.Fatalf("失败告警应包含失败详情:\n%s", text)
	}
}

func TestTelegramNotifyRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), sampleNotice()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func TestTelegramNotifyRejectsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": false})
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())
	if err := n.Notify(context.Background(), sampleNotice()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

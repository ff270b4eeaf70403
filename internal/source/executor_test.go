package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dropstrike/internal/dedup"
	"dropstrike/internal/pool"
)

func testOpportunity() dedup.Opportunity {
	return dedup.Opportunity{
		Fingerprint: "fp-1",
		Source:      "siteA",
		Event:       "E1",
		Category:    "vip",
		Price:       decimal.NewFromFloat(120.50),
		Quantity:    2,
	}
}

func TestExecuteSuccess(t *testing.T) {
	var received strikeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Result{Success: true, Token: "order-99"})
	}))
	defer srv.Close()

	e := NewWebhookExecutor(WebhookOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	res := &pool.Resource{ID: "r1", PID: 42}

	result, err := e.Execute(context.Background(), testOpportunity(), res)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if !result.Success || result.Token != "order-99" {
		t.Fatalf("结果解析错误: %+v", result)
	}
	if received.Fingerprint != "fp-1" || received.ResourceID != "r1" {
		t.Fatalf("请求体不正确: %+v", received)
	}
	if received.Price != "120.50" {
		t.Fatalf("价格应为两位小数: %s", received.Price)
	}
}

func TestExecuteUnhealthyResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(WebhookOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())

	_, err := e.Execute(context.Background(), testOpportunity(), &pool.Resource{ID: "r1"})
	if !errors.Is(err, pool.ErrResourceUnhealthy) {
		t.Fatalf("503 应映射为 ErrResourceUnhealthy, 实际 %v", err)
	}
}

func TestExecuteSoldOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Result{Success: false, Error: "sold out"})
	}))
	defer srv.Close()

	e := NewWebhookExecutor(WebhookOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())

	result, err := e.Execute(context.Background(), testOpportunity(), &pool.Resource{ID: "r1"})
	if err != nil {
		t.Fatalf("售罄不是传输错误: %v", err)
	}
	if result.Success {
		t.Fatal("success 应为 false")
	}
}

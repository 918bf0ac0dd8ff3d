package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"payment-switch/internal/models"
	"payment-switch/internal/payments"
	"payment-switch/internal/queue"
	"payment-switch/internal/ratelimit"
)

type fakePayments struct {
	err       error
	status    payments.StatusResult
	lastRC    models.RequestContext
	lastPay   payments.PaymentRequest
	lastOp    string
	lastTxnID string
	lastRef   payments.RefundRequest
}

func (f *fakePayments) ProcessPayment(_ context.Context, req payments.PaymentRequest, rc models.RequestContext) (payments.Result, error) {
	f.lastPay, f.lastRC = req, rc
	if f.err != nil {
		return payments.Result{}, f.err
	}
	return payments.Result{Success: true, TxnID: "TXN-1", Status: models.TxnPending, JobID: "job_1"}, nil
}

func (f *fakePayments) ProcessOfflinePayment(_ context.Context, op string, _ payments.OfflineRequest, rc models.RequestContext) (payments.Result, error) {
	f.lastOp, f.lastRC = op, rc
	if f.err != nil {
		return payments.Result{}, f.err
	}
	return payments.Result{Success: true, TxnID: "TXN-2", Operation: op}, nil
}

func (f *fakePayments) ProcessRefund(_ context.Context, txnID string, req payments.RefundRequest, rc models.RequestContext) (payments.Result, error) {
	f.lastTxnID, f.lastRef, f.lastRC = txnID, req, rc
	if f.err != nil {
		return payments.Result{}, f.err
	}
	return payments.Result{Success: true, TxnID: "TXN-3", OriginalTxnID: txnID}, nil
}

func (f *fakePayments) GetTransactionStatus(_ context.Context, txnID string) (payments.StatusResult, error) {
	f.lastTxnID = txnID
	return f.status, f.err
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newTestServer(p Payments, q Queue, dlq DeadLetters, limiter Limiter) *httptest.Server {
	if q == nil {
		q = queue.New(queue.Options{}, nil)
	}
	return httptest.NewServer(New(p, q, dlq, limiter, nil).Router())
}

func post(t *testing.T, url, body string, headers ...string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakePayments{}, nil, nil, nil)
	defer srv.Close()
	if resp := get(t, srv.URL+"/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
}

func TestPaymentRoutePassesProcessingOptions(t *testing.T) {
	fp := &fakePayments{}
	srv := newTestServer(fp, nil, nil, nil)
	defer srv.Close()

	resp := post(t, srv.URL+"/api/payments",
		`{"userId":"u1","amount":25.5,"currency":"MYR","synchronous":true,"skipRiskCheck":true,"userLocation":{"country":"MY"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	var env struct {
		Success bool            `json:"success"`
		Data    payments.Result `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !env.Success || env.Data.TxnID != "TXN-1" {
		t.Fatalf("unexpected body %+v", env)
	}
	if fp.lastPay.UserID != "u1" || fp.lastPay.Amount != 25.5 || fp.lastPay.Currency != "MYR" {
		t.Fatalf("request not decoded: %+v", fp.lastPay)
	}
	rc := fp.lastRC
	if !rc.Synchronous || !rc.SkipRiskCheck || rc.Source != "api" || rc.UserLocation == nil || rc.UserLocation.Country != "MY" {
		t.Fatalf("processing options not forwarded: %+v", rc)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: invalid amount", payments.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("user: %w", payments.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: insufficient balance", payments.ErrAuthorization), http.StatusForbidden},
		{fmt.Errorf("%w: not completed", payments.ErrRefundNotAllowed), http.StatusConflict},
		{errors.New("database down"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		srv := newTestServer(&fakePayments{err: c.err}, nil, nil, nil)
		resp := post(t, srv.URL+"/api/payments", `{"userId":"u1","amount":1,"currency":"MYR"}`)
		_ = resp.Body.Close()
		srv.Close()
		if resp.StatusCode != c.code {
			t.Fatalf("%v: expected %d got %d", c.err, c.code, resp.StatusCode)
		}
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	srv := newTestServer(&fakePayments{}, nil, nil, nil)
	defer srv.Close()
	if resp := post(t, srv.URL+"/api/payments", `{"amount":`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", resp.StatusCode)
	}
}

func TestOfflineRouteUsesPathOperation(t *testing.T) {
	fp := &fakePayments{}
	srv := newTestServer(fp, nil, nil, nil)
	defer srv.Close()

	resp := post(t, srv.URL+"/api/payments/offline/redeemToken", `{"token":"OT-1","merchantId":"m1"}`)
	if resp.StatusCode != http.StatusOK || fp.lastOp != "redeemToken" {
		t.Fatalf("expected redeemToken dispatched, got %d op=%q", resp.StatusCode, fp.lastOp)
	}
}

func TestRefundRoute(t *testing.T) {
	fp := &fakePayments{}
	srv := newTestServer(fp, nil, nil, nil)
	defer srv.Close()

	if resp := post(t, srv.URL+"/api/transactions/TXN-9/refund", `{"amount":5}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("refund without reason should be rejected, got %d", resp.StatusCode)
	}
	resp := post(t, srv.URL+"/api/transactions/TXN-9/refund", `{"amount":5,"reason":"damaged"}`)
	if resp.StatusCode != http.StatusOK || fp.lastTxnID != "TXN-9" || fp.lastRef.Amount != 5 {
		t.Fatalf("unexpected refund dispatch %d %+v", resp.StatusCode, fp.lastRef)
	}
}

func TestStatusRoute(t *testing.T) {
	fp := &fakePayments{status: payments.StatusResult{NotFound: true, Error: "Transaction not found"}}
	srv := newTestServer(fp, nil, nil, nil)
	defer srv.Close()

	if resp := get(t, srv.URL+"/api/transactions/TXN-404"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}

	fp.status = payments.StatusResult{Success: true, Status: "completed"}
	if resp := get(t, srv.URL+"/api/transactions/TXN-1"); resp.StatusCode != http.StatusOK || fp.lastTxnID != "TXN-1" {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
}

func TestRateLimitRejectsBeforeProcessing(t *testing.T) {
	limiter := ratelimit.NewTokenBucket(newRedis(t), 1, 0.001, time.Minute)
	fp := &fakePayments{}
	srv := newTestServer(fp, nil, nil, limiter)
	defer srv.Close()

	body := `{"userId":"u1","amount":1,"currency":"MYR"}`
	if resp := post(t, srv.URL+"/api/payments", body, "X-Client-ID", "merchant-a"); resp.StatusCode != http.StatusOK {
		t.Fatalf("first request should pass, got %d", resp.StatusCode)
	}
	fp.lastPay = payments.PaymentRequest{}
	resp := post(t, srv.URL+"/api/payments", body, "X-Client-ID", "merchant-a")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", resp.StatusCode)
	}
	if fp.lastPay.UserID != "" {
		t.Fatalf("rate limited request reached the orchestrator")
	}
	if resp := post(t, srv.URL+"/api/payments", body, "X-Client-ID", "merchant-b"); resp.StatusCode != http.StatusOK {
		t.Fatalf("other clients keep their own budget, got %d", resp.StatusCode)
	}
}

func TestQueueRoutes(t *testing.T) {
	q := queue.New(queue.Options{}, nil)
	if err := q.RegisterHandler(models.JobProcessPayment, func(context.Context, models.Job) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := q.AddJob(models.JobProcessPayment, map[string]any{"transactionId": "t1"}, 1)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	srv := newTestServer(&fakePayments{}, q, nil, nil)
	defer srv.Close()

	var status models.QueueStatus
	resp := get(t, srv.URL+"/api/queue")
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil || status.QueueLength != 1 {
		t.Fatalf("unexpected queue status %+v err=%v", status, err)
	}
	if resp := get(t, srv.URL+"/api/queue/jobs/"+id); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected job found, got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/queue/jobs/"+id+"/cancel", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected cancel 200 got %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/api/queue/jobs/"+id+"/cancel", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancelled job should be gone, got %d", resp.StatusCode)
	}
	if resp := get(t, srv.URL+"/api/queue/jobs/missing"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", resp.StatusCode)
	}
}

func TestDeadLetterRoute(t *testing.T) {
	dlq := queue.NewDeadLetter(newRedis(t), "test:dlq", 10)
	_ = dlq.Push(context.Background(), models.Job{ID: "job_dead", Type: models.JobProcessPayment, Attempts: 3})
	srv := newTestServer(&fakePayments{}, nil, dlq, nil)
	defer srv.Close()

	var body struct {
		Items []queue.DeadLetterEntry `json:"items"`
	}
	resp := get(t, srv.URL+"/api/queue/dead-letters?limit=5")
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].JobID != "job_dead" || body.Items[0].Attempts != 3 {
		t.Fatalf("unexpected dead letters %+v", body.Items)
	}
	if resp := get(t, srv.URL+"/api/queue/dead-letters?limit=zero"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit got %d", resp.StatusCode)
	}
}

package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/payment"
)

type noopTelemetry struct{}

func (noopTelemetry) TracerProvider() trace.TracerProvider { return tracenoop.NewTracerProvider() }
func (noopTelemetry) MeterProvider() metric.MeterProvider  { return metricnoop.NewMeterProvider() }

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startApp runs the whole service on the memory backend with a fake card
// gateway and returns its base URL. The service is stopped on cleanup.
func startApp(t *testing.T) string {
	t.Helper()

	gateway := http.NewServeMux()
	gateway.HandleFunc("POST /v1/captures", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"reference":"gw-`+r.Header.Get("Idempotency-Key")+`"}`)
	})
	gw := &http.Server{Handler: gateway, ReadHeaderTimeout: time.Second}
	gl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = gw.Serve(gl) }()
	t.Cleanup(func() { _ = gw.Close() })

	cfg := &Config{
		Addr:     freeAddr(t),
		Storage:  StorageMemory,
		Lock:     LockMemory,
		Gateway:  GatewayConfig{URL: "http://" + gl.Addr().String()},
		Payments: PaymentsConfig{Timeout: 2 * time.Second, IdempotencyTTL: time.Hour},
		Receipts: ReceiptsConfig{PerPage: 20},
		RateLimit: RateLimitConfig{
			Max:    1000,
			Window: time.Minute,
		},
		CORS:     CORSConfig{Origins: []string{"*"}},
		Graceful: GracefulConfig{ReadinessDelay: 10 * time.Millisecond, ShutdownTimeout: time.Second},
	}
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, zap.NewNop(), noopTelemetry{}, cfg) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	base := "http://" + cfg.Addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return base
}

func call(t *testing.T, method, url, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(raw)))
		dec.UseNumber()
		require.NoError(t, dec.Decode(&out), "body: %s", raw)
	}
	return resp, out
}

func TestRun(t *testing.T) {
	base := startApp(t)

	t.Run("Health", func(t *testing.T) {
		resp, body := call(t, http.MethodGet, base+"/livez", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		assert.Equal(t, "1000", resp.Header.Get("X-RateLimit-Limit"))
	})

	t.Run("RequestIDEchoed", func(t *testing.T) {
		resp, _ := call(t, http.MethodGet, base+"/livez", "", "X-Request-ID", "custom-request-id-12345")
		assert.Equal(t, "custom-request-id-12345", resp.Header.Get("X-Request-ID"))
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		resp, _ := call(t, http.MethodOptions, base+"/api/payments", "",
			"Origin", "http://example.com",
			"Access-Control-Request-Method", "POST",
		)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Idempotency-Key")
	})

	t.Run("UnknownRoute", func(t *testing.T) {
		resp, body := call(t, http.MethodGet, base+"/api/nope", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "not_found", body["code"])
	})

	t.Run("OrderPaymentReceipt", func(t *testing.T) {
		resp, o := call(t, http.MethodPost, base+"/api/orders", `{
			"vatId": 1,
			"businessId": 1,
			"workerId": 1,
			"discountCode": "WELCOME10",
			"orderDetails": [{"itemId": "cut", "priceWithoutVat": "10.00", "quantity": 2}]
		}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode, o)
		assert.Equal(t, json.Number("21.60"), o["total"])
		id := o["id"].(string)

		pay := `{"orderId":"` + id + `","amount":21.60,"currency":"USD","paymentMethod":"Card","stripePaymentMethodId":"pm_1"}`
		resp, p := call(t, http.MethodPost, base+"/api/payments", pay, "Idempotency-Key", "e2e-1")
		require.Equal(t, http.StatusCreated, resp.StatusCode, p)
		assert.Equal(t, "Completed", p["status"])
		assert.Equal(t, "gw-"+id+":1", p["reference"])

		resp, again := call(t, http.MethodPost, base+"/api/payments", pay, "Idempotency-Key", "e2e-1")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, p["id"], again["id"])

		resp, o = call(t, http.MethodGet, base+"/api/orders/"+id, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Paid", o["status"])

		resp, list := call(t, http.MethodGet, base+"/api/businesses/1/receipts", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		items := list["items"].([]any)
		require.Len(t, items, 1)
		assert.Equal(t, json.Number("21.60"), items[0].(map[string]any)["total"])
		assert.Equal(t, json.Number("1"), list["page"].(map[string]any)["total"])
	})
}

func TestNewProcessor(t *testing.T) {
	tests := []struct {
		name    string
		gateway string
		card    bool
	}{
		{name: "cash only", card: false},
		{name: "with gateway", gateway: "http://127.0.0.1:1", card: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Gateway: GatewayConfig{URL: tt.gateway}, Payments: PaymentsConfig{Timeout: time.Second}}
			p, err := newProcessor(zap.NewNop(), noopTelemetry{}, cfg)
			require.NoError(t, err)

			mc, ok := p.(payment.MethodChecker)
			require.True(t, ok)
			assert.True(t, mc.Supports(payment.MethodCash))
			assert.Equal(t, tt.card, mc.Supports(payment.MethodCard))
			assert.Equal(t, tt.card, mc.Supports(payment.MethodDigitalWallet))
		})
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poslink/terminal-bridge/internal/config"
	"github.com/poslink/terminal-bridge/internal/emulator"
	"github.com/poslink/terminal-bridge/internal/protocol"
	"github.com/poslink/terminal-bridge/internal/store"
	"github.com/poslink/terminal-bridge/internal/wire"
)

func testConfig() *config.Agent {
	return &config.Agent{
		TerminalIP:     "127.0.0.1",
		TerminalPort:   5015,
		EcrID:          "1",
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		IdleTimeout:    2 * time.Second,
	}
}

// stubServer returns a gateway whose protocol engine is replaced by a
// capturing stub, plus a pointer to the last envelope sent.
func stubServer(t *testing.T) (*Server, *wire.Envelope) {
	t.Helper()
	captured := &wire.Envelope{}
	s := NewServer(testConfig())
	s.send = func(ctx context.Context, addr string, env wire.Envelope, to protocol.Timeouts) protocol.Result {
		*captured = env
		return protocol.Result{
			OK: true,
			Final: &wire.Response{
				Message: wire.MsgMSG,
				Data: map[string]interface{}{
					"cmdResult": map[string]interface{}{"result": "Success"},
					"response":  env.Data.Command,
				},
			},
		}
	}
	return s, captured
}

func post(t *testing.T, router http.Handler, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func envTransaction(t *testing.T, env *wire.Envelope) map[string]interface{} {
	t.Helper()
	payload, ok := env.Data.Data.(map[string]interface{})
	require.True(t, ok, "payload is %T", env.Data.Data)
	txn, ok := payload["transaction"].(map[string]interface{})
	require.True(t, ok, "no transaction block in %v", payload)
	return txn
}

func TestSaleBuildsEnvelope(t *testing.T) {
	s, captured := stubServer(t)

	w := post(t, s.Router(), "/sale", map[string]interface{}{
		"baseAmount":       10.5,
		"tipAmount":        "2",
		"allowPartialAuth": true,
		"invoiceNbr":       "INV-77",
	})
	require.Equal(t, http.StatusOK, w.Code)

	out := decodeResponse(t, w)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, true, out["ok"])
	assert.NotEmpty(t, out["requestId"])

	assert.Equal(t, "Sale", captured.Data.Command)
	assert.Equal(t, "1", captured.Data.EcrID)

	txn := envTransaction(t, captured)
	assert.Equal(t, "10.50", txn["baseAmount"])
	assert.Equal(t, "2.00", txn["tipAmount"])
	assert.Equal(t, "1", txn["allowPartialAuth"])
	assert.Equal(t, "INV-77", txn["invoiceNbr"])
	assert.Equal(t, "0", txn["taxIndicator"])
}

func TestSaleNestedSectionWins(t *testing.T) {
	s, captured := stubServer(t)

	w := post(t, s.Router(), "/sale", map[string]interface{}{
		"baseAmount": "1.00",
		"sale":       map[string]interface{}{"baseAmount": "9.99"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "9.99", envTransaction(t, captured)["baseAmount"])
}

func TestSaleMissingBaseAmount(t *testing.T) {
	s, _ := stubServer(t)

	w := post(t, s.Router(), "/sale", map[string]interface{}{"tipAmount": "1.00"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	out := decodeResponse(t, w)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["message"], "baseAmount")
}

func TestSaleRejectsMalformedJSON(t *testing.T) {
	s, _ := stubServer(t)

	req := httptest.NewRequest("POST", "/sale", bytes.NewBufferString("{nope"))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLodgingSaleRequiresBlock(t *testing.T) {
	s, captured := stubServer(t)

	w := post(t, s.Router(), "/sale/lodging", map[string]interface{}{"baseAmount": "100.00"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, s.Router(), "/sale/lodging", map[string]interface{}{
		"baseAmount": "100.00",
		"lodging":    map[string]interface{}{"folioNumber": "F-1", "stayDuration": 2},
	})
	require.Equal(t, http.StatusOK, w.Code)

	payload := captured.Data.Data.(map[string]interface{})
	lodging, ok := payload["lodging"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "F-1", lodging["folioNumber"])
}

func TestVoidRequiresReference(t *testing.T) {
	s, captured := stubServer(t)

	w := post(t, s.Router(), "/void", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, s.Router(), "/void", map[string]interface{}{"tranNo": "0004"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Void", captured.Data.Command)
	assert.Equal(t, "0004", envTransaction(t, captured)["tranNo"])
}

func TestTipAdjustValidation(t *testing.T) {
	s, _ := stubServer(t)

	w := post(t, s.Router(), "/tip-adjust", map[string]interface{}{"tranNo": "0001"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "tipAmount missing")

	w = post(t, s.Router(), "/tip-adjust", map[string]interface{}{"tipAmount": "2.00"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "reference missing")
}

func TestBatchCloseDefaultsToEOD(t *testing.T) {
	s, captured := stubServer(t)

	w := post(t, s.Router(), "/batch-close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EOD", captured.Data.Command)

	w = post(t, s.Router(), "/batch-close", map[string]interface{}{"command": "BatchClose"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BatchClose", captured.Data.Command)
}

func TestCommandPassthrough(t *testing.T) {
	s, captured := stubServer(t)

	w := post(t, s.Router(), "/command", map[string]interface{}{
		"command": "StatusInquiry",
		"data": map[string]interface{}{
			"transaction": map[string]interface{}{"tranNo": "0002"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "StatusInquiry", captured.Data.Command)
	assert.Equal(t, "0002", envTransaction(t, captured)["tranNo"])

	w = post(t, s.Router(), "/command", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPerRequestTargetOverride(t *testing.T) {
	s, _ := stubServer(t)

	var gotAddr string
	s.send = func(ctx context.Context, addr string, env wire.Envelope, to protocol.Timeouts) protocol.Result {
		gotAddr = addr
		return protocol.Result{OK: true}
	}

	w := post(t, s.Router(), "/sale", map[string]interface{}{
		"baseAmount": "5.00",
		"ip":         "192.168.1.99",
		"port":       5016,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "192.168.1.99:5016", gotAddr)
}

func TestSessionErrorStillHTTP200(t *testing.T) {
	s, _ := stubServer(t)
	s.send = func(ctx context.Context, addr string, env wire.Envelope, to protocol.Timeouts) protocol.Result {
		return protocol.Result{OK: false, Err: protocol.ErrIdleTimeout}
	}

	w := post(t, s.Router(), "/sale", map[string]interface{}{"baseAmount": "5.00"})
	require.Equal(t, http.StatusOK, w.Code)

	out := decodeResponse(t, w)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, string(protocol.ErrIdleTimeout), out["error"])
}

func TestConfigEndpoint(t *testing.T) {
	s, _ := stubServer(t)

	w := post(t, s.Router(), "/config", map[string]interface{}{
		"ip":                "10.1.2.3",
		"readTimeoutMs":     90000,
		"idleByteTimeoutMs": 10000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	out := decodeResponse(t, w)
	cfg := out["config"].(map[string]interface{})
	assert.Equal(t, "10.1.2.3", cfg["terminalIp"])
	assert.Equal(t, float64(90000), cfg["readTimeoutMs"])
	assert.Equal(t, float64(10000), cfg["idleByteTimeoutMs"])

	snap := s.cfg.Snapshot()
	assert.Equal(t, "10.1.2.3", snap.TerminalIP)
	assert.Equal(t, 90*time.Second, snap.ReadTimeout)
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := stubServer(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	out := decodeResponse(t, w)
	assert.Equal(t, "healthy", out["status"])
	terminal := out["terminal"].(map[string]interface{})
	assert.Equal(t, "127.0.0.1:5015", terminal["addr"])
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := stubServer(t)

	post(t, s.Router(), "/sale", map[string]interface{}{"baseAmount": "5.00"})

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gateway_terminal_sessions_total")
	assert.Contains(t, w.Body.String(), "gateway_http_requests_total")
}

// startTerminal runs a real emulator for the end-to-end tests and
// returns an agent config pointed at it.
func startTerminal(t *testing.T) *config.Agent {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := emulator.New(&config.Emulator{ResponseDelay: 0}, st)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		st.Close()
	})

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.TerminalPort = port
	return cfg
}

func finalData(t *testing.T, out map[string]interface{}) map[string]interface{} {
	t.Helper()
	rsp, ok := out["rsp"].(map[string]interface{})
	require.True(t, ok, "no final response in %v", out)
	data, ok := rsp["data"].(map[string]interface{})
	require.True(t, ok)
	return data
}

func TestEndToEndSaleVoidBatchClose(t *testing.T) {
	s := NewServer(startTerminal(t))
	router := s.Router()

	// Sale.
	w := post(t, router, "/sale", map[string]interface{}{"baseAmount": "25.00", "tipAmount": "5.00"})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeResponse(t, w)
	require.Equal(t, true, out["ok"], "sale failed: %v", out)

	data := finalData(t, out)
	host := data["host"].(map[string]interface{})
	assert.Equal(t, "APPROVAL", host["responseText"])
	tranNo := host["tranNo"].(string)

	// Void it.
	w = post(t, router, "/void", map[string]interface{}{"tranNo": tranNo})
	require.Equal(t, http.StatusOK, w.Code)
	out = decodeResponse(t, w)
	require.Equal(t, true, out["ok"])
	data = finalData(t, out)
	assert.Equal(t, "VOID APPROVED", data["host"].(map[string]interface{})["responseText"])

	// Close the batch.
	w = post(t, router, "/batch-close", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decodeResponse(t, w)
	require.Equal(t, true, out["ok"])
	data = finalData(t, out)
	assert.Equal(t, "EOD", data["response"])
	summary := data["batchSummary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["voidCount"])
	assert.Equal(t, "0.00", summary["netAmount"])
}

func TestEndToEndPing(t *testing.T) {
	s := NewServer(startTerminal(t))

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	out := decodeResponse(t, w)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "Ping", finalData(t, out)["response"])
}

func TestEndToEndDeclineSurfacesInFinal(t *testing.T) {
	s := NewServer(startTerminal(t))

	w := post(t, s.Router(), "/sale", map[string]interface{}{"baseAmount": "600.00"})
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeResponse(t, w)
	require.Equal(t, true, out["ok"])

	data := finalData(t, out)
	assert.Equal(t, "DECLINE", data["errorCode"])
	assert.Equal(t, "AMOUNT TOO HIGH", data["declineReason"])
}

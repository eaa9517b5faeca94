package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/govledger/internal/epoch"
	"github.com/jmerrifield20/govledger/internal/export"
	"github.com/jmerrifield20/govledger/internal/halt"
	"github.com/jmerrifield20/govledger/internal/handler"
	"github.com/jmerrifield20/govledger/internal/identity"
	"github.com/jmerrifield20/govledger/internal/ledger"
	"github.com/jmerrifield20/govledger/internal/merkle"
	"go.uber.org/zap"
)

type testEnv struct {
	router   *gin.Engine
	ledger   *ledger.Ledger
	circuit  *halt.Circuit
	epochs   *epoch.Manager
	operator string
	auditor  string
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	circuit := halt.New(halt.Config{}, nil, zap.NewNop())
	l := ledger.New(ledger.NewMemoryStore(), nil, circuit, zap.NewNop())
	circuit.SetRecorder(l)
	m := epoch.NewManager(l, epoch.NewMemoryStore(), circuit, epoch.Config{}, zap.NewNop())
	tokens, err := identity.NewOperatorTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), "govledger", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	op, _ := tokens.Issue("alice", identity.RoleOperator)
	au, _ := tokens.Issue("bob", identity.RoleAuditor)

	r := gin.New()
	r.Use(handler.HaltGuard(circuit, "/api/v1/halt", "/api/v1/proofs/verify"))
	r.GET("/healthz", handler.Healthz(circuit))
	v1 := r.Group("/api/v1")
	handler.NewLedgerHandler(l, tokens, zap.NewNop()).Register(v1)
	handler.NewEpochHandler(m, zap.NewNop()).Register(v1)
	handler.NewExportHandler(export.NewExporter(l, m.Store(), zap.NewNop()), zap.NewNop()).Register(v1)
	handler.NewHaltHandler(circuit, tokens, zap.NewNop()).Register(v1)

	return &testEnv{router: r, ledger: l, circuit: circuit, epochs: m, operator: op, auditor: au}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func (e *testEnv) appendN(t *testing.T, n int) []*ledger.Envelope {
	t.Helper()
	var out []*ledger.Envelope
	for i := 0; i < n; i++ {
		env, err := e.ledger.Append(context.Background(), ledger.Record{EventType: "policy.amended", Actor: "council", Payload: map[string]int{"i": i}})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, env)
	}
	return out
}

// ── Ledger ───────────────────────────────────────────────────────────────────

func TestLedgerOverview_empty(t *testing.T) {
	e := setup(t)
	w := e.do(t, http.MethodGet, "/api/v1/ledger", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Length    int64  `json:"length"`
		HeadHash  string `json:"head_hash"`
		Algorithm string `json:"algorithm"`
	}
	decode(t, w, &resp)
	if resp.Length != 0 || len(resp.HeadHash) != 64 || resp.Algorithm != "sha256" {
		t.Errorf("overview = %+v", resp)
	}
}

func TestAppendEvent(t *testing.T) {
	e := setup(t)

	w := e.do(t, http.MethodPost, "/api/v1/ledger/events", e.operator, map[string]any{
		"event_type": "policy.amended",
		"payload":    map[string]string{"section": "4.2"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var env ledger.Envelope
	decode(t, w, &env)
	if env.SequenceNumber != 1 || env.Actor != "alice" || string(env.Payload) != `{"section":"4.2"}` {
		t.Errorf("envelope = %+v", env)
	}
}

func TestAppendEvent_rejections(t *testing.T) {
	e := setup(t)
	cases := []struct {
		name  string
		token string
		body  map[string]any
		want  int
	}{
		{"no token", "", map[string]any{"event_type": "x.y"}, http.StatusUnauthorized},
		{"auditor", e.auditor, map[string]any{"event_type": "x.y"}, http.StatusForbidden},
		{"missing type", e.operator, map[string]any{"payload": 1}, http.StatusBadRequest},
		{"reserved", e.operator, map[string]any{"event_type": "halt.recorded"}, http.StatusBadRequest},
		{"bad correlation", e.operator, map[string]any{"event_type": "x.y", "correlation_id": "nope"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/ledger/events", tc.token, tc.body)
			if w.Code != tc.want {
				t.Errorf("got %d, want %d: %s", w.Code, tc.want, w.Body.String())
			}
		})
	}
	if n, _ := e.ledger.Len(context.Background()); n != 0 {
		t.Errorf("ledger length = %d after rejected appends", n)
	}
}

func TestListEvents(t *testing.T) {
	e := setup(t)
	e.appendN(t, 5)

	w := e.do(t, http.MethodGet, "/api/v1/ledger/events?start=2&end=4", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []*ledger.Envelope `json:"events"`
		Tail   int64              `json:"tail"`
	}
	decode(t, w, &resp)
	if len(resp.Events) != 3 || resp.Events[0].SequenceNumber != 2 || resp.Tail != 5 {
		t.Errorf("events = %d, first = %d, tail = %d", len(resp.Events), resp.Events[0].SequenceNumber, resp.Tail)
	}

	w = e.do(t, http.MethodGet, "/api/v1/ledger/events", "", nil)
	decode(t, w, &resp)
	if len(resp.Events) != 5 {
		t.Errorf("default range returned %d events", len(resp.Events))
	}

	for _, q := range []string{"?start=x", "?start=4&end=2", "?start=1&end=5000"} {
		if w := e.do(t, http.MethodGet, "/api/v1/ledger/events"+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", q, w.Code)
		}
	}
}

func TestGetEvent(t *testing.T) {
	e := setup(t)
	e.appendN(t, 2)

	if w := e.do(t, http.MethodGet, "/api/v1/ledger/events/2", "", nil); w.Code != http.StatusOK {
		t.Errorf("seq 2: got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/ledger/events/9", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("seq 9: got %d, want 404", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/ledger/events/0", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("seq 0: got %d, want 400", w.Code)
	}
}

func TestLedgerVerify_valid(t *testing.T) {
	e := setup(t)
	e.appendN(t, 3)

	w := e.do(t, http.MethodGet, "/api/v1/ledger/verify", e.auditor, nil)
	var resp struct {
		Valid  bool           `json:"valid"`
		Issues []ledger.Issue `json:"issues"`
	}
	decode(t, w, &resp)
	if !resp.Valid || len(resp.Issues) != 0 {
		t.Errorf("verify = %+v", resp)
	}
}

func TestLedgerVerify_requiresToken(t *testing.T) {
	e := setup(t)
	if w := e.do(t, http.MethodGet, "/api/v1/ledger/verify", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: got %d, want 401", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/ledger/verify", e.operator, nil); w.Code != http.StatusOK {
		t.Errorf("operator: got %d, want 200", w.Code)
	}
}

// ── Epochs and proofs ────────────────────────────────────────────────────────

func TestEpochsAndProofs(t *testing.T) {
	e := setup(t)
	events := e.appendN(t, 5)

	w := e.do(t, http.MethodGet, "/api/v1/proofs/"+events[2].EventID.String(), "", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("unsealed proof: got %d, want 409", w.Code)
	}

	if _, err := e.epochs.SealPending(context.Background()); err != nil {
		t.Fatal(err)
	}

	w = e.do(t, http.MethodGet, "/api/v1/epochs", "", nil)
	var list struct {
		Epochs []*epoch.Epoch `json:"epochs"`
	}
	decode(t, w, &list)
	if len(list.Epochs) != 1 || list.Epochs[0].EventCount != 5 {
		t.Fatalf("epochs = %+v", list.Epochs)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/epochs/1", "", nil); w.Code != http.StatusOK {
		t.Errorf("epoch 1: got %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/epochs/2", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("epoch 2: got %d, want 404", w.Code)
	}

	w = e.do(t, http.MethodGet, "/api/v1/proofs/"+events[2].EventID.String(), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("proof: got %d: %s", w.Code, w.Body.String())
	}
	var proof merkle.Proof
	decode(t, w, &proof)
	if proof.LeafIndex != 2 || proof.MerkleRoot != list.Epochs[0].RootHash {
		t.Errorf("proof = %+v", proof)
	}

	var verdict struct {
		Valid bool `json:"valid"`
	}
	decode(t, e.do(t, http.MethodPost, "/api/v1/proofs/verify", "", proof), &verdict)
	if !verdict.Valid {
		t.Error("expected valid proof")
	}
	proof.LeafIndex = 3
	decode(t, e.do(t, http.MethodPost, "/api/v1/proofs/verify", "", proof), &verdict)
	if verdict.Valid {
		t.Error("expected moved proof to be invalid")
	}

	if w := e.do(t, http.MethodGet, "/api/v1/proofs/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad uuid: got %d", w.Code)
	}
}

// ── Export ───────────────────────────────────────────────────────────────────

func TestExport(t *testing.T) {
	e := setup(t)
	e.appendN(t, 4)

	w := e.do(t, http.MethodGet, "/api/v1/export", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	b, err := export.Load(w.Body)
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Events) != 4 || b.FormatVersion != export.FormatVersion {
		t.Errorf("bundle: %d events, version %s", len(b.Events), b.FormatVersion)
	}
}

// ── Halt ─────────────────────────────────────────────────────────────────────

func TestHalt_triggerAndGuard(t *testing.T) {
	e := setup(t)

	if w := e.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz before halt: %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/halt", e.auditor, map[string]string{"message": "x"}); w.Code != http.StatusForbidden {
		t.Errorf("auditor halt: got %d, want 403", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/halt", e.operator, map[string]string{"message": "x", "reason": "bogus"}); w.Code != http.StatusBadRequest {
		t.Errorf("bogus reason: got %d, want 400", w.Code)
	}

	w := e.do(t, http.MethodPost, "/api/v1/halt", e.operator, map[string]string{"message": "quorum lost"})
	if w.Code != http.StatusOK {
		t.Fatalf("halt: got %d: %s", w.Code, w.Body.String())
	}
	var st halt.Status
	decode(t, w, &st)
	if !st.IsHalted || st.OperatorID != "alice" || st.Reason != halt.ReasonOperator {
		t.Errorf("status = %+v", st)
	}

	if w := e.do(t, http.MethodPost, "/api/v1/ledger/events", e.operator, map[string]any{"event_type": "x.y"}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("append while halted: got %d, want 503", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz while halted: got %d, want 503", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/v1/ledger", "", nil); w.Code != http.StatusOK {
		t.Errorf("reads while halted: got %d, want 200", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/v1/proofs/verify", "", merkle.Proof{}); w.Code != http.StatusOK {
		t.Errorf("proof verify while halted: got %d, want 200", w.Code)
	}

	// A second trigger is reachable and returns the original halt.
	w = e.do(t, http.MethodPost, "/api/v1/halt", e.operator, map[string]string{"message": "again", "reason": "system_fault"})
	decode(t, w, &st)
	if st.Reason != halt.ReasonOperator || st.Message != "quorum lost" {
		t.Errorf("second trigger replaced status: %+v", st)
	}

	w = e.do(t, http.MethodGet, "/api/v1/halt", "", nil)
	decode(t, w, &st)
	if !st.IsHalted {
		t.Error("GET /halt should report halted")
	}
}

func TestHalt_noTokensConfigured(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := halt.New(halt.Config{}, nil, zap.NewNop())
	r := gin.New()
	handler.NewHaltHandler(c, nil, zap.NewNop()).Register(r.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/halt", bytes.NewBufferString(`{"message":"x"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized || c.IsHalted() {
		t.Errorf("got %d, halted %v", w.Code, c.IsHalted())
	}
}

// ── Middleware ───────────────────────────────────────────────────────────────

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 2)
	for i := range codes {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
		codes[i] = w.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v", codes)
	}
}

func TestPrometheusMiddlewareAndMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.PrometheusMiddleware())
	r.GET("/metrics", handler.MetricsHandler())

	handler.RecordLedgerAppend("policy.amended")
	handler.RecordHalt(halt.Status{IsHalted: true, Reason: halt.ReasonIntegrityViolation})
	handler.IntegrityIssueRecorder("watchdog")(ledger.IssueHashMismatch)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{
		`govledger_ledger_appends_total{event_type="policy.amended"}`,
		`govledger_halted{reason="integrity_violation"} 1`,
		`govledger_integrity_issues_total{kind="hash_mismatch",source="watchdog"}`,
	} {
		if !bytes.Contains([]byte(body), []byte(want)) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

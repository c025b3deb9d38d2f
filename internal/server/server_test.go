package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/canopy-eco/canopy/internal/agent"
	"github.com/canopy-eco/canopy/internal/auth"
	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/lifecycle"
	"github.com/canopy-eco/canopy/internal/model"
	"github.com/canopy-eco/canopy/internal/orchestrator"
	"github.com/canopy-eco/canopy/internal/progress"
	"github.com/canopy-eco/canopy/internal/store"
	"github.com/canopy-eco/canopy/internal/testutil"
)

// testOp is a minimal successful agent operation.
type testOp struct {
	name  string
	delay time.Duration
}

func (o *testOp) Name() string    { return o.name }
func (o *testOp) Version() string { return "0.0.0-test" }

func (o *testOp) Attempt(ctx context.Context, _ map[string]any, _ uuid.UUID) (*agent.Output, error) {
	if o.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.delay):
		}
	}
	conf := 0.9
	return &agent.Output{Data: map[string]any{"stub": o.name}, Confidence: &conf}, nil
}

type serverOptions struct {
	jwtMgr          *auth.JWTManager
	adminAPIKeyHash string
	agentDelay      time.Duration
	skipInitialize  bool
}

func newTestServer(t *testing.T, opts serverOptions) *Server {
	t.Helper()
	logger := testutil.TestLogger()

	execCfg := agent.Config{Timeout: 5 * time.Second, MaxRetries: 1, BackoffBase: time.Millisecond}
	orc, err := orchestrator.New(
		agent.NewExecutor(&testOp{name: "image_analysis", delay: opts.agentDelay}, execCfg, logger),
		agent.NewExecutor(&testOp{name: "ecosystem_balance", delay: opts.agentDelay}, execCfg, logger),
		agent.NewExecutor(&testOp{name: "recovery_plan", delay: opts.agentDelay}, execCfg, logger),
		inference.NewNoopClient(),
		0.6,
		logger,
	)
	require.NoError(t, err)

	mgr := lifecycle.New(orc, store.NewMemoryStore(), nil, lifecycle.Config{}, logger)
	if !opts.skipInitialize {
		require.NoError(t, mgr.Initialize(context.Background()))
	}

	watcher := progress.NewWatcher(mgr, progress.Config{Interval: 5 * time.Millisecond}, logger)

	return New(Config{
		Manager:         mgr,
		Watcher:         watcher,
		Logger:          logger,
		JWTMgr:          opts.jwtMgr,
		AdminAPIKeyHash: opts.adminAPIKeyHash,
		Version:         "test",
	})
}

func analysisBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(model.AnalysisRequest{
		ImageData: "aGVsbG8=",
		ImageType: "image/png",
		Filename:  "site.png",
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body *bytes.Buffer, token string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func createAnalysis(t *testing.T, h http.Handler) model.AnalysisRecord {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/v1/analyses", analysisBody(t), "")
	require.Equal(t, http.StatusAccepted, rr.Code)

	var rec model.AnalysisRecord
	decodeData(t, rr, &rec)
	require.NotEqual(t, uuid.UUID{}, rec.ID)
	return rec
}

func waitCompleted(t *testing.T, h http.Handler, id uuid.UUID) model.AnalysisRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr := doJSON(t, h, http.MethodGet, "/v1/analyses/"+id.String(), nil, "")
		require.Equal(t, http.StatusOK, rr.Code)

		var rec model.AnalysisRecord
		decodeData(t, rr, &rec)
		if rec.Status.IsTerminal() {
			return rec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("analysis never settled")
	return model.AnalysisRecord{}
}

func TestCreateAndGetAnalysis(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	rec := createAnalysis(t, h)
	final := waitCompleted(t, h, rec.ID)
	require.Equal(t, model.AnalysisStatusCompleted, final.Status)
	require.NotNil(t, final.Result)

	rr := doJSON(t, h, http.MethodGet, "/v1/analyses/"+rec.ID.String()+"/result", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var result model.AnalysisResult
	decodeData(t, rr, &result)
	require.NotNil(t, result.OverallConfidence)
}

func TestCreateAnalysisValidation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodPost, "/v1/analyses", bytes.NewBufferString(`{not json`), "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	body, _ := json.Marshal(model.AnalysisRequest{ImageData: "aGVsbG8=", ImageType: "image/tiff"})
	rr = doJSON(t, h, http.MethodPost, "/v1/analyses", bytes.NewBuffer(body), "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "VALIDATION_ERROR")
}

func TestCreateAnalysisBeforeInitialize(t *testing.T) {
	srv := newTestServer(t, serverOptions{skipInitialize: true})
	rr := doJSON(t, srv.Handler(), http.MethodPost, "/v1/analyses", analysisBody(t), "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestGetAnalysisNotFound(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodGet, "/v1/analyses/"+uuid.NewString(), nil, "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/analyses/not-a-uuid", nil, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetResultBeforeCompletion(t *testing.T) {
	srv := newTestServer(t, serverOptions{agentDelay: 300 * time.Millisecond})
	h := srv.Handler()

	rec := createAnalysis(t, h)
	rr := doJSON(t, h, http.MethodGet, "/v1/analyses/"+rec.ID.String()+"/result", nil, "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "CONFLICT")

	waitCompleted(t, h, rec.ID)
}

func TestCancelAnalysis(t *testing.T) {
	srv := newTestServer(t, serverOptions{agentDelay: 300 * time.Millisecond})
	h := srv.Handler()

	rec := createAnalysis(t, h)
	time.Sleep(30 * time.Millisecond)

	rr := doJSON(t, h, http.MethodDelete, "/v1/analyses/"+rec.ID.String(), nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	final := waitCompleted(t, h, rec.ID)
	require.Equal(t, model.AnalysisStatusCancelled, final.Status)

	// A settled analysis cannot be cancelled again.
	rr = doJSON(t, h, http.MethodDelete, "/v1/analyses/"+rec.ID.String(), nil, "")
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestListAnalyses(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodGet, "/v1/analyses", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var recs []model.AnalysisRecord
	decodeData(t, rr, &recs)
	require.Empty(t, recs)

	rec := createAnalysis(t, h)
	waitCompleted(t, h, rec.ID)

	rr = doJSON(t, h, http.MethodGet, "/v1/analyses", nil, "")
	decodeData(t, rr, &recs)
	require.Len(t, recs, 1)

	rr = doJSON(t, h, http.MethodGet, "/v1/analyses?limit=abc", nil, "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	var health healthResponse
	decodeData(t, rr, &health)
	require.Equal(t, "healthy", health.Status)
	require.Len(t, health.Agents, 3)

	uninit := newTestServer(t, serverOptions{skipInitialize: true})
	rr = doJSON(t, uninit.Handler(), http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestProgressStream(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	rec := createAnalysis(t, h)
	waitCompleted(t, h, rec.ID)

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses/"+rec.ID.String()+"/progress", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Body.String(), "event: progress")
	require.Contains(t, rr.Body.String(), `"status":"completed"`)
}

func TestProgressStreamUnknownID(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	rr := doJSON(t, srv.Handler(), http.MethodGet, "/v1/analyses/"+uuid.NewString()+"/progress", nil, "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	rr := doJSON(t, h, http.MethodGet, "/health", nil, "")
	require.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, "fixed-id", rr.Header().Get("X-Request-ID"))
	require.Contains(t, rr.Body.String(), `"request_id":"fixed-id"`)
}

func TestAuthFlow(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey("root-key")
	require.NoError(t, err)

	srv := newTestServer(t, serverOptions{jwtMgr: jwtMgr, adminAPIKeyHash: hash})
	h := srv.Handler()

	// Protected routes reject missing and malformed credentials.
	rr := doJSON(t, h, http.MethodGet, "/v1/analyses", nil, "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = doJSON(t, h, http.MethodGet, "/v1/analyses", nil, "garbage")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Health stays open.
	rr = doJSON(t, h, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rr.Code)

	// Wrong API key is rejected.
	body, _ := json.Marshal(tokenRequest{APIKey: "wrong-key"})
	rr = doJSON(t, h, http.MethodPost, "/auth/token", bytes.NewBuffer(body), "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Correct API key yields a working token.
	body, _ = json.Marshal(tokenRequest{APIKey: "root-key", ClientName: "station-3"})
	rr = doJSON(t, h, http.MethodPost, "/auth/token", bytes.NewBuffer(body), "")
	require.Equal(t, http.StatusOK, rr.Code)

	var tok tokenResponse
	decodeData(t, rr, &tok)
	require.NotEmpty(t, tok.Token)

	rr = doJSON(t, h, http.MethodGet, "/v1/analyses", nil, tok.Token)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthTokenWhenDisabled(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	body, _ := json.Marshal(tokenRequest{APIKey: "anything"})
	rr := doJSON(t, srv.Handler(), http.MethodPost, "/auth/token", bytes.NewBuffer(body), "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestBodySizeLimit(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	h := srv.Handler()

	huge := fmt.Sprintf(`{"image_data":%q,"image_type":"image/png"}`, bytes.Repeat([]byte("A"), 17<<20))
	rr := doJSON(t, h, http.MethodPost, "/v1/analyses", bytes.NewBufferString(huge), "")
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

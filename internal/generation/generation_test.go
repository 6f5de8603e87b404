package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/accounting"
	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/keymanager"
	"github.com/xiaochefight/tuwenv2/internal/metrics"
	"github.com/xiaochefight/tuwenv2/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/generative-ai-go/genai"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	mu    sync.Mutex
	card  *Card
	err   error
	calls int
}

func (f *fakeGenerator) Generate(ctx context.Context, text string) (*Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.card, nil
}

type recorderSpy struct {
	mu       sync.Mutex
	outcomes []accounting.Outcome
}

func (r *recorderSpy) Record(o accounting.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

type stubVerifier struct {
	keys map[string]*model.AccessKey
}

func (s *stubVerifier) Verify(ctx context.Context, code string) (*model.AccessKey, error) {
	if key, ok := s.keys[code]; ok {
		return key, nil
	}
	return nil, keymanager.ErrInvalidKey
}

func TestDecodeCard(t *testing.T) {
	card, err := decodeCard(`{"title":"Hello","summary":"World","highlights":["a"],"sections":[{"heading":"h","body":"b"}]}`)
	require.NoError(t, err)
	assert.Equal(t, "Hello", card.Title)
	assert.Equal(t, []string{"a"}, card.Highlights)
	assert.Equal(t, "h", card.Sections[0].Heading)

	card, err = decodeCard("```json\n{\"title\":\"Fenced\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Fenced", card.Title)

	card, err = decodeCard("```\n{\"title\":\"Plain fence\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "Plain fence", card.Title)

	_, err = decodeCard("   ")
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = decodeCard(`{"summary":"no title"}`)
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = decodeCard(`not json`)
	assert.Error(t, err)
}

func TestResponseText(t *testing.T) {
	assert.Equal(t, "", responseText(nil))

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: nil},
			{Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"title":`), genai.Text(`"x"}`)}}},
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("ignored")}}},
		},
	}
	assert.Equal(t, `{"title":"x"}`, responseText(resp))
}

func TestNewGeminiGenerator_RequiresAPIKey(t *testing.T) {
	_, err := NewGeminiGenerator(context.Background(), "", "gemini-1.5-flash", time.Second, newTestLogger())
	assert.Error(t, err)
}

func TestBreakerGenerator(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	upstream := &fakeGenerator{err: errors.New("upstream 500")}
	breaker := NewBreakerGenerator("gemini", upstream, BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour}, newTestLogger(), m)

	for i := 0; i < 5; i++ {
		_, err := breaker.Generate(context.Background(), "text")
		assert.EqualError(t, err, "upstream 500")
	}
	assert.Equal(t, gobreaker.StateOpen, breaker.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("gemini")))

	_, err := breaker.Generate(context.Background(), "text")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, upstream.calls)
}

func TestBreakerGenerator_PassesThrough(t *testing.T) {
	upstream := &fakeGenerator{card: &Card{Title: "ok"}}
	breaker := NewBreakerGenerator("gemini", upstream, DefaultBreakerConfig, newTestLogger(), nil)

	card, err := breaker.Generate(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "ok", card.Title)
	assert.Equal(t, gobreaker.StateClosed, breaker.State())
}

func setupGenerateRouter(generator Generator, recorder accounting.Recorder) *gin.Engine {
	verifier := &stubVerifier{keys: map[string]*model.AccessKey{
		"tw_limited":   {ID: 1, MaxUses: 3, UsedCount: 1},
		"tw_unlimited": {ID: 2, MaxUses: model.UnlimitedUses, UsedCount: 99},
	}}
	cfg := &config.Config{Generation: config.GenerationConfig{SupportContact: "support@example.com"}}
	router := gin.New()
	SetupRoutes(router, verifier, generator, recorder, cfg, newTestLogger(), nil)
	return router
}

func postGenerate(router *gin.Engine, code, body string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(http.MethodPost, "/api/generate", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if code != "" {
		req.Header.Set("Authorization", "Bearer "+code)
	}
	req.RemoteAddr = "203.0.113.9:5555"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestGenerateHandler_Success(t *testing.T) {
	gin.SetMode(gin.TestMode)
	generator := &fakeGenerator{card: &Card{Title: "Card", Summary: "S"}}
	recorder := &recorderSpy{}
	router := setupGenerateRouter(generator, recorder)

	rr := postGenerate(router, "tw_limited", `{"text": "  some article  "}`)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Card", resp.Card.Title)
	assert.Equal(t, 1, resp.Remaining)

	require.Len(t, recorder.outcomes, 1)
	o := recorder.outcomes[0]
	assert.True(t, o.Success)
	assert.Equal(t, uint(1), o.KeyID)
	assert.Equal(t, "some article", o.RequestText)
	assert.Equal(t, "203.0.113.9", o.Origin)

	rr = postGenerate(router, "tw_unlimited", `{"text": "x"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, model.UnlimitedUses, resp.Remaining)
}

func TestGenerateHandler_GenerationFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	generator := &fakeGenerator{err: errors.New("model overloaded")}
	recorder := &recorderSpy{}
	router := setupGenerateRouter(generator, recorder)

	rr := postGenerate(router, "tw_limited", `{"text": "hello"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	require.Len(t, recorder.outcomes, 1)
	assert.False(t, recorder.outcomes[0].Success)
	assert.Equal(t, "model overloaded", recorder.outcomes[0].ErrorMsg)
}

func TestGenerateHandler_BreakerOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	generator := &fakeGenerator{err: gobreaker.ErrOpenState}
	recorder := &recorderSpy{}
	router := setupGenerateRouter(generator, recorder)

	rr := postGenerate(router, "tw_limited", `{"text": "hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Len(t, recorder.outcomes, 1)
}

func TestGenerateHandler_RejectedBeforeGeneration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	generator := &fakeGenerator{card: &Card{Title: "Card"}}
	recorder := &recorderSpy{}
	router := setupGenerateRouter(generator, recorder)

	rr := postGenerate(router, "", `{"text": "hello"}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postGenerate(router, "tw_unknown", `{"text": "hello"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "support@example.com")

	rr = postGenerate(router, "tw_limited", `{"text": "   "}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postGenerate(router, "tw_limited", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Equal(t, 0, generator.calls)
	assert.Empty(t, recorder.outcomes)
}

func TestRemainingAfterUse(t *testing.T) {
	assert.Equal(t, 4, remainingAfterUse(&model.AccessKey{MaxUses: 5, UsedCount: 0}))
	assert.Equal(t, 0, remainingAfterUse(&model.AccessKey{MaxUses: 5, UsedCount: 4}))
	assert.Equal(t, 0, remainingAfterUse(&model.AccessKey{MaxUses: 5, UsedCount: 9}))
	assert.Equal(t, -1, remainingAfterUse(&model.AccessKey{MaxUses: -1, UsedCount: 9}))
}

func TestPoolGenerator(t *testing.T) {
	a := &fakeGenerator{card: &Card{Title: "a"}}
	b := &fakeGenerator{err: errors.New("quota exceeded")}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	pool := NewPoolGenerator([]string{"...aaaa", "...bbbb"}, []Generator{a, b}, newTestLogger(), m)

	var titles []string
	var failures int
	for i := 0; i < 4; i++ {
		card, err := pool.Generate(context.Background(), "text")
		if err != nil {
			failures++
			continue
		}
		titles = append(titles, card.Title)
	}
	assert.Equal(t, []string{"a", "a"}, titles)
	assert.Equal(t, 2, failures)
	assert.Equal(t, 2, a.calls)
	assert.Equal(t, 2, b.calls)

	for _, s := range pool.pool.Stats() {
		assert.Equal(t, int64(2), s.Uses, s.Name)
		if s.Name == "...bbbb" {
			assert.Equal(t, int64(2), s.Fails)
		} else {
			assert.Zero(t, s.Fails)
		}
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("...aaaa", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("...bbbb", "failure")))
	assert.NoError(t, pool.Close())
}

func TestNewGeminiPool_RequiresKeys(t *testing.T) {
	_, err := NewGeminiPool(context.Background(), nil, "gemini-1.5-flash", time.Second, newTestLogger(), nil)
	assert.Error(t, err)
}

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"terminal-recon/internal/metrics"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// flakyTarget fails the first failures requests, then records bodies.
type flakyTarget struct {
	failures int32
	calls    atomic.Int32
	mu       sync.Mutex
	bodies   []string
	secrets  []string
	queries  []url.Values
}

func (f *flakyTarget) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	if n <= f.failures {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(b))
	f.secrets = append(f.secrets, r.Header.Get("X-Webhook-Secret"))
	f.queries = append(f.queries, r.URL.Query())
	f.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func shortDelays() []time.Duration {
	return []time.Duration{0, time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
}

func TestForwarder_RetriesUntilDelivered(t *testing.T) {
	target := &flakyTarget{failures: 2}
	srv := httptest.NewServer(target)
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	f := NewForwarder(srv.URL+"?source=valor", shortDelays(), time.Second, m, zerolog.Nop())

	require.NoError(t, f.Forward(context.Background(), []byte(`{"STAT":"APPROVED"}`), nil, nil))
	assert.EqualValues(t, 3, target.calls.Load())
	assert.Equal(t, []string{`{"STAT":"APPROVED"}`}, target.bodies)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayForwards.WithLabelValues("retry")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RelayForwards.WithLabelValues("delivered")))
}

func TestForwarder_GivesUp(t *testing.T) {
	target := &flakyTarget{failures: 100}
	srv := httptest.NewServer(target)
	defer srv.Close()

	f := NewForwarder(srv.URL, shortDelays(), time.Second, nil, zerolog.Nop())
	err := f.Forward(context.Background(), []byte(`{}`), nil, nil)
	require.ErrorIs(t, err, ErrUndelivered)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.EqualValues(t, 4, target.calls.Load())
}

func TestForwarder_StopsOnCancel(t *testing.T) {
	target := &flakyTarget{failures: 100}
	srv := httptest.NewServer(target)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewForwarder(srv.URL, []time.Duration{0, time.Hour}, time.Second, nil, zerolog.Nop())
	go func() {
		for target.calls.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	assert.ErrorIs(t, f.Forward(ctx, []byte(`{}`), nil, nil), context.Canceled)
}

func TestRelay_AcksEveryMethod(t *testing.T) {
	target := &flakyTarget{}
	srv := httptest.NewServer(target)
	defer srv.Close()

	r := New(context.Background(), NewForwarder(srv.URL, shortDelays(), time.Second, nil, zerolog.Nop()), "terminal-recon", zerolog.Nop())

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.Handler().ServeHTTP(w, httptest.NewRequest(method, "/valor", strings.NewReader(`{"amount":1}`)))
			assert.Equal(t, http.StatusOK, w.Code)
			if method == http.MethodHead {
				return
			}
			var ack Ack
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
			assert.True(t, ack.OK)
			assert.Equal(t, "valor", ack.Hook)
			assert.Equal(t, "terminal-recon", ack.Service)
			assert.NotEmpty(t, ack.TS)
		})
	}

	r.Wait()
	assert.EqualValues(t, 1, target.calls.Load(), "only POST bodies are forwarded")
	assert.Equal(t, []string{`{"amount":1}`}, target.bodies)
}

func TestRelay_AckDoesNotWaitForForward(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		delivered.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(context.Background(), NewForwarder(srv.URL, shortDelays(), 5*time.Second, nil, zerolog.Nop()), "terminal-recon", zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Secret", "s3cret")
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, delivered.Load())

	close(release)
	r.Wait()
	assert.True(t, delivered.Load())
}

func TestRelay_ForwardsSecretHeader(t *testing.T) {
	target := &flakyTarget{}
	srv := httptest.NewServer(target)
	defer srv.Close()

	r := New(context.Background(), NewForwarder(srv.URL, shortDelays(), time.Second, nil, zerolog.Nop()), "terminal-recon", zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Secret", "s3cret")
	r.Handler().ServeHTTP(httptest.NewRecorder(), req)
	r.Wait()

	assert.Equal(t, []string{"s3cret"}, target.secrets)
}

func TestRelay_ForwardsSecretQuery(t *testing.T) {
	target := &flakyTarget{}
	srv := httptest.NewServer(target)
	defer srv.Close()

	r := New(context.Background(), NewForwarder(srv.URL+"?source=valor", shortDelays(), time.Second, nil, zerolog.Nop()), "terminal-recon", zerolog.Nop())
	r.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/valor?secret=s3cret", strings.NewReader(`{}`)))
	r.Wait()

	require.Len(t, target.queries, 1)
	assert.Equal(t, "valor", target.queries[0].Get("source"))
	assert.Equal(t, "s3cret", target.queries[0].Get("secret"))
}

package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrerrors "github.com/adverant/nexus/ocr-orchestrator/internal/errors"
)

func TestGatewayInvokeSignsToken(t *testing.T) {
	var got GatewayRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(auth, claims, func(*jwt.Token) (interface{}, error) {
			return []byte("secret"), nil
		})
		if err != nil || claims.Subject != "cloud_ocr.recognize" || claims.Issuer != tokenIssuer {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":true,"data":{"text":"hello"}}`))
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "secret", 5*time.Second)
	data, err := c.Invoke(context.Background(), "cloud_api", "cloud_ocr.recognize", map[string]interface{}{"language": "eng"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(data))
	assert.Equal(t, "cloud_ocr.recognize", got.Action)
	assert.Equal(t, "eng", got.Params["language"])
}

func TestGatewayErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   ocrerrors.ErrorCode
	}{
		{"rate limited", http.StatusTooManyRequests, ``, ocrerrors.ErrorRateLimited},
		{"timeout", http.StatusGatewayTimeout, ``, ocrerrors.ErrorNetworkTimeout},
		{"unavailable", http.StatusServiceUnavailable, ``, ocrerrors.ErrorServerUnreachable},
		{"not configured", http.StatusPreconditionFailed, ``, ocrerrors.ErrorConfigurationMissing},
		{"coded", http.StatusBadRequest, `{"success":false,"code":"UNSUPPORTED_LANGUAGE","error":"xx"}`, ocrerrors.ErrorUnsupportedLanguage},
		{"failed body", http.StatusOK, `{"success":false,"error":"engine crashed"}`, ocrerrors.ErrorProviderFailed},
		{"server error", http.StatusInternalServerError, `oops`, ocrerrors.ErrorProviderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewGatewayClient(srv.URL, "", 5*time.Second)
			_, err := c.Invoke(context.Background(), "cloud_api", "cloud_ocr.recognize", nil)
			require.Error(t, err)
			assert.Equal(t, tt.want, ocrerrors.CodeOf(err))
		})
	}
}

func TestGatewayUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewGatewayClient(url, "", time.Second)
	_, err := c.Invoke(context.Background(), "htr", "htr.create_project", nil)
	assert.Equal(t, ocrerrors.ErrorServerUnreachable, ocrerrors.CodeOf(err))

	c = NewGatewayClient("", "", time.Second)
	_, err = c.Invoke(context.Background(), "htr", "htr.create_project", nil)
	assert.Equal(t, ocrerrors.ErrorConfigurationMissing, ocrerrors.CodeOf(err))
}

func TestTaskPollerStates(t *testing.T) {
	poller := NewTaskPoller("htr", time.Millisecond, 5)

	var calls int32
	task, err := poller.Wait(context.Background(), "t1", func(ctx context.Context) (*TaskStatus, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &TaskStatus{Status: "processing"}, nil
		}
		return &TaskStatus{Status: "completed", Result: json.RawMessage(`{"ok":true}`)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, TaskDone, task.State)
	assert.Equal(t, 3, task.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(task.Result))

	task, err = poller.Wait(context.Background(), "t2", func(ctx context.Context) (*TaskStatus, error) {
		return &TaskStatus{Status: "failed", Error: "segmentation crashed"}, nil
	})
	assert.Equal(t, TaskFailed, task.State)
	assert.Equal(t, ocrerrors.ErrorProviderFailed, ocrerrors.CodeOf(err))
}

func TestTaskPollerTimesOut(t *testing.T) {
	poller := NewTaskPoller("htr", time.Millisecond, 4)

	task, err := poller.Wait(context.Background(), "t3", func(ctx context.Context) (*TaskStatus, error) {
		return &TaskStatus{Status: "pending"}, nil
	})
	assert.Equal(t, ocrerrors.ErrorNetworkTimeout, ocrerrors.CodeOf(err))
	assert.Equal(t, TaskFailed, task.State)
	assert.Equal(t, 4, task.Attempts)
}

func TestTaskPollerStopsOnCancel(t *testing.T) {
	poller := NewTaskPoller("cloud_api", 50*time.Millisecond, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task, err := poller.Wait(ctx, "t4", func(ctx context.Context) (*TaskStatus, error) {
		return &TaskStatus{Status: "pending"}, nil
	})
	require.Error(t, err)
	assert.Equal(t, TaskFailed, task.State)
	assert.Equal(t, 0, task.Attempts)
	assert.NotEqual(t, ocrerrors.ErrorNetworkTimeout, ocrerrors.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTaskPollerDeadlineIsNetworkTimeout(t *testing.T) {
	poller := NewTaskPoller("htr", time.Millisecond, 1000000)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	task, err := poller.Wait(ctx, "t5", func(ctx context.Context) (*TaskStatus, error) {
		return &TaskStatus{Status: "processing"}, nil
	})
	assert.Equal(t, TaskFailed, task.State)
	assert.Equal(t, ocrerrors.ErrorNetworkTimeout, ocrerrors.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMultilingualHealthIsCached(t *testing.T) {
	var probes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			atomic.AddInt32(&probes, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	c := NewMultilingualClient(srv.URL, time.Second, time.Second, time.Minute)
	assert.False(t, c.Healthy(context.Background()))
	assert.False(t, c.Healthy(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))

	assert.False(t, NewMultilingualClient("", time.Second, time.Second, time.Minute).Healthy(context.Background()))
}

func TestMultilingualProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewMultilingualClient(srv.URL, 10*time.Second, 50*time.Millisecond, time.Minute)
	start := time.Now()
	assert.False(t, c.Healthy(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMultilingualCancelledProbeIsNotCached(t *testing.T) {
	var probes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&probes, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewMultilingualClient(srv.URL, time.Second, time.Second, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.Healthy(ctx))

	assert.True(t, c.Healthy(context.Background()))
	assert.True(t, c.Healthy(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))
}

func TestMultilingualRecognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req MultilingualRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Languages) > 0 && req.Languages[0] == "xx" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.Write([]byte(`{"text":"مرحبا","confidence":0.91,"model":"ml-v2","lines":[{"text":"مرحبا","confidence":0.91,"bbox":[0,0,100,20]}]}`))
	}))
	defer srv.Close()

	c := NewMultilingualClient(srv.URL, time.Second, time.Second, time.Minute)
	resp, err := c.Recognize(context.Background(), "multilingual", []byte("img"), []string{"ara"}, "")
	require.NoError(t, err)
	assert.Equal(t, "ml-v2", resp.Model)
	require.Len(t, resp.Lines, 1)
	assert.Equal(t, [4]int{0, 0, 100, 20}, resp.Lines[0].BBox)

	_, err = c.Recognize(context.Background(), "multilingual", []byte("img"), []string{"xx"}, "")
	assert.Equal(t, ocrerrors.ErrorUnsupportedLanguage, ocrerrors.CodeOf(err))
}

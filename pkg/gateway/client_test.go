package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fly-io/imgsearch/pkg/errors"
	"github.com/fly-io/imgsearch/pkg/media"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	filename    string
	contentType string
	data        []byte
	requestID   string
}

// fakeIndex emulates the similarity service. Handlers may be swapped per test.
func fakeIndex(t *testing.T, search, add http.HandlerFunc) (*httptest.Server, *received) {
	t.Helper()
	got := &received{}

	capture := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f, hdr, err := r.FormFile(FieldName)
			require.NoError(t, err)
			defer f.Close()
			got.data, _ = io.ReadAll(f)
			got.filename = hdr.Filename
			got.contentType = hdr.Header.Get("Content-Type")
			got.requestID = r.Header.Get(RequestIDHeader)
			next(w, r)
		}
	}

	r := chi.NewRouter()
	r.Post("/search-similar-images/", capture(search))
	r.Post("/add-image/", capture(add))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, got
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL string) (*Client, *Metrics) {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	c, err := NewClient(Config{BaseURL: baseURL, Metrics: metrics})
	require.NoError(t, err)
	return c, metrics
}

func jpeg() *media.File {
	return media.NewFile("cat.jpg", "image/jpeg", []byte("jpeg-bytes"))
}

func TestSearch_Success(t *testing.T) {
	srv, got := fakeIndex(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []map[string]any{
				{"id": 1, "similarity": 0.97, "distance": 0.03, "path": "/img/1.png"},
				{"id": "b", "similarity": 0.5, "distance": 0.5, "path": "http://cdn.test/2.png"},
			},
		})
	}, nil)

	c, metrics := newTestClient(t, srv.URL)
	resp, err := c.Submit(context.Background(), EndpointSearch, jpeg())
	require.NoError(t, err)
	results := resp.Results

	require.Len(t, results, 2)
	assert.Equal(t, ImageID("1"), results[0].ID)
	assert.Equal(t, 0.97, results[0].Similarity)
	assert.Equal(t, ImageID("b"), results[1].ID)

	assert.Equal(t, "cat.jpg", got.filename)
	assert.Equal(t, "image/jpeg", got.contentType)
	assert.Equal(t, "jpeg-bytes", string(got.data))
	assert.NotEmpty(t, got.requestID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("search", "success")))
}

func TestSearch_EmptyResults(t *testing.T) {
	srv, _ := fakeIndex(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	}, nil)

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.Submit(context.Background(), EndpointSearch, jpeg())
	require.NoError(t, err)
	results := resp.Results
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestAdd_Success(t *testing.T) {
	srv, _ := fakeIndex(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"image": map[string]any{
				"id":                42,
				"path":              "static/images/cat.jpg",
				"sha256":            "abc123",
				"original_filename": "cat.jpg",
			},
		})
	})

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.Submit(context.Background(), EndpointAdd, jpeg())
	require.NoError(t, err)
	img := resp.Image
	require.NotNil(t, img)
	assert.Equal(t, int64(42), img.ID)
	assert.Equal(t, "abc123", img.SHA256)
	assert.Equal(t, "cat.jpg", img.OriginalFilename)
}

func TestSubmit_ServerErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"detail string", http.StatusInternalServerError, `{"detail":"index unavailable"}`, "index unavailable"},
		{"no detail", http.StatusServiceUnavailable, `{}`, "Service Unavailable"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "Bad Gateway"},
		{"structured detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"field required"}]}`, `[{"msg":"field required"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := fakeIndex(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}, nil)

			c, metrics := newTestClient(t, srv.URL)
			_, err := c.Submit(context.Background(), EndpointSearch, jpeg())
			require.Error(t, err)

			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, errors.KindServer, e.Kind)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, tt.message, e.Message)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("search", "server")))
		})
	}
}

func TestServerError_ReasonPhrase(t *testing.T) {
	tests := []struct {
		name    string
		resp    *http.Response
		message string
	}{
		{"sent phrase", &http.Response{StatusCode: 503, Status: "503 Index Rebuilding"}, "Index Rebuilding"},
		{"bare code", &http.Response{StatusCode: 502, Status: "502"}, "Bad Gateway"},
		{"nothing known", &http.Response{StatusCode: 599, Status: "599"}, MessageServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := serverError(tt.resp, []byte("{}"))
			assert.Equal(t, errors.KindServer, e.Kind)
			assert.Equal(t, tt.resp.StatusCode, e.Status)
			assert.Equal(t, tt.message, e.Message)
		})
	}
}

func TestSubmit_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, metrics := newTestClient(t, url)
	_, err := c.Submit(context.Background(), EndpointAdd, jpeg())
	require.Error(t, err)
	assert.Equal(t, errors.KindConnectivity, errors.KindOf(err))
	assert.Equal(t, MessageConnectivity, errors.MessageOf(err, ""))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requests.WithLabelValues("add", "connectivity")))
}

func TestSubmit_MalformedSuccess(t *testing.T) {
	srv, _ := fakeIndex(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"matches": []any{}})
	}, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "not json")
	})

	c, _ := newTestClient(t, srv.URL)

	_, err := c.Submit(context.Background(), EndpointSearch, jpeg())
	assert.Equal(t, errors.KindUnknown, errors.KindOf(err))

	_, err = c.Submit(context.Background(), EndpointAdd, jpeg())
	assert.Equal(t, errors.KindUnknown, errors.KindOf(err))
	assert.Equal(t, MessageMalformed, errors.MessageOf(err, ""))
}

func TestSubmit_Canceled(t *testing.T) {
	release := make(chan struct{})
	srv, _ := fakeIndex(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	}, nil)
	defer close(release)

	c, _ := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Submit(ctx, EndpointSearch, jpeg())
	require.Error(t, err)
	assert.Equal(t, errors.KindUnknown, errors.KindOf(err))
}

func TestNewClient_RejectsRelativeBase(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "localhost:8000"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "/api"})
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	c, err := NewClient(Config{BaseURL: "http://localhost:8000"})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/static/1.png", c.Resolve("/static/1.png"))
	assert.Equal(t, "http://localhost:8000/static/1.png", c.Resolve("static/1.png"))
	assert.Equal(t, "https://cdn.test/a.png", c.Resolve("https://cdn.test/a.png"))
}

func TestEndpointPath_WithBasePath(t *testing.T) {
	var hit string
	r := chi.NewRouter()
	r.Post("/api/search-similar-images/", func(w http.ResponseWriter, r *http.Request) {
		hit = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL+"/api")
	_, err := c.Submit(context.Background(), EndpointSearch, jpeg())
	require.NoError(t, err)
	assert.Equal(t, "/api/search-similar-images/", hit)
}

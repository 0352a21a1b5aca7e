package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/internal/telemetry"
	"github.com/yairfalse/cartograph/pkg/resource"
	"github.com/yairfalse/cartograph/storage"
)

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "cartograph.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mk := func(service resource.Service, region, arn, name string, ips ...string) resource.Resource {
		r := resource.New(service, region, arn, name)
		r.IPs = ips
		return r
	}
	web := mk(resource.ServiceEC2, "us-east-1", "arn:i-1", "web", "10.0.0.7")
	web.Tags["env"] = "prod"
	require.NoError(t, s.UpsertBatch(context.Background(), []resource.Resource{
		mk("db", "us-east-1", "db:1", "primary", "10.0.0.5"),
		web,
		mk(resource.ServiceEC2, "eu-west-1", "arn:i-2", "api", "10.1.0.7"),
		mk(resource.ServiceELB, "us-east-1", "arn:lb", "edge", "52.0.0.1"),
		mk(resource.ServiceENI, "us-east-1", "arn:eni", "ELB net/edge", "52.0.0.1"),
	}))

	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	return New(s, opts)
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestQuery(t *testing.T) {
	srv := newTestServer(t, Options{})

	tests := []struct {
		name   string
		target string
		want   []string
	}{
		{"no filter", "/api/query", []string{"primary", "api", "web", "edge", "ELB net/edge"}},
		{"empty params", "/api/query?services=&regions=", []string{"primary", "api", "web", "edge", "ELB net/edge"}},
		{"service and region", "/api/query?services=db&regions=us-east-1", []string{"primary"}},
		{"csv and alias", "/api/query?services=ec2:instance,db&regions=eu-west-1", []string{"api"}},
		{"repeated params", "/api/query?services=elbv2&services=eni", []string{"edge", "ELB net/edge"}},
		{"unknown service", "/api/query?services=nosuch", []string{}},
		{"tag", "/api/query?tag=env%3Dprod", []string{"web"}},
		{"exclude tag", "/api/query?services=ec2&exclude_tag=env%3Dprod", []string{"api"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			got := decode[[]resource.Resource](t, rec)
			names := make([]string, 0, len(got))
			for _, r := range got {
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestQuery_BadTagFilter(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}), "/api/query?tag=%3Dprod")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQuery_PreservesFields(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}), "/api/query?services=db")

	got := decode[[]map[string]any](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, "db", got[0]["service"])
	assert.Equal(t, "us-east-1", got[0]["region"])
	assert.Equal(t, "db:1", got[0]["arn"])
	assert.Equal(t, []any{"10.0.0.5"}, got[0]["ips"])
	assert.Contains(t, got[0], "tags")
	assert.Contains(t, got[0], "details")
	assert.Contains(t, got[0], "collected_at")
}

func TestIdentify(t *testing.T) {
	srv := newTestServer(t, Options{})

	t.Run("single", func(t *testing.T) {
		rec := get(t, srv, "/api/identify/10.0.0.5")
		require.Equal(t, http.StatusOK, rec.Code)

		got := decode[identifyResponse](t, rec)
		assert.Equal(t, "10.0.0.5", got.IP)
		assert.False(t, got.Ambiguous)
		require.Len(t, got.Matches, 1)
		assert.Equal(t, "primary", got.Matches[0].Name)
		assert.Contains(t, got.Note, "db/us-east-1/db:1")
	})

	t.Run("ambiguous", func(t *testing.T) {
		got := decode[identifyResponse](t, get(t, srv, "/api/identify/52.0.0.1"))
		assert.True(t, got.Ambiguous)
		assert.True(t, got.Public)
		assert.Len(t, got.Matches, 2)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := get(t, srv, "/api/identify/10.9.9.9")
		require.Equal(t, http.StatusOK, rec.Code)

		got := decode[map[string]any](t, rec)
		assert.Equal(t, []any{}, got["matches"])
		assert.Equal(t, "no resource known for 10.9.9.9", got["note"])
	})

	t.Run("ipv6", func(t *testing.T) {
		rec := get(t, srv, "/api/identify/2600:1f18::1")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("invalid", func(t *testing.T) {
		rec := get(t, srv, "/api/identify/not-an-ip")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		got := decode[map[string]string](t, rec)
		assert.Equal(t, "malformed", got["code"])
	})
}

func TestStats(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}), "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[storage.Stats](t, rec)
	assert.Equal(t, 5, got.Resources)
	assert.Equal(t, 4, got.IPs)
	assert.Equal(t, 2, got.ByService[resource.ServiceEC2])
}

func TestHealthAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("cartograph_up 1\n"))
	})
	srv := newTestServer(t, Options{Metrics: metrics})

	assert.Equal(t, http.StatusOK, get(t, srv, "/healthz").Code)

	rec := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cartograph_up 1\n", rec.Body.String())
}

func TestIndexPage(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}), "/")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/query")
}

func TestUnknownAPIRoute(t *testing.T) {
	rec := get(t, newTestServer(t, Options{}), "/api/nope")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, rec)["code"])
}

func TestRecoverer(t *testing.T) {
	h := recoverer(telemetry.NopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := get(t, h, "/")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal", decode[map[string]string](t, rec)["code"])
}

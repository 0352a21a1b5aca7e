package query

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/pkg/resource"
	"github.com/yairfalse/cartograph/storage"
)

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "cartograph.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(service resource.Service, region, arn, name string, ips ...string) resource.Resource {
		r := resource.New(service, region, arn, name)
		r.IPs = ips
		r.CollectedAt = at
		return r
	}

	web := mk(resource.ServiceEC2, "us-east-1", "arn:i-1", "web", "10.0.0.5", "54.1.2.3")
	web.Tags["env"] = "prod"
	web.Tags["app"] = "shop"
	web.Details["instance_type"] = "t3.micro"

	db := mk(resource.ServiceRDS, "us-east-1", "arn:db-1", "orders")
	db.Details["port"] = 5432

	require.NoError(t, s.UpsertBatch(context.Background(), []resource.Resource{
		web,
		mk(resource.ServiceEC2, "eu-west-1", "arn:i-2", "api", "10.1.0.7"),
		db,
		mk(resource.ServiceRoute53, resource.GlobalRegion, "arn:aws:route53:::hostedzone/Z1", "example.com."),
	}))
	return s
}

func TestParseFilter(t *testing.T) {
	f := ParseFilter([]string{"ec2:instance, elbv2", "RDS"}, []string{"us-east-1,eu-west-1", " "})

	assert.Equal(t, []resource.Service{resource.ServiceEC2, resource.ServiceELB, resource.ServiceRDS}, f.Services)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, f.Regions)

	empty := ParseFilter(nil, []string{""})
	assert.Empty(t, empty.Services)
	assert.Empty(t, empty.Regions)
}

func TestWithTags(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(seededStore(t))

	f, err := WithTags(ParseFilter([]string{"ec2"}, nil), []string{"env=prod"}, nil)
	require.NoError(t, err)
	got, err := e.Query(ctx, f)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "web", got[0].Name)

	f, err = WithTags(storage.Filter{}, nil, []string{"app=shop"})
	require.NoError(t, err)
	got, err = e.Query(ctx, f)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	f, err = WithTags(storage.Filter{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, f.Tags)

	_, err = WithTags(storage.Filter{}, []string{"=prod"}, nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindMalformed, fault.KindOf(err))
}

func TestParseFormat(t *testing.T) {
	for name, want := range map[string]Format{"": FormatJSON, "json": FormatJSON, "TEXT": FormatTable, "table": FormatTable} {
		got, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestEngine_QueryFilters(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(seededStore(t))

	tests := []struct {
		name   string
		filter storage.Filter
		want   []string
	}{
		{"no filter", storage.Filter{}, []string{"api", "web", "orders", "example.com."}},
		{"by service", ParseFilter([]string{"ec2"}, nil), []string{"api", "web"}},
		{"by region", ParseFilter(nil, []string{"us-east-1"}), []string{"web", "orders"}},
		{"both", ParseFilter([]string{"rds", "ec2"}, []string{"us-east-1"}), []string{"web", "orders"}},
		{"global", ParseFilter([]string{"route53:hostedzone"}, []string{"global"}), []string{"example.com."}},
		{"unknown service", ParseFilter([]string{"nosuch"}, nil), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Query(ctx, tt.filter)
			require.NoError(t, err)
			require.NotNil(t, got)
			names := make([]string, 0, len(got))
			for _, r := range got {
				names = append(names, r.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestEngine_RunJSON(t *testing.T) {
	e := NewEngine(seededStore(t))
	var buf bytes.Buffer

	n, err := e.Run(context.Background(), &buf, ParseFilter([]string{"rds"}, nil), FormatJSON)

	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "orders", out[0]["name"])
	assert.Equal(t, []any{}, out[0]["ips"])
	assert.Equal(t, map[string]any{}, out[0]["tags"])
	assert.Equal(t, float64(5432), out[0]["details"].(map[string]any)["port"])
}

func TestWriteJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteTable_GroupsByServiceAndRegion(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(seededStore(t))
	var buf bytes.Buffer

	_, err := e.Run(ctx, &buf, storage.Filter{}, FormatTable)
	require.NoError(t, err)
	out := buf.String()

	groups := []string{"ec2 / eu-west-1 (1)", "ec2 / us-east-1 (1)", "rds / us-east-1 (1)", "route53 / global (1)"}
	last := -1
	for _, g := range groups {
		i := strings.Index(out, g)
		require.GreaterOrEqual(t, i, 0, "missing group %q", g)
		assert.Greater(t, i, last, "group %q out of order", g)
		last = i
	}
	assert.Contains(t, out, "54.1.2.3*")
	assert.Contains(t, out, "app=shop, env=prod")
	assert.Contains(t, out, "port=5432")
	assert.Contains(t, out, "4 resources.")
}

func TestWriteTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, nil))
	assert.Equal(t, "No resources found.\n", buf.String())
}

func TestFormatters(t *testing.T) {
	assert.Equal(t, "10.0.0.5, 54.1.2.3*, 2600:1f18::1*", FormatIPs([]string{"10.0.0.5", "54.1.2.3", "2600:1f18::1"}))
	assert.Equal(t, "", FormatIPs(nil))
	assert.Equal(t, "a=1, b=2", FormatTags(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "count=42, enabled=true, ratio=0.5", FormatDetails(map[string]any{
		"ratio":   0.5,
		"count":   float64(42),
		"enabled": true,
		"empty":   "",
	}))
}

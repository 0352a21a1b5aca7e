package export

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/cartograph/pkg/resource"
	"github.com/yairfalse/cartograph/storage"
)

func seededStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "cartograph.db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	mk := func(service resource.Service, arn, name string, ips ...string) resource.Resource {
		r := resource.New(service, "us-east-1", arn, name)
		r.IPs = ips
		return r
	}
	require.NoError(t, s.UpsertBatch(context.Background(), []resource.Resource{
		mk("db", "db:1", "primary", "10.0.0.5"),
		mk(resource.ServiceEC2, "arn:i-1", "web server #1", "10.0.0.10", "54.1.2.3"),
		mk(resource.ServiceELB, "arn:lb", "edge", "52.0.0.1"),
		mk(resource.ServiceENI, "arn:eni", "ELB net/edge", "52.0.0.1"),
		mk(resource.ServiceS3, "arn:bucket", "logs"),
	}))
	return s
}

func TestWriteHosts(t *testing.T) {
	var buf bytes.Buffer

	n, err := WriteHosts(context.Background(), &buf, seededStore(t))

	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var lines []string
	for _, l := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.HasPrefix(l, "#") {
			lines = append(lines, l)
		}
	}
	assert.Equal(t, []string{
		"10.0.0.5\tprimary\t# db:db:1",
		"10.0.0.10\tweb-server-1\t# ec2:arn:i-1",
		"52.0.0.1\tedge\t# elb:arn:lb (shared by 2 resources)",
		"54.1.2.3\tweb-server-1\t# ec2:arn:i-1",
	}, lines)
}

func TestWriteHosts_Deterministic(t *testing.T) {
	s := seededStore(t)
	var first, second bytes.Buffer

	_, err := WriteHosts(context.Background(), &first, s)
	require.NoError(t, err)
	_, err = WriteHosts(context.Background(), &second, s)
	require.NoError(t, err)

	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestWriteHostsFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := seededStore(t)

	n, err := WriteHostsFile(context.Background(), fs, "/out/hosts.txt", s)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, err := afero.ReadFile(fs, "/out/hosts.txt")
	require.NoError(t, err)
	assert.Contains(t, string(data), "10.0.0.5\tprimary")

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not remain")
}

func TestWriteHostsFile_Overwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, DefaultPath, []byte("stale"), 0o644))

	_, err := WriteHostsFile(context.Background(), fs, "", seededStore(t))
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, DefaultPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "stale")
}

type brokenLister struct{}

func (brokenLister) AllIPs(context.Context) ([]storage.IPEntry, error) {
	return nil, errors.New("closed")
}

func TestWriteHostsFile_ListErrorLeavesNoFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := WriteHostsFile(context.Background(), fs, "/out/hosts.txt", brokenLister{})
	require.Error(t, err)

	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSanitizeHostname(t *testing.T) {
	tests := map[string]string{
		"primary":         "primary",
		"web server #1":   "web-server-1",
		"  padded  ":      "padded",
		"example.com.":    "example.com",
		"a\tb\nc":         "a-b-c",
		"ELB net/edge":    "ELB-net-edge",
		"k8s_node.01":     "k8s_node.01",
		"###":             fallbackHost,
		"":                fallbackHost,
		"café":            "caf",
		"--leading--dash": "leading-dash",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeHostname(in), "input %q", in)
	}
}

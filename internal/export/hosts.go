// Package export materializes the IP index as a hosts file.
package export

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/yairfalse/cartograph/storage"
)

// DefaultPath is where export-hosts writes when no output is given.
const DefaultPath = "hosts.txt"

// fallbackHost is used when a name sanitizes to nothing.
const fallbackHost = "unnamed"

// Lister enumerates the IP index.
type Lister interface {
	AllIPs(ctx context.Context) ([]storage.IPEntry, error)
}

// WriteHosts writes one line per indexed IP, sorted numerically, and
// returns the number of lines written. The output carries no timestamps,
// so an unchanged store produces identical bytes.
func WriteHosts(ctx context.Context, w io.Writer, l Lister) (int, error) {
	entries, err := l.AllIPs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list ips: %w", err)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Generated by cartograph export-hosts.")
	fmt.Fprintln(bw, "# <ip>\t<name>\t# <service>:<arn>")
	for _, e := range entries {
		fmt.Fprintln(bw, Line(e))
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("write hosts: %w", err)
	}
	return len(entries), nil
}

// Line formats a single hosts entry.
func Line(e storage.IPEntry) string {
	r := e.Resource
	line := fmt.Sprintf("%s\t%s\t# %s:%s", e.IP, SanitizeHostname(r.Name), r.Service, r.ARN)
	if e.Shared > 1 {
		line += fmt.Sprintf(" (shared by %d resources)", e.Shared)
	}
	return line
}

// WriteHostsFile writes the hosts file through a temporary sibling and
// renames it into place, so readers never see a partial file.
func WriteHostsFile(ctx context.Context, fs afero.Fs, path string, l Lister) (int, error) {
	if path == "" {
		path = DefaultPath
	}
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := WriteHosts(ctx, tmp, l)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close temp file: %w", closeErr)
	}
	if err != nil {
		_ = fs.Remove(tmpName)
		return 0, err
	}

	if err := fs.Chmod(tmpName, 0o644); err != nil {
		_ = fs.Remove(tmpName)
		return 0, fmt.Errorf("chmod hosts file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName)
		return 0, fmt.Errorf("rename hosts file: %w", err)
	}
	return n, nil
}

// SanitizeHostname reduces name to a single hosts-file token. Characters
// other than letters, digits, '-', '.' and '_' become '-', runs of '-'
// collapse, and leading or trailing '-' and '.' are trimmed.
func SanitizeHostname(name string) string {
	var b strings.Builder
	lastDash := false
	for _, c := range name {
		ok := c < 0x80 && (c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '_' || c == '-')
		if !ok {
			c = '-'
		}
		if c == '-' {
			if lastDash {
				continue
			}
			lastDash = true
		} else {
			lastDash = false
		}
		b.WriteRune(c)
	}

	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return fallbackHost
	}
	return out
}

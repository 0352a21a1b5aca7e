// Package query filters stored resources and renders them for the CLI and
// the HTTP frontend.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/yairfalse/cartograph/internal/fault"
	"github.com/yairfalse/cartograph/internal/filter"
	"github.com/yairfalse/cartograph/pkg/resource"
	"github.com/yairfalse/cartograph/storage"
)

// Format selects an output encoding.
type Format string

const (
	// FormatJSON preserves every field.
	FormatJSON Format = "json"
	// FormatTable flattens resources to a fixed column set grouped by
	// service and region.
	FormatTable Format = "table"
)

// ParseFormat resolves a format name. An empty name is JSON.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return FormatJSON, nil
	case "table", "text":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q", name)
	}
}

// Engine answers filtered queries against a store.
type Engine struct {
	reader storage.Reader
}

// NewEngine creates an engine over reader.
func NewEngine(reader storage.Reader) *Engine {
	return &Engine{reader: reader}
}

// Query returns the resources matching filter in stable order. The result
// is never nil.
func (e *Engine) Query(ctx context.Context, filter storage.Filter) ([]resource.Resource, error) {
	out, err := e.reader.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	if out == nil {
		out = []resource.Resource{}
	}
	return out, nil
}

// Stats returns a summary of store contents.
func (e *Engine) Stats(ctx context.Context) (storage.Stats, error) {
	return e.reader.Stats(ctx)
}

// Run queries and renders in one step.
func (e *Engine) Run(ctx context.Context, w io.Writer, filter storage.Filter, format Format) (int, error) {
	resources, err := e.Query(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(resources), Render(w, resources, format)
}

// Render writes resources in the given format.
func Render(w io.Writer, resources []resource.Resource, format Format) error {
	switch format {
	case FormatTable:
		return WriteTable(w, resources)
	case FormatJSON, "":
		return WriteJSON(w, resources)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

// WriteJSON writes resources as an indented JSON array.
func WriteJSON(w io.Writer, resources []resource.Resource) error {
	if resources == nil {
		resources = []resource.Resource{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resources); err != nil {
		return fmt.Errorf("encode resources: %w", err)
	}
	return nil
}

// SplitList splits comma separated values, trimming blanks. Repeated flags
// and comma lists can be mixed.
func SplitList(values ...string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// ParseFilter builds a store filter from user input. Service names go
// through alias resolution; unknown names are kept so they match nothing.
func ParseFilter(services, regions []string) storage.Filter {
	var f storage.Filter
	for _, s := range SplitList(services...) {
		f.Services = append(f.Services, resource.ParseService(s))
	}
	f.Regions = SplitList(regions...)
	return f
}

// WithTags narrows f to resources carrying every include tag and none of the
// exclude tags, each given as key=value.
func WithTags(f storage.Filter, include, exclude []string) (storage.Filter, error) {
	tags, err := filter.Parse(include, exclude)
	if err != nil {
		return f, fault.Malformed("parse tag filter", err)
	}
	if !tags.IsEmpty() {
		f.Tags = tags
	}
	return f, nil
}

package query

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aquasecurity/table"
	"github.com/spf13/cast"

	"github.com/yairfalse/cartograph/pkg/resource"
)

// publicMarker flags globally routable addresses in table output.
const publicMarker = "*"

var columns = []string{"Name", "ARN", "IPs", "Tags", "Details"}

// WriteTable renders resources as one table per (service, region) group,
// in the order the store returned them.
func WriteTable(w io.Writer, resources []resource.Resource) error {
	if len(resources) == 0 {
		_, err := fmt.Fprintln(w, "No resources found.")
		return err
	}

	start := 0
	for i := 1; i <= len(resources); i++ {
		if i < len(resources) && sameGroup(resources[start], resources[i]) {
			continue
		}
		group := resources[start:i]
		if _, err := fmt.Fprintf(w, "\n%s / %s (%d)\n", group[0].Service, group[0].Region, len(group)); err != nil {
			return err
		}

		t := table.New(w)
		t.SetHeaders(columns...)
		t.SetHeaderStyle(table.StyleBold)
		t.SetRowLines(false)
		t.SetDividers(table.UnicodeRoundedDividers)
		t.SetAlignment(table.AlignLeft)
		for _, r := range group {
			t.AddRow(Row(r)...)
		}
		t.Render()

		start = i
	}

	_, err := fmt.Fprintf(w, "\n%d resources. %s marks a public IP.\n", len(resources), publicMarker)
	return err
}

func sameGroup(a, b resource.Resource) bool {
	return a.Service == b.Service && a.Region == b.Region
}

// Row flattens r to the table column set.
func Row(r resource.Resource) []string {
	return []string{
		r.Name,
		r.ARN,
		FormatIPs(r.IPs),
		FormatTags(r.Tags),
		FormatDetails(r.Details),
	}
}

// FormatIPs joins addresses, marking public ones.
func FormatIPs(ips []string) string {
	parts := make([]string, len(ips))
	for i, ip := range ips {
		if resource.IsPublic(ip) {
			ip += publicMarker
		}
		parts[i] = ip
	}
	return strings.Join(parts, ", ")
}

// FormatTags renders tags as sorted key=value pairs.
func FormatTags(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ", ")
}

// FormatDetails renders details as sorted key=value pairs. Empty values
// are omitted.
func FormatDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := cast.ToStringE(details[k])
		if err != nil {
			v = fmt.Sprint(details[k])
		}
		if v == "" {
			continue
		}
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ", ")
}

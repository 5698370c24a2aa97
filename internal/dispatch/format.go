package dispatch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opsdesk/approval-bot/internal/model"
	"github.com/opsdesk/approval-bot/internal/session"
)

func formatStatus(service string, st model.Status) string {
	if st.Failed() {
		return fmt.Sprintf("Status for %s: %s", service, st.Error)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Status for %s (%s)\n", service, st.Provider)
	fmt.Fprintf(&b, "State: %s\n", orDash(st.State))
	fmt.Fprintf(&b, "Version: %s\n", orDash(st.Version))
	fmt.Fprintf(&b, "Region: %s\n", orDash(st.Region))
	fmt.Fprintf(&b, "Healthy: %t", st.Healthy)
	return b.String()
}

func formatRecord(r model.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] /%s %s %s %s -> %s\n",
		r.Timestamp.Format(time.RFC3339), r.Command, r.Service, r.Version, r.Env, r.Outcome)
	if r.Message != "" {
		fmt.Fprintf(&b, "  %s\n", r.Message)
	}
	// Known steps first, in flow order, then anything else sorted.
	seen := make(map[string]bool, len(r.Fields))
	for _, k := range session.Steps {
		if v, ok := r.Fields[k]; ok {
			fmt.Fprintf(&b, "  %s: %s\n", k, v)
			seen[k] = true
		}
	}
	var rest []string
	for k := range r.Fields {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(&b, "  %s: %s\n", k, r.Fields[k])
	}
	if r.Status != nil {
		if r.Status.Failed() {
			fmt.Fprintf(&b, "  status: %s\n", r.Status.Error)
		} else {
			fmt.Fprintf(&b, "  status: %s via %s\n", r.Status.State, r.Status.Provider)
		}
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Chunk splits text into pieces of at most limit bytes, preferring to
// break after a newline.
func Chunk(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n') + 1
		if cut <= 0 {
			cut = limit
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

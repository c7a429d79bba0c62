package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	scalar(&sb, "relay_uptime_seconds", "gauge", "Time since relay started", snap.Uptime)
	scalar(&sb, "relay_connections_open", "gauge", "Currently open client connections", snap.ConnectionsOpen)
	scalar(&sb, "relay_connections_total", "counter", "Client connections accepted", snap.ConnectionsTotal)

	labelled(&sb, "relay_streams_started_total", "counter", "Upstream streams opened by provider", "provider", snap.StreamsStarted, false)
	labelled(&sb, "relay_streams_active", "gauge", "Upstream streams in flight by provider", "provider", snap.StreamsActive, true)
	labelled(&sb, "relay_streams_ended_total", "counter", "Streams finished by terminal status", "status", snap.StreamsEnded, false)
	labelled(&sb, "relay_stream_duration_ms_total", "counter", "Total stream duration in milliseconds by provider", "provider", snap.StreamLatencyMS, false)
	scalar(&sb, "relay_frames_sent_total", "counter", "Delta frames delivered to clients", snap.FramesSent)
	labelled(&sb, "relay_malformed_lines_total", "counter", "Upstream lines dropped as malformed by provider", "provider", snap.MalformedLines, false)
	labelled(&sb, "relay_error_envelopes_total", "counter", "Error envelopes sent by kind", "kind", snap.ErrorsByKind, false)

	scalar(&sb, "relay_stops_acked_total", "counter", "Stop requests that cancelled an operation", snap.StopsAcked)
	scalar(&sb, "relay_stops_not_found_total", "counter", "Stop requests for unknown operations", snap.StopsNotFound)

	scalar(&sb, "relay_rate_limit_hits_total", "counter", "Total number of rate limit rejections", snap.RateLimitHits)
	masked := make(map[string]int64, len(snap.RateLimitByKey))
	for k, v := range snap.RateLimitByKey {
		masked[maskUserID(k)] += v
	}
	labelled(&sb, "relay_rate_limit_by_user_total", "counter", "Rate limit hits by user", "user", masked, false)

	scalar(&sb, "relay_prompt_tokens_total", "counter", "Total prompt tokens reported by upstreams", snap.TotalPromptTokens)
	scalar(&sb, "relay_completion_tokens_total", "counter", "Total completion tokens reported by upstreams", snap.TotalCompletionTokens)
	labelled(&sb, "relay_tokens_by_model_total", "counter", "Total tokens by model", "model", snap.TokensByModel, false)

	byUser := make(map[string]int64, len(snap.TokensByUser))
	for k, v := range snap.TokensByUser {
		// Mask user IDs for privacy
		byUser[maskUserID(k)] += v
	}
	labelled(&sb, "relay_tokens_by_user_total", "counter", "Total tokens by user", "user", byUser, false)

	return sb.String()
}

func scalar(sb *strings.Builder, name, kind, help string, value int64) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(sb, "%s %d\n\n", name, value)
}

func labelled(sb *strings.Builder, name, kind, help, label string, values map[string]int64, positiveOnly bool) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
	for _, key := range sortedKeys(values) {
		v := values[key]
		if positiveOnly && v <= 0 {
			continue
		}
		fmt.Fprintf(sb, "%s{%s=\"%s\"} %d\n", name, label, escapeLabel(key), v)
	}
	sb.WriteString("\n")
}

func escapeLabel(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	// Show last 4 characters only
	return "user_***" + userID[len(userID)-4:]
}

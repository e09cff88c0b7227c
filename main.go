// The main package for the pagespeed-audit executable.
//
// Architecture overview:
//   - Commands: cmd.Execute builds a cobra tree with analyze (one-off URLs, JSON lines on stdout), batch (XLSX in,
//     scored XLSX out) and serve (HTTP API). The root pre-run hook loads config via Viper, builds the zap logger and
//     the internal/app container, and the container is closed when the command returns.
//   - Analysis path: analyzer.Analyzer normalizes the URL, consults the cache gateway, then fails fast when the
//     circuit breaker is open. Otherwise the retry controller acquires a browser from the instance pool, runs the
//     score-extraction state machine under the memory monitor, and retries with doubling timeouts.
//   - Browsers: the pool hands out chromedp or go-rod instances (or the scripted engine for tests), reuses them LIFO,
//     probes idle ones on the health loop, and retires instances that exceed the memory ceiling, idle TTL or
//     failure cap.
//   - Batch: URLs become audit.Jobs on a bounded in-memory queue drained by a fixed worker set sized by
//     batch.workers. Every outcome is recorded to the workbook, the run summary and, when configured, Postgres.
//   - Configuration & plumbing: Viper populates config from file and AUDIT_* env vars; zap provides structured
//     logging; Prometheus metrics are exported on /metrics when serving.
//
// Quick checklist:
//   - Pick an engine with AUDIT_AUTOMATION_ENGINE (chromedp, rod, scripted) and a cache with AUDIT_CACHE_BACKEND
//     (file, memory, redis, none).
//   - Run locally: go run . analyze https://example.com
//   - Bulk: go run . batch --sheet urls.xlsx --out scored.xlsx
//   - Serve: go run . serve --config config.yaml, then POST /v1/analyze.
package main

import (
	"github.com/JakeFAU/pagespeed-audit/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}

// Package main hosts the serialcrawler entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes session start/stop/status, run history, a websocket stream of
//     completion events, health probes, and Prometheus metrics.
//   - Orchestrator: every session runs in its own goroutine and walks navigate, await-ready, extract, record
//     and continue until the target fragment count is reached or no next locator remains. The merged payload
//     is written once to the configured artifact sink (memory/local/GCS).
//   - Render targets: a Chromedp tab pool for script-heavy sites or a Colly/goquery fetcher for static pages,
//     both behind a per-domain rate limiter.
//   - Persistence & fanout: session runs and fragments are optionally recorded in Postgres via the progress
//     hub; completion events go to websocket subscribers and, when configured, to a Pub/Sub topic.
//   - Configuration & plumbing: Viper populates config from YAML and CRAWLER_* env vars (a .env file is read
//     first); zap provides structured logging; OpenTelemetry spans wrap each session when tracing is enabled.
//
// Commands:
//   - serialcrawler serve --config config.yaml starts the HTTP service.
//   - serialcrawler crawl --url https://example.com/ch/1 --title "My Serial" --count 20 --sink out runs a
//     single session in-process and exits when it terminates.
package main

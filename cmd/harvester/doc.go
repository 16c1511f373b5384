// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Seeding: an optional -seed CSV of candidate URLs is normalized, filtered
//     against the publisher allowlist, and bulk-inserted as pending rows before
//     the run starts. Reseeding the same file is safe; known URLs are skipped.
//   - Orchestration: internal/orchestrator reclaims rows a previous crash left
//     in processing, then claims pending batches and dispatches them through
//     per-domain politeness gates to a fixed worker pool. The run ends when the
//     table drains; the process exits once the summary is stored.
//   - Extraction cascade: each URL goes through fetch, validation, readability
//     extraction, a goquery fallback, and optionally a headless render for
//     configured paywall domains. Outcomes carry a status, a block reason, and
//     the extractor that won.
//   - Persistence & fanout: every outcome commits through the single-writer
//     batch queue onto sqlite or postgres. Winning raw HTML can be archived to
//     local disk or GCS, and each stored article can publish a compact Pub/Sub
//     completion message. Progress events stream to zap and Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from file and
//     HARVEST_-prefixed env vars; zap provides structured logging; the chi
//     admin server exposes /healthz, /readyz, /metrics, and /v1/run.
//
// Operational notes:
//   - Crash recovery: rows are claimed by flipping pending to processing, so a
//     kill -9 at any point loses no URLs; the next start resets in-flight rows
//     and continues. Shutdown by SIGINT/SIGTERM stops claiming and gives
//     in-flight fetches a configurable grace period.
//   - Politeness: one request per registrable domain per configured delay,
//     enforced at dispatch, so adding workers never increases per-domain
//     pressure.
//   - Observability: zap logs carry run and URL context at every terminal
//     outcome; Prometheus counters and histograms track fetches, outcomes,
//     and stage latency; /v1/run reports live pending/processing counts.
//
// Quick checklist:
//   - Run locally: go run ./cmd/harvester -config config.yaml -seed urls.csv
//     (or rely on HARVEST_* env overrides).
//   - Resume: rerun without -seed; pending and interrupted rows are picked up
//     where the previous process stopped.
//   - The sqlite backend needs a writable store.path; postgres needs
//     store.dsn. Archive and notify providers default to noop.
package main

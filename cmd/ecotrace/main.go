// Package main hosts the ecotrace service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job
//     management endpoints. Submissions are normalized, fingerprinted for
//     deduplication, persisted via the JobStore, and enqueued.
//   - Queues & workers: analyze and report tasks flow through separate
//     queue partitions to fixed worker pools, so slow report generation
//     cannot starve analysis throughput. Context cancellation stops
//     workers cleanly on shutdown.
//   - Analyze pipeline: workers capture the page with headless Chrome,
//     attribute transfer bytes to CO2e emissions, probe static assets and
//     same-host subpages with Colly, and re-encode the page's images
//     through the shared artifact cache.
//   - Report pipeline: a second job renders the finished analysis into a
//     fixed-order multi-page PDF via Chrome's print pipeline.
//   - Persistence: jobs and results live in the configured JobStore
//     (memory/Postgres); screenshots, optimized images, result JSON, and
//     PDFs in the configured BlobStore (memory/local/GCS); queue backends
//     are memory or Pub/Sub. Results are persisted before a job is marked
//     succeeded, so a succeeded status always has a readable result.
package main

import "github.com/ecotrace/ecotrace/cmd"

func main() {
	cmd.Execute()
}

// Package catalogd runs the catalog refresh service: a small set of
// HTTP-triggered jobs that must never run twice at once, coordinated through
// nothing but a shared key/value blob store.
//
// Copyright (C) 2025 Michel Blomgren <https://pkt.systems>
//
// # Coordination model
//
// Three leases live as JSON objects in the store:
//
//   - run.lock is taken by the request orchestrator for the duration of one
//     job and tagged with the deployment's owner id.
//   - admin.lock is taken by a human operator and carries a secret token.
//     While it is live no job may start and running jobs cannot persist their
//     context.
//   - admin.oplock is taken for the duration of one mutating admin action and
//     is only valid while anchored to the live admin lease.
//
// Leases expire lazily: whoever reads an expired or corrupt record deletes it.
// The store offers no compare-and-swap, so two processes may both observe an
// absent lease and both write one. Exclusivity is best effort by design of the
// substrate.
//
// # Running a server
//
//	cfg := catalogd.Config{
//	    Store:       "s3://minio:9000/catalog?insecure=1",
//	    Listen:      ":8080",
//	    AdminSecret: os.Getenv("ADMIN_SECRET"),
//	    Pipelines:   []string{"scrape=/usr/local/bin/scrape-catalog", "musts=/usr/local/bin/build-musts"},
//	}
//	srv, stop, err := catalogd.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// Store URLs: mem://, disk:///path, s3://host[:port]/bucket[/prefix],
// aws://bucket[/prefix]?region=..., azure://account/container[/prefix],
// redis://host:port/db[?prefix=...], gs://bucket[/prefix].
//
// # HTTP surface
//
//	GET  /               service metadata and busy/idle status
//	GET  /run-scrape     run the main scrape job
//	GET  /run-musts      run the musts job
//	GET  /run/{kind}     run any registered job kind
//	GET  /status         status document plus run/admin lease status
//	GET  /healthz        liveness
//	GET  /readyz         store reachability
//	POST /admin          operator actions (X-Admin-Secret, X-Admin-Lock-Token)
//
// A job request that finds the run lease held either joins the single-flight
// queue (202 REQUEST_QUEUED) when the holder is this process, or is answered
// 503 BUSY. After MAX_ERRORS consecutive 5xx outcomes the run context is
// suspended and requests are answered CONTEXT_SUSPENDED until an operator
// runs context_unsuspend with payload.target "run".
package catalogd

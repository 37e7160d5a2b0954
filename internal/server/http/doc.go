// Package httpserver provides the admin REST API: health, metrics, stream
// writes and reads, and scavenge start, stop and status.
//
// Routes:
//
//	GET    /v1/healthz
//	GET    /metrics
//	POST   /v1/streams/append     {"stream","expectedVersion","events":[{"type","data"}]}
//	POST   /v1/streams/metadata   {"stream","maxAgeSeconds","maxCount","truncateBefore"}
//	POST   /v1/streams/delete     {"stream","expectedVersion"}
//	GET    /v1/streams/read?stream=&from=&limit=
//	POST   /v1/scavenges
//	GET    /v1/scavenges/current
//	DELETE /v1/scavenges/current
//
// Example:
//
//	rt, _ := runtime.Open(ctx, runtime.Options{DataDir: "./data", Config: cfg})
//	s := httpserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, ":2113")
package httpserver

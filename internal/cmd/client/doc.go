// Package client provides the `scavenger` command-line client.
//
// The CLI talks to the scavenger admin HTTP API to write test data and to
// drive scavenges from a terminal. It is primarily intended for operators.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. The standalone binary reads SCAVENGER_API and
// defaults to http://127.0.0.1:2113.
//
// Usage
//
//	scavenger stream append --stream orders --data '{"id":1}' --data '{"id":2}'
//	scavenger stream metadata --stream orders --max-count 100 --max-age 24h
//	scavenger stream delete --stream temp --confirm
//	scavenger stream read --stream orders --from 0 --limit 10
//
//	scavenger scavenge start --wait
//	scavenger scavenge status
//	scavenger scavenge stop
//
// Notes
//
//   - scavenge start returns as soon as the run is accepted unless --wait is
//     given, in which case it polls status and exits non-zero when the run
//     does not succeed.
//   - scavenge stop answers "no scavenge running" when nothing is in flight.
package client

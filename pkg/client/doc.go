/*
Package client is a thin HTTP client for a keeper's admin API.

The CLI uses it to query a running daemon: Status for the runtime
snapshot, Health for the component map, Ready for the readiness probe.
Addresses without a scheme default to http.
*/
package client

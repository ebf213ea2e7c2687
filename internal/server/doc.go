// Package server hosts the Fiber HTTP service, the request middleware chain and
// the backend registry that binds each configured backend to its cache store,
// upstream client, fetcher and request coordinator. Content, prepare and
// diagnostics handlers live in other packages and are attached through
// explicit dependencies, so keep exports narrow.
package server

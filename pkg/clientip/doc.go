// Package clientip resolves the caller's address from proxy headers or the
// connection, and carries it on the request context for logging.
package clientip

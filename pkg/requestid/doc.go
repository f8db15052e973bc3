// Package requestid assigns every HTTP request an ID, exposes it on the
// request context and in the X-Request-ID response header, and provides a
// logger extractor so records emitted while serving the request carry it.
package requestid

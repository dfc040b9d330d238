// Package httpmw provides HTTP middleware for the public-facing gateway.
//
// Middleware is composed in a specific order in httpserver.NewHandler:
// response timing, security headers, request ID, client IP extraction,
// OTEL tracing, metrics, structured logging, panic recovery, rate limiting
// and the chi router.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query params, user-agent,
// headers) is intentionally excluded from logs to prevent PII leaks and
// log injection.
package httpmw

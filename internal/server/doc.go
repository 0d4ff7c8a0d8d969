// Package server hosts the Fiber HTTP service: the request middleware chain,
// the content routes backed by content.Service and the listener lifecycle used
// by the CLI. Diagnostics routes live in server/routes.
package server

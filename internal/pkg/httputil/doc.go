// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers use these helpers instead of writing raw http.ResponseWriter
// calls, so every endpoint returns the same JSON envelope and recalculation
// failures map to the same status codes everywhere.
package httputil

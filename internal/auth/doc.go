// Package auth provides optional bearer-token authentication for copilot-bridge.
//
// When auth.jwt_secret is configured, POST /api/copilotkit requires an
// HS256 JWT in the Authorization header. Tokens are issued by the
// `copilot-bridge token --subject NAME` command and carry:
//
//   - iss: "copilot-bridge"
//   - sub: the caller's identifier (required)
//   - exp: expiry (required)
//
// The verified principal is attached to the request context:
//
//	p := auth.FromContext(r.Context()) // nil when auth is disabled
//
// Health, readiness, and metrics endpoints are never authenticated.
package auth

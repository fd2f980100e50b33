// Package gateway serves the copilot-bridge conversation endpoint.
//
// # Overview
//
// The Gateway owns the application capability registry, the mounted demo
// components, the dispatch executor with its result ledger, and the provider
// router. It exposes them over HTTP.
//
// # HTTP API
//
//   - POST /api/copilotkit - Run one agent turn (SSE streaming response)
//   - GET /api/copilotkit - Provider status, registered actions, version
//   - GET /health - Liveness check
//   - GET /health/ready - Ready when at least one provider is configured
//   - GET /metrics - Prometheus metrics (when metrics.enabled)
//
// POST requires a bearer token when auth.jwt_secret is set.
//
// # Request Body
//
//	{
//	  "thread_id": "optional",
//	  "messages": [{"role": "user", "content": "set the counter to 5"}],
//	  "actions": [{"name": "highlight", "parameters": [{"name": "id", "type": "string", "required": true}]}],
//	  "readables": [{"description": "Selected row", "value": {"id": "r1"}}],
//	  "system": "optional extra instructions"
//	}
//
// Client actions and readables are mounted into a registry that exists only
// for the request and shadows the application registry.
//
// # SSE Events
//
//   - started: {thread_id, provider}
//   - text: {text}
//   - action_call: {call_id, name, arguments}
//   - action_result: {call_id, action, parameters, result, succeeded}
//   - client_action: {call_id, name, arguments} for the browser to run
//   - done: {thread_id, stop_reason, rounds, full_response, usage}
//   - error: {error}
//
// A turn alternates between streaming and awaiting action results. Server
// actions run through the dispatch executor and their result text is sent
// back to the agent. A valid client action call ends the turn with stop
// reason "client_action"; the client runs it and posts the result as a tool
// message in its next request. gateway.max_tool_rounds bounds the rounds.
//
// Provider errors are logged and reported to the client as "internal error".
// A turn exceeding gateway.request_timeout reports "request timed out".
package gateway

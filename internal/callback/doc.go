// Package callback runs the optional HTTP listener that receives pushed
// messages from the coordination service.
//
// Pushed messages are not dispatched here. They are placed in a bounded
// inbox that the control loop drains between polls, so every message is
// dispatched on the loop goroutine, one at a time.
//
// Endpoints:
//   - POST {path}: one message object or an array of them; 202 with the
//     accepted count, 503 when the inbox cannot take the whole body
//   - GET /healthz: agent id and whether push delivery is subscribed
//
// When a secret is configured, POST bodies must carry an HMAC-SHA256
// signature in the configured header ("sha256=<hex>" or plain hex).
package callback

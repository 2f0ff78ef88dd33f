// Package stdio spawns and supervises local tool-server child processes
// speaking line-delimited JSON over their standard streams.
//
// # Overview
//
// Each server id owns at most one child process. The Manager multiplexes
// any number of concurrent calls over that process's single byte stream:
// every call carries a unique operation id, and responses correlate solely
// by that id, never by arrival order.
//
// # Wire Protocol
//
// One JSON object per line, newline terminated, UTF-8. Outbound:
//
//	{"id":"<op>","method":"<tool>","params":{...}}
//	{"id":"<op>","type":"readResource","uri":"resource://..."}
//
// Inbound:
//
//	{"id":"<op>","result":<payload>}
//	{"id":"<op>","error":{"message":"..."}}
//
// A server may announce readiness with a control line carrying no id:
//
//	{"type":"ready"}
//
// Servers that emit no ready line are assumed ready after a grace delay.
// Malformed lines are logged and skipped without disrupting the stream.
// There is no envelope versioning and no batching.
//
// # Lifecycle
//
// Per server id: stopped, starting, running, stopped. Start is idempotent
// and serialized per id. A per-call timeout fails only its own operation;
// process exit or Stop fails every pending operation, and a later Start
// re-spawns cleanly.
//
// # Usage
//
//	mgr := stdio.NewManager(stdio.Options{Logger: logger})
//	if err := mgr.Start(ctx, cfg); err != nil { ... }
//	out, err := mgr.CallTool(ctx, cfg.ID, "echo", params)
package stdio

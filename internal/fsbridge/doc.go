// Package fsbridge adapts the reference filesystem tool server, whose
// output framing does not follow the line protocol, to the same tool and
// resource contract as the stdio manager.
//
// # Why a bridge
//
// The wrapped binary interleaves free-form diagnostics with JSON on stdout
// and emits no ready signal. Instead of a strict line parser, the adapter
// keeps a raw accumulator and extracts complete {...} objects by brace
// boundary matching, correlating any object that carries an id. Readiness
// is declared unconditionally after a fixed grace delay. Both are
// documented trade-offs for a known-uncooperative external component, not
// the pattern to copy for conforming servers.
//
// # Canonical tools
//
// read_file, write_file, and list_directory are implemented directly
// against the local filesystem under the configured root, because the
// wrapped binary's own replies for them are unreliable. Paths are cleaned
// and confined to the root. Unknown tool names are forwarded to the
// subprocess over the wire.
//
// # Resources
//
//	resource://status              adapter state, root, uptime
//	resource://directory/{path}    local listing under the root
//	resource://file/{path}         local file content
//
// Any other reference is rejected with ErrInvalidResource.
package fsbridge

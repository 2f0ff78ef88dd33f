// Package registry holds the tool-server configuration records the gateway
// resolves calls against.
//
// # Overview
//
// Every external tool server, whether a spawned stdio child process or a
// remote streaming service, is described by one ServerConfig record. Records
// carry
// a transport kind fixed at load time and exactly one matching set of
// transport fields (command/args/working_dir for stdio, url/headers for
// remote). Validate enforces that shape.
//
// # Stores
//
// The gateway consumes the Store interface; two implementations ship here:
//
//   - MemStore: in-memory records for tests and embedded wiring
//   - FileStore: a servers.toml file with ${VAR} expansion and atomic reload
//
// The persistence-backed configuration service of the wider product is an
// external collaborator; it would implement Store too.
//
// # Registry File
//
// servers.toml holds an array of tables:
//
//	[[servers]]
//	id = "workspace-fs"
//	name = "Workspace Filesystem"
//	transport = "stdio"
//	command = "tracery-fs-server"
//	args = ["--root", "${TRACERY_WORKSPACE}"]
//	adapter = "filesystem"
//	enabled = true
//
//	[[servers]]
//	id = "render-farm"
//	name = "Render Farm"
//	transport = "remote"
//	url = "https://tools.example.net/mcp"
//	enabled = false
//
// # Watching
//
// Watcher reloads the FileStore when the file changes (debounced) and
// invokes an OnChange callback so the gateway can stop processes or drop
// connections for servers that were removed or disabled.
package registry

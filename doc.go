// Package mcp implements the Model Context Protocol (MCP) as a JSON-RPC 2.0 engine that is
// independent of the transport carrying it.
//
// A Server turns inbound payloads into replies. Each payload runs against a Session that is
// rehydrated from a SessionStore, routed through the MethodHandler chain registered for each
// method and persisted again, so the engine keeps no per-connection state between cycles and
// any replica can serve any request of a session.
//
// Transports carry the payloads: StdIO for newline-delimited JSON over a pipe,
// StreamableHTTP for stateless POST cycles with optional server-sent event streams, and
// NewInProcess for an in-memory pair. The Client correlates replies with outstanding
// requests by id over any ClientTransport.
//
// Capabilities (tools, resources, resource templates and prompts) are described by a
// Registry, such as MemoryRegistry, and invoked by an Executor.
package mcp

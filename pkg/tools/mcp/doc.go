// Package mcp connects to external tool servers over the Model Context
// Protocol. It provides the transport adapters (stdio, streamable HTTP, SSE,
// and websocket) and Session, which drives one server through
// Connecting, Ready, Degraded, and Closed while keeping its advertised tool
// descriptors current.
//
// The package wraps the official MCP Go SDK
// (github.com/modelcontextprotocol/go-sdk). A Session implements
// tools.ToolSession so it can be registered with the capability registry
// and invoked by the dispatcher.
//
// Connections are described by ServerConfig, which names the server, its
// transport and endpoint, and the credentials sent with each request.
package mcp

// Package tools defines the contracts shared by the tool-calling layers.
//
// [ToolSession] is what the registry indexes and the dispatcher calls: one
// live connection to a tool server. [ToolExecutor] is the call-by-name
// contract handed to an orchestrator. [AllowList] restricts which tool names
// are exposed.
//
// This package depends only on pkg/api and has no external dependencies.
package tools

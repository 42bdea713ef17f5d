// Package storage defines the invocation journal contract and the helpers
// shared by its backends: sentinel errors and tenant context propagation.
//
// Backends live in the memory, sqlite, and postgres subpackages.
package storage

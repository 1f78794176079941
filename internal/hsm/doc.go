// Package hsm provides a pluggable signing abstraction over hardware security
// modules and their stand-ins.
//
// A caller hands a ProviderConfig to a Factory and receives an initialized
// Provider; Sign then produces a SignResult whose shape does not depend on the
// backend. Built-in backends are an in-memory mock, a local private key and
// AWS KMS. The package does no logging and never retries: every failure is
// returned to the caller.
package hsm

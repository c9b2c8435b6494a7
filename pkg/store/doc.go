// Package store provides the durable SQLite-backed task store.
//
// The store is the only shared mutable resource in the system: workers,
// the monitor, and the enqueue path all coordinate through it. Writes are
// serialized with immediate-mode transactions (the connection is opened
// with _txlock=immediate, so every transaction acquires the write lock at
// BEGIN and there is no read-to-write upgrade race). Schema changes are
// versioned, additive migrations embedded in the binary.
package store

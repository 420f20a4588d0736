// Package storage provides the persistent key-value layer used by the
// template store and the timer coordinator.
//
// Keys are namespaced by prefix ("template:", "history:", "wakeup:").
// Every operation is atomic per key; nothing in this repo needs multi-key
// transactions.
package storage

// Package types is the shared vocabulary between pkg/store, pkg/fts,
// pkg/brake, pkg/scheduler, and pkg/drives: one set of structs, persisted
// as-is by the store and passed by value or pointer everywhere else.
package types

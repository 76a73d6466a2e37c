// Package cache defines the storage behind cache generations. A generation is
// a named namespace of request keys; the store exposes per-entry reads and
// writes, an atomic multi-entry batch used by the precache install, and
// whole-generation listing and dropping. Two backends are provided: a
// filesystem layout (temp file + rename per entry, staging directory per
// batch) and a LevelDB database (one write batch per operation).
// Only the generation registry talks to a Store directly.
package cache

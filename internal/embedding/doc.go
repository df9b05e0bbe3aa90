// Package embedding turns utterance text into fixed-dimension vectors.
//
// The Gateway never fails its caller: when the provider is unavailable or
// errors, it degrades to a deterministic hash-derived vector of the same
// dimension so downstream similarity math stays well-defined, at reduced
// quality. Vectors are cached in Redis keyed by a hash of the input text.
//
// Retry policy belongs to the caller; the gateway performs a single provider
// call per cache miss.
package embedding

// Package testutil provides testing utilities for sharedb.
//
// This package is intended for use in tests and benchmarks only.
// It provides a seeded, thread-safe random source and generators for
// document fixtures and skewed access patterns.
//
// # Document Fixtures
//
//	rng := testutil.NewRNG(seed)
//	docs := rng.Docs(1000, 10) // 1000 documents over 10 groups
//
// # Skewed Access
//
//	buckets := rng.ZipfBuckets(1000, 100, 1.5) // 80/20 hot keys
package testutil

// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package ply implements the fixed-record binary point-cloud format
// produced by the reconstruction service.
//
// A payload is a newline-delimited ASCII header terminated by a literal
// "end_header" line, followed by a flat array of fixed-size vertex
// records. Each record is 59 little-endian float32 values (236 bytes):
// position, scale, rotation quaternion, opacity, and 48 spherical
// harmonics coefficients (3 DC + 45 higher-order).
//
// The record layout is a protocol constant. Changing the SH degree
// changes the record size and must be versioned in the header format,
// never varied silently.
//
// Decoding is truncation-tolerant: a payload whose data region ends
// mid-record yields the vertices read so far with no error. In-flight
// chunks are routinely fetched before the server finishes writing them,
// so partial data is an expected outcome, not a failure.
package ply

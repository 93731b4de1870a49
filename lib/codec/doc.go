// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Plinth's standard CBOR encoding configuration.
//
// All parent-protocol traffic goes through this package so that every
// component encodes identically: Core Deterministic Encoding on the
// way out, permissive standard decoding on the way in. Consumers use
// codec.Marshal/Unmarshal or the stream Encoder/Decoder and never
// import the underlying CBOR library directly.
package codec

// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package parent is the boundary to the remote resource owner. The
// parent holds every session a process runs on — memory, CPU,
// protection domain — and grants them as opaque capabilities over a
// small synchronous request protocol.
//
// Transport is the interface the rest of the tree consumes. Client
// implements it over a Unix socket with one CBOR request-response
// exchange per connection; Server implements the answering side and
// is used by the mock parent binary and the tests. The interceptor in
// lib/env wraps a Transport to satisfy region-manager session
// requests locally.
package parent

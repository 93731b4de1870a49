// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package cap defines the opaque capability handles used in place of
// direct resource access: small value types wrapping a parent-minted
// identifier. Equality is by identifier, never by address, and a
// handle is only meaningful while the session it came from is alive.
package cap

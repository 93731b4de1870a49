// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package region provides the bookkeeping for attached memory ranges:
// the Region value type and a fixed-capacity Registry that guarantees
// no two live regions ever overlap. It performs no I/O and no host
// calls; sessions in lib/rm layer mapping on top of it.
package region

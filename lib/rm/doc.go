// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package rm emulates region-manager sessions on the host kernel: it
// attaches and detaches dataspaces in the local address space by
// mmap, tracking the resulting regions in a fixed-capacity registry
// so that no two live regions ever overlap.
//
// A Session is either the process-root address space or a sub-range
// ("managed") session that reserves a window of its parent's address
// space and manages mappings inside it. A sub-range session doubles
// as a dataspace: its dataspace view is the argument another session's
// Attach uses to place its window.
package rm

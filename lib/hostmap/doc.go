// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package hostmap wraps the host kernel's address-space primitives:
// mapping a dataspace's backing object into the process, unmapping it,
// and reserving address ranges for managed sub-sessions. It is the
// only package that issues mmap-family system calls.
//
// Protection and isolation are entirely the host kernel's: this layer
// emulates region bookkeeping on top of ordinary mappings and makes no
// guarantee beyond what mmap itself provides.
package hostmap

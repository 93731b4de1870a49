// Copyright 2026 The Plinth Authors
// SPDX-License-Identifier: Apache-2.0

// Package dataspace models mappable memory objects. A Dataspace is
// anything a region-manager session can attach: it reports its size,
// writability, and physical address, and yields a descriptor the host
// mmap call can consume.
//
// Two concrete kinds live here: Memfd, an in-process object backed by
// an anonymous memory file, and Remote, a capability to an object
// owned by the parent whose attributes are fetched over the parent
// transport. A region-manager session acting as a managed dataspace
// (lib/rm) is the third implementation.
package dataspace

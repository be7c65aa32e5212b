// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the gateway's shared keyed cache capability with
// TTL semantics. Two stores implement it: an in-memory store for
// single-instance and test deployments, and a Redis-backed store for
// multi-instance deployments where tenant contexts and aggregated views
// must be shared across gateway replicas.
package cache

// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package retry provides bounded exponential backoff, a poll-loop backoff
// calculator, and a circuit breaker. The workflow envelope is the only
// component that retries engine calls; the router's service clients use the
// breaker for downstream protection.
package retry

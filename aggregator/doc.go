// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package aggregator assembles composite read responses from multiple
// backend sections in a single round trip. Sections are fetched
// concurrently and merged best-effort: a failed section is an explicit
// null in the response, never an error for the whole aggregate.
package aggregator

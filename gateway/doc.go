// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the HTTP edge service: routing table, tenant
// middleware, per-tenant rate limiting, workflow operation endpoints,
// the aggregated dashboard, and Prometheus metrics, wired from
// environment configuration in Run.
package gateway

// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package apierror defines the gateway's error taxonomy: stable codes, a
// JSON error envelope, HTTP status mapping, and retry_after hints for
// retryable classes. Authorization and validation failures surface
// immediately; partial aggregate failures never use this envelope.
package apierror

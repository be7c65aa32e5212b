// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package workflow wraps every interaction with the external workflow
// engine in a uniform execution envelope. Handlers never talk to the
// engine directly: the envelope derives deterministic workflow IDs,
// latches terminal statuses, retries transport failures, and reports
// engine unavailability as a degraded read rather than a failed workflow.
package workflow

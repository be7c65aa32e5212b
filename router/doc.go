// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package router decides how each API operation is executed: a direct
// call to a downstream service, a synchronous workflow that blocks until
// completion, or an asynchronous workflow acknowledged with an operation
// ID. Decisions come from a static declared table (with an optional YAML
// overlay); nothing is inferred at runtime.
package router

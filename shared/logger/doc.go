// Copyright 2025 Stratus
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging for the Stratus Gateway.
//
// Every log entry carries the component name, the deployment instance, and
// the tenant/request pair the entry belongs to, so logs from concurrent
// requests across tenants can be separated downstream.
package logger

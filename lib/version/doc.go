// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for the worker
// binary.
//
// Package-level variables are injected at build time via -ldflags -X,
// for example:
//
//	go build -ldflags "-X github.com/techno-hippies/dotheaven-sub017/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// They default to "unknown" / "0.1.0-dev" when not injected, which
// occurs during development builds and test runs.
package version

// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the chat worker.
//
// Configuration comes from a single optional YAML file specified by:
//   - the HEAVEN_CHAT_CONFIG environment variable, or
//   - the --config flag passed to the worker.
//
// When neither is present, Default() applies. There is no automatic
// discovery of config files; the worker is usually spawned by a host
// application that passes flags, and flags win over file values.
//
// The file may contain environment-specific sections (local, dev,
// production) that override base values when the active environment
// matches. HEAVEN_CHAT_ENV overrides the configured environment.
package config

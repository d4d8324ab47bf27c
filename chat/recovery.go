// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"context"
	"fmt"
	"strings"
)

// parseInstallationLimit extracts the inbox identifier from an
// installation-limit error message. The error crosses the
// client-library boundary as text; the canonical shape is
//
//	... InboxID <hex> has already registered N/M installations
//
// Returns ok = false for anything that does not match, which callers
// treat as "not an installation-limit error".
func parseInstallationLimit(message string) (inboxID string, ok bool) {
	const marker = "InboxID "
	start := strings.Index(message, marker)
	if start < 0 {
		return "", false
	}

	rest := message[start+len(marker):]
	end := strings.IndexByte(rest, ' ')
	if end <= 0 {
		return "", false
	}
	candidate := rest[:end]

	if !strings.Contains(rest[end:], "has already registered") {
		return "", false
	}
	if !isHexIdentifier(candidate) {
		return "", false
	}
	return candidate, true
}

// isHexIdentifier reports whether s is a plausible inbox identifier:
// non-empty and all lowercase/uppercase hex digits.
func isHexIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// recoverInstallations frees capacity on an inbox that hit its
// installation cap: fetch the inbox's installation state, extract the
// installation ids (tolerating the descriptor shapes different
// library versions emit), and revoke them all. The caller retries the
// create exactly once afterwards.
func (s *Service) recoverInstallations(ctx context.Context, connector Connector, signer Signer, inboxID string, env string) error {
	state, err := connector.InboxState(ctx, inboxID, env)
	if err != nil {
		// Older client libraries reject the environment parameter;
		// retry once with it unset before giving up.
		s.logger.Debug("inbox state fetch failed with environment, retrying without",
			"inbox_id", inboxID,
			"env", env,
			"error", err)
		state, err = connector.InboxState(ctx, inboxID, "")
		if err != nil {
			return fmt.Errorf("fetching inbox state for %s: %w", inboxID, err)
		}
	}

	installationIDs := make([][]byte, 0, len(state.Installations))
	for _, descriptor := range state.Installations {
		if id, ok := descriptor.IDBytes(); ok {
			installationIDs = append(installationIDs, id)
		}
	}
	if len(installationIDs) == 0 {
		return fmt.Errorf("no installation ids recoverable from inbox state for %s (%d descriptors)",
			inboxID, len(state.Installations))
	}

	s.logger.Info("revoking installations",
		"inbox_id", inboxID,
		"count", len(installationIDs))
	if err := connector.RevokeInstallations(ctx, signer, inboxID, installationIDs); err != nil {
		return fmt.Errorf("revoking %d installations for %s: %w", len(installationIDs), inboxID, err)
	}
	return nil
}

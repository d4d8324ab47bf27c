// Copyright 2026 The Heaven Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeRequest parses one line into a Request. It is strict: the line
// must be a JSON object carrying a non-null id and a non-empty method.
// Callers log decode failures and drop the line — with no usable id
// there is nothing to address an error response to.
func DecodeRequest(line []byte) (Request, error) {
	var request Request
	if err := json.Unmarshal(line, &request); err != nil {
		return Request{}, fmt.Errorf("invalid request JSON: %w", err)
	}
	if len(request.ID) == 0 || bytes.Equal(request.ID, []byte("null")) {
		return Request{}, fmt.Errorf("request missing id")
	}
	if request.Method == "" {
		return Request{}, fmt.Errorf("request missing method")
	}
	return request, nil
}

// Copyright (C) 2026 Overseer
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamResult is what ParseStream extracts from the CLI's newline-delimited
// JSON output.
type StreamResult struct {
	SessionID  string
	ResultText string
	Subtype    string
	IsError    bool
	Messages   []map[string]any
}

// ParseStream decodes stdout as JSONL. The session id comes from the first
// object carrying one; the result message is the last object with
// type == "result". Non-JSON lines are skipped.
func ParseStream(stdout string) *StreamResult {
	out := &StreamResult{}

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			continue
		}
		out.Messages = append(out.Messages, obj)

		if out.SessionID == "" {
			if sid, ok := obj["session_id"].(string); ok && sid != "" {
				out.SessionID = sid
			}
		}
	}

	for i := len(out.Messages) - 1; i >= 0; i-- {
		obj := out.Messages[i]
		if t, _ := obj["type"].(string); t != "result" {
			continue
		}
		out.Subtype, _ = obj["subtype"].(string)
		out.IsError, _ = obj["is_error"].(bool)
		if res, ok := obj["result"]; ok && res != nil {
			if s, ok := res.(string); ok {
				out.ResultText = s
			} else {
				out.ResultText = stringify(res)
			}
		}
		break
	}

	return out
}

func stringify(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

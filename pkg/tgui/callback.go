package tgui

import "strings"

// Data formats inline callback data as "prefix:action:payload". The payload
// is dropped when the result would exceed MaxCallbackDataLen, leaving the
// handler to fall back to its default target.
func Data(prefix, action, payload string) string {
	base := strings.TrimSpace(prefix) + ":" + strings.TrimSpace(action)
	if payload == "" || len(base)+1+len(payload) > MaxCallbackDataLen {
		return base
	}
	return base + ":" + payload
}

package tgui

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxCallbackDataLen is Telegram's limit on button data, counted in bytes
// over the whole "prefix:action:payload" string.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback data exceeds 64 bytes")

// Data formats inline callback data as "plugin:action:payload".
// Payload is kept as-is (no escaping).
func Data(plugin, action string, payload ...string) string {
	parts := []string{strings.TrimSpace(plugin), strings.TrimSpace(action)}
	for _, p := range payload {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// Parse splits callback data into plugin, action and the remaining payload
// fields.
func Parse(data string) (plugin, action string, payload []string, err error) {
	if len(data) > MaxCallbackDataLen {
		return "", "", nil, ErrCallbackDataTooLong
	}
	parts := strings.Split(data, ":")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", nil, fmt.Errorf("tgui: malformed callback data %q", data)
	}
	return parts[0], parts[1], parts[2:], nil
}

// Int64At parses payload[i] as int64.
func Int64At(payload []string, i int) (int64, error) {
	if i < 0 || i >= len(payload) {
		return 0, fmt.Errorf("tgui: payload field %d missing", i)
	}
	return strconv.ParseInt(payload[i], 10, 64)
}

// StringAt returns payload[i] or "" when missing.
func StringAt(payload []string, i int) string {
	if i < 0 || i >= len(payload) {
		return ""
	}
	return payload[i]
}

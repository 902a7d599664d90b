package dispatch

import (
	"encoding/json"
	"strings"
)

// maxRawJSONBytes caps the audit blob stored per dispatched session.
const maxRawJSONBytes = 48 * 1024

// rawSpawnJSON packages the spawn transcript for the agent_sessions
// row. Oversized blobs are replaced by a wrapper that keeps a preview
// and the original length instead of bloating the database.
func rawSpawnJSON(stdout, stderr []byte, parsed map[string]interface{}) string {
	blob, err := json.Marshal(map[string]interface{}{
		"spawn": map[string]string{
			"stdout": string(stdout),
			"stderr": string(stderr),
		},
		"parsed": parsed,
	})
	if err != nil {
		return ""
	}
	if len(blob) <= maxRawJSONBytes {
		return string(blob)
	}

	preview := strings.ToValidUTF8(string(blob[:maxRawJSONBytes/2]), "")
	wrapper, err := json.Marshal(map[string]interface{}{
		"truncated":      true,
		"originalLength": len(blob),
		"preview":        preview,
	})
	if err != nil {
		return ""
	}
	return string(wrapper)
}

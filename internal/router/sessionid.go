package router

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// sessionIDInputs is the priority chain used to derive a fallback session
// identifier when the client supplied none of session_id/session-id/
// x-session-id/x-session_id itself: metadata user id, then system prompt,
// then first user message. The resulting hash feeds prompt_cache_key
// defaulting in the protocol bridge — it has nothing to do with Router's
// own stickiness, which is the simpler time-bucket state in router.go. A
// client-supplied session id is always preferred over this hash, since a
// client relying on the field expects it to stay stable across a
// conversation's turns, which a content-derived hash cannot do.
type sessionIDInputs struct {
	UserID       string
	SystemPrompt string
	FirstMessage string
}

// DeriveSessionID hashes the first available input in priority order, or
// returns "" if none are present.
func DeriveSessionID(in sessionIDInputs) string {
	var hashInput string

	switch {
	case in.UserID != "":
		hashInput = "user:" + in.UserID
	case in.SystemPrompt != "":
		hashInput = "system:" + truncateForHash(in.SystemPrompt, 512)
	case in.FirstMessage != "":
		hashInput = "message:" + truncateForHash(in.FirstMessage, 256)
	default:
		return ""
	}

	sum := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(sum[:])
}

func truncateForHash(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SessionIDFromChat derives a session id from Chat Completions-shaped
// messages (role/content maps), taking the system prompt and first user
// message in the absence of a caller-supplied user id.
func SessionIDFromChat(userID string, messages []map[string]any) string {
	in := sessionIDInputs{UserID: userID}
	for _, msg := range messages {
		role, _ := msg["role"].(string)
		content, _ := msg["content"].(string)
		switch role {
		case "system":
			if in.SystemPrompt == "" {
				in.SystemPrompt = content
			}
		case "user":
			if in.FirstMessage == "" {
				in.FirstMessage = content
			}
		}
	}
	return DeriveSessionID(in)
}

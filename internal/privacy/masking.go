package privacy

import "strings"

// Masking helpers for platform identifiers in logs. Chat user and channel
// IDs are pseudonymous but still correlate to real people; logs keep only
// a short suffix for debugging.

// MaskUserID masks a platform user identifier, keeping the last 4
// characters. Platform-style prefixes (Feishu "ou_", WeChat "o" openids,
// Slack "U"/"W") survive masking so the ID type stays recognizable.
// Example: "ou_84aad35d084aa403a838cf73ee18467" -> "ou_****8467".
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	if i := strings.Index(userID, "_"); i > 0 && i <= 3 {
		return userID[:i+1] + maskSuffix(userID[i+1:], 4)
	}
	return maskSuffix(userID, 4)
}

// MaskChannelID masks a chat or channel identifier the same way as user
// IDs. Example: "oc_a0553eda9014c201e6969b478895c230" -> "oc_****c230".
func MaskChannelID(channelID string) string {
	return MaskUserID(channelID)
}

// MaskMessageID keeps the last 8 characters of a platform message id,
// which is enough to find it in the platform's own tooling.
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	return maskSuffix(messageID, 8)
}

// MaskToken fully masks credentials, keeping only the length hint.
// Example: "xoxb-abc123" -> "***********" (11 chars).
func MaskToken(token string) string {
	return strings.Repeat("*", len(token))
}

// maskSuffix keeps the trailing keep characters and stars the rest. Short
// values are fully starred so the mask never reveals most of the input.
func maskSuffix(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return "****" + s[len(s)-keep:]
}

package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatgateway/internal/models"
)

// Degrade converts a message the platform cannot deliver natively into
// its best supported representation. Messages whose type is already
// supported pass through unchanged. The fallback is always text, so the
// returned message is deliverable on any platform, and its content is
// never empty.
func Degrade(msg *models.ChatMessage, supported []models.MessageType) *models.ChatMessage {
	if msg == nil {
		return nil
	}
	for _, t := range supported {
		if msg.MessageType == t {
			return msg
		}
	}

	out := *msg
	out.MessageType = models.MessageTypeText
	out.Content = degradeContent(msg)
	return &out
}

func degradeContent(msg *models.ChatMessage) string {
	switch msg.MessageType {
	case models.MessageTypeCard, models.MessageTypeRichText:
		if text := extractCardText(msg.Content); text != "" {
			return text
		}
	case models.MessageTypeImage:
		return labeled("image", msg.Content)
	case models.MessageTypeAudio:
		return labeled("audio", msg.Content)
	case models.MessageTypeVideo:
		return labeled("video", msg.Content)
	case models.MessageTypeFile:
		return labeled("file", msg.Content)
	}

	if strings.TrimSpace(msg.Content) != "" {
		return msg.Content
	}
	return fmt.Sprintf("[unsupported %s message]", msg.MessageType)
}

func labeled(kind, content string) string {
	if strings.TrimSpace(content) == "" {
		return fmt.Sprintf("[%s]", kind)
	}
	return fmt.Sprintf("[%s] %s", kind, content)
}

// extractCardText pulls the human-readable parts out of a card or
// rich-text JSON payload: title plus any text-ish leaf fields, in
// document order.
func extractCardText(content string) string {
	var doc interface{}
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return strings.TrimSpace(content)
	}

	var parts []string
	collectText(doc, &parts)
	return strings.Join(parts, "\n")
}

// collectText walks a decoded JSON tree collecting values under keys
// conventionally used for visible text across card schemas.
func collectText(node interface{}, parts *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for _, key := range []string{"title", "text", "content", "tag_text"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				*parts = append(*parts, strings.TrimSpace(s))
			}
		}
		for _, key := range []string{"header", "elements", "body", "blocks", "fields", "content"} {
			if child, ok := v[key]; ok {
				if _, isString := child.(string); !isString {
					collectText(child, parts)
				}
			}
		}
	case []interface{}:
		for _, child := range v {
			collectText(child, parts)
		}
	}
}

// ABOUTME: Feishu message content codecs
// ABOUTME: Inbound content is JSON by message type; outbound payloads mirror it

package feishu

import (
	"encoding/json"
	"strings"
)

// extractText parses a text message content JSON: {"text":"..."}.
func extractText(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(parsed.Text)
}

// extractPost flattens a rich-text post into plain text: the title, then
// each line's text runs, with mentions rendered as @name.
func extractPost(raw string) string {
	if raw == "" {
		return ""
	}

	type element struct {
		Tag      string `json:"tag"`
		Text     string `json:"text"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	var parsed struct {
		Title   string      `json:"title"`
		Content [][]element `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}

	var sb strings.Builder
	if title := strings.TrimSpace(parsed.Title); title != "" {
		sb.WriteString(title)
	}
	for _, line := range parsed.Content {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		for _, el := range line {
			switch el.Tag {
			case "text":
				sb.WriteString(el.Text)
			case "at":
				name := strings.TrimSpace(el.UserName)
				if name == "" {
					name = strings.TrimSpace(el.UserID)
				}
				if name != "" {
					sb.WriteString("@")
					sb.WriteString(name)
				}
			default:
				if el.Text != "" {
					sb.WriteString(el.Text)
				}
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

// mediaKeys pulls the resource key and file name out of image, file, and
// audio message content.
func mediaKeys(raw string) (key, fileName string) {
	var parsed struct {
		ImageKey string `json:"image_key"`
		FileKey  string `json:"file_key"`
		FileName string `json:"file_name"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", ""
	}
	if parsed.ImageKey != "" {
		return parsed.ImageKey, parsed.FileName
	}
	return parsed.FileKey, parsed.FileName
}

// textContent builds the JSON payload for an outbound text message.
func textContent(text string) string {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return string(payload)
}

func imageContent(imageKey string) string {
	payload, _ := json.Marshal(map[string]string{"image_key": imageKey})
	return string(payload)
}

func fileContent(fileKey string) string {
	payload, _ := json.Marshal(map[string]string{"file_key": fileKey})
	return string(payload)
}

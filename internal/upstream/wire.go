package upstream

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

type wireEvent struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	CallID     string       `json:"call_id"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	Item       *wireItem    `json:"item"`
	Session    *wireSession `json:"session"`
	Conv       *wireSession `json:"conversation"`
	Error      *wireError   `json:"error"`
}

type wireItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type wireSession struct {
	ID string `json:"id"`
}

type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// parseEvent maps one upstream JSON event onto the closed kind set. ok is
// false for events the relay does not forward.
func parseEvent(data []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil || w.Type == "" {
		return Event{}, false
	}
	ev := Event{Type: w.Type, Raw: json.RawMessage(data)}

	switch {
	case w.Type == "response.audio.delta" || w.Type == "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(w.Delta)
		if err != nil || len(pcm) == 0 {
			return Event{}, false
		}
		ev.Kind = KindAudioDelta
		ev.Audio = pcm
		ev.Raw = nil
	case strings.Contains(w.Type, "transcript"):
		text := w.Delta
		if text == "" {
			text = w.Transcript
		}
		ev.Kind = KindTranscript
		ev.Transcript = &Transcript{
			Text:  text,
			Final: strings.HasSuffix(w.Type, ".done") || strings.HasSuffix(w.Type, ".completed"),
		}
	case w.Type == "response.function_call_arguments.done":
		ev.Kind = KindToolCallRequest
		ev.ToolCall = &ToolCallRequest{
			CallID:    w.CallID,
			ToolName:  w.Name,
			Arguments: argumentsJSON(w.Arguments),
		}
	case w.Type == "conversation.item.created" && w.Item != nil && w.Item.Type == "function_call_output":
		ev.Kind = KindToolCallResponse
		ev.ToolResult = &ToolCallResponse{CallID: w.Item.CallID, Output: argumentsJSON(w.Item.Output)}
	case w.Type == "session.created" || w.Type == "session.updated" || w.Type == "conversation.created":
		ev.Kind = KindSessionConfig
		info := &SessionInfo{}
		if w.Session != nil {
			info.SessionID = w.Session.ID
		}
		if w.Conv != nil {
			info.ConversationID = w.Conv.ID
		}
		ev.Session = info
	case w.Type == "error":
		ev.Kind = KindError
		ev.Err = &Error{Message: "unknown upstream error"}
		if w.Error != nil {
			code := w.Error.Code
			if code == "" {
				code = w.Error.Type
			}
			ev.Err = &Error{
				Code:      code,
				Message:   w.Error.Message,
				Retryable: reliability.IsRetryableUpstreamError(code),
			}
		}
	default:
		return Event{}, false
	}
	return ev, true
}

// argumentsJSON turns the upstream's string-encoded JSON into raw JSON. Text
// that is not JSON is kept as a JSON string.
func argumentsJSON(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}

func sessionUpdate(cfg SessionConfig) map[string]any {
	apiTools := make([]map[string]any, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		apiTools = append(apiTools, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.ParametersJSON(),
		})
	}

	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"voice":               cfg.Voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"tools":       apiTools,
		"tool_choice": "auto",
	}
	if cfg.Instructions != "" {
		session["instructions"] = cfg.Instructions
	}
	if cfg.TurnDetection == "none" {
		session["turn_detection"] = nil
	} else {
		session["turn_detection"] = map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 500,
		}
	}
	return map[string]any{
		"type":    "session.update",
		"session": session,
	}
}

func toolResultItem(r ToolCallResponse) map[string]any {
	output := string(r.Output)
	if output == "" {
		output = "null"
	}
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": r.CallID,
			"output":  output,
		},
	}
}

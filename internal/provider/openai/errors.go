package openai

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

const maxRawMessage = 512

type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

// errorMessage extracts a human-readable message from an upstream error body.
// Bodies that are almost JSON (truncated, single-quoted, trailing commas) are
// repaired first; anything else is returned as trimmed text.
func errorMessage(raw []byte) string {
	if msg, ok := parseErrorBody(raw); ok {
		return msg
	}
	if repaired, err := jsonrepair.JSONRepair(string(raw)); err == nil {
		if msg, ok := parseErrorBody([]byte(repaired)); ok {
			return msg
		}
	}

	text := strings.TrimSpace(string(raw))
	if len(text) > maxRawMessage {
		text = text[:maxRawMessage]
	}
	return text
}

func parseErrorBody(raw []byte) (string, bool) {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", false
	}

	if len(body.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message, true
		}
		var flat string
		if err := json.Unmarshal(body.Error, &flat); err == nil && flat != "" {
			return flat, true
		}
	}
	if body.Message != "" {
		return body.Message, true
	}
	return "", false
}

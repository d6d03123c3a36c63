package openai

import (
	"encoding/json"
	"strings"
)

const baseInstruction = `You are an expert language teacher reviewing text written by an English learner%s.
Report concrete problems only: spelling, grammar, style and readability.
Offsets are zero-based Unicode code point indexes, end exclusive.
"text" must equal the exact characters between start and end.
Leave the text unchanged; return suggestions only.`

func levelClause(level string) string {
	level = strings.TrimSpace(level)
	if level == "" {
		return ""
	}
	return " at " + level + " level"
}

func documentPrompt(level string) string {
	return strings.Replace(baseInstruction, "%s", levelClause(level), 1) +
		"\nThe user message is the whole document; lines are separated by \\n. Return {\"suggestions\":[...]}."
}

func segmentPrompt(level string) string {
	return strings.Replace(baseInstruction, "%s", levelClause(level), 1) +
		"\nThe user message is {\"segments\":[{\"id\",\"text\"}]}. Offsets are relative to each segment's text. " +
		"Return one entry per segment id: {\"segments\":[{\"id\",\"feedback\":[...]}]}."
}

const suggestionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["id", "type", "position", "text", "message", "suggestions", "ruleId"],
  "properties": {
    "id": {"type": "string"},
    "type": {"type": "string", "enum": ["spelling", "grammar", "style", "readability"]},
    "position": {
      "type": "object",
      "additionalProperties": false,
      "required": ["start", "end"],
      "properties": {"start": {"type": "integer"}, "end": {"type": "integer"}}
    },
    "text": {"type": "string"},
    "message": {"type": "string"},
    "suggestions": {"type": "array", "items": {"type": "string"}},
    "ruleId": {"type": "string"}
  }
}`

var documentSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["suggestions"],
  "properties": {
    "suggestions": {"type": "array", "items": ` + suggestionSchema + `}
  }
}`)

var segmentSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["segments"],
  "properties": {
    "segments": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "feedback"],
        "properties": {
          "id": {"type": "string"},
          "feedback": {"type": "array", "items": ` + suggestionSchema + `}
        }
      }
    }
  }
}`)

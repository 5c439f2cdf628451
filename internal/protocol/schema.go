package protocol

// eventSchema validates the canonical (envelope-merged) event object. It only
// pins what the dispatcher depends on; unknown fields pass through.
const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":      {"type": "string", "minLength": 1},
    "message":   {"type": ["string", "null"]},
    "timestamp": {"type": ["string", "null"]},
    "line":      {"type": ["string", "null"]},
    "source":    {"type": ["string", "null"]},
    "mode":      {"type": ["string", "null"]},
    "persona":   {"type": ["string", "null"]},
    "command":   {"type": ["string", "null"]},
    "id":        {"type": ["string", "integer", "null"]},
    "tool":      {"type": ["string", "null"]},
    "path":      {"type": ["string", "null"]},
    "diff":      {"type": ["string", "null"]}
  },
  "allOf": [
    {
      "if":   {"properties": {"type": {"const": "INTERVENTION"}}},
      "then": {
        "required": ["id"],
        "properties": {"id": {"type": ["string", "integer"], "minLength": 1}}
      }
    },
    {
      "if":   {"properties": {"type": {"const": "TERMINAL_OUTPUT"}}},
      "then": {"required": ["line"], "properties": {"line": {"type": "string"}}}
    },
    {
      "if":   {"properties": {"type": {"const": "MODE_CHANGED"}}},
      "then": {"required": ["mode"], "properties": {"mode": {"type": "string"}}}
    },
    {
      "if":   {"properties": {"type": {"const": "COMMAND_EXECUTED"}}},
      "then": {"required": ["command"], "properties": {"command": {"type": "string"}}}
    },
    {
      "if":   {"properties": {"type": {"const": "HEARTBEAT"}}},
      "then": {
        "properties": {
          "status": {
            "type": ["object", "null"],
            "properties": {
              "tasks_completed": {"type": "integer"},
              "uptime_human":    {"type": "string"},
              "uptime_seconds":  {"type": "integer"},
              "active_sessions": {"type": "integer"},
              "version":         {"type": "string"},
              "status":          {"type": "string"}
            }
          }
        }
      }
    }
  ]
}`

package notetools

import "github.com/scrivia/agentcore/pkg/models"

type schema = map[string]interface{}

var targetSchema = schema{
	"type":     "object",
	"required": []string{"type"},
	"properties": schema{
		"type": schema{"type": "string", "enum": []string{"heading", "regex", "position", "anchor"}},
		"heading": schema{
			"type": "object",
			"properties": schema{
				"path":       schema{"type": "array", "items": schema{"type": "string"}},
				"level":      schema{"type": "integer", "minimum": 1, "maximum": 6},
				"heading_id": schema{"type": "string"},
			},
		},
		"regex": schema{
			"type":     "object",
			"required": []string{"pattern"},
			"properties": schema{
				"pattern":    schema{"type": "string"},
				"flags":      schema{"type": "string", "description": "any of i, m, s"},
				"occurrence": schema{"type": "integer", "minimum": 0},
			},
		},
		"position": schema{
			"type":     "object",
			"required": []string{"mode"},
			"properties": schema{
				"mode":   schema{"type": "string", "enum": []string{"start", "end", "offset"}},
				"offset": schema{"type": "integer", "minimum": 0},
			},
		},
		"anchor": schema{
			"type":     "object",
			"required": []string{"anchor_id"},
			"properties": schema{
				"anchor_id": schema{"type": "string", "description": "doc_start, doc_end, before_first_heading, after_toc or a custom anchor"},
			},
		},
	},
}

var applyContentSpec = models.ToolSpec{
	Name: ToolApplyContent,
	Description: "Apply a batch of edit operations to a markdown note. Operations run in order, " +
		"each one sees the result of the previous ones, and a failing operation does not stop the batch.",
	Parameters: schema{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"ops"},
		"properties": schema{
			"ref": schema{"type": "string", "description": "note reference; defaults to the session's note"},
			"ops": schema{
				"type":     "array",
				"minItems": 1,
				"items": schema{
					"type":     "object",
					"required": []string{"id", "action", "target"},
					"properties": schema{
						"id":      schema{"type": "string"},
						"action":  schema{"type": "string", "enum": []string{"insert", "replace", "delete", "upsert_section"}},
						"target":  targetSchema,
						"where":   schema{"type": "string", "enum": []string{"before", "after", "at", "inside_start", "inside_end"}},
						"content": schema{"type": "string"},
					},
				},
			},
			"dry_run":        schema{"type": "boolean"},
			"return_diff":    schema{"type": "boolean"},
			"return_content": schema{"type": "boolean"},
			"expected_etag":  schema{"type": "string"},
		},
	},
}

var getNoteSpec = models.ToolSpec{
	Name:        ToolGetNote,
	Description: "Read a note's markdown content and etag.",
	Parameters: schema{
		"type":                 "object",
		"additionalProperties": false,
		"properties": schema{
			"ref": schema{"type": "string"},
		},
	},
}

var createNoteSpec = models.ToolSpec{
	Name:        ToolCreateNote,
	Description: "Create a new note.",
	Parameters: schema{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"title"},
		"properties": schema{
			"title":   schema{"type": "string"},
			"content": schema{"type": "string"},
		},
	},
}

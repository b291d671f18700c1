package contracts

// JSON Schemas for the wire and artifact contracts. These are the source of
// truth for structured-output prompting and for validation; keep them in sync
// with the structs in internal/types.

const turnOutputSchemaJSON = `{
  "$id": "worldbuild/turn_output",
  "type": "object",
  "additionalProperties": false,
  "required": ["speaker_role", "turn_type", "content"],
  "properties": {
    "speaker_role": {
      "type": "string",
      "enum": ["ARCHITECT", "LOREKEEPER", "CONTRARIAN", "SYNTHESIZER"]
    },
    "turn_type": {
      "type": "string",
      "enum": ["PROPOSAL", "OBJECTION", "RESPONSE", "RESOLUTION", "VOTE"]
    },
    "content": {"type": "string", "minLength": 1},
    "canon_patch": {
      "type": "array",
      "items": {"$ref": "#/definitions/patch_op"}
    },
    "references": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "vote": {
      "type": "object",
      "additionalProperties": false,
      "required": ["choice"],
      "properties": {
        "choice": {"type": "string", "enum": ["ACCEPT", "AMEND", "REJECT"]},
        "amendment_summary": {"type": "string"}
      }
    }
  },
  "definitions": {
    "patch_op": {
      "type": "object",
      "required": ["op", "path"],
      "properties": {
        "op": {
          "type": "string",
          "enum": ["add", "remove", "replace", "move", "copy", "test"]
        },
        "path": {"type": "string"},
        "from": {"type": "string"},
        "value": {}
      }
    }
  }
}`

const promptPackSchemaJSON = `{
  "$id": "worldbuild/prompt_pack",
  "type": "object",
  "additionalProperties": false,
  "required": ["hero_image", "landmark_triptych", "inhabitant_portrait", "tension_snapshot"],
  "properties": {
    "hero_image": {"$ref": "#/definitions/image_prompt"},
    "landmark_triptych": {
      "type": "array",
      "minItems": 3,
      "maxItems": 3,
      "items": {"$ref": "#/definitions/image_prompt"}
    },
    "inhabitant_portrait": {"$ref": "#/definitions/image_prompt"},
    "tension_snapshot": {"$ref": "#/definitions/image_prompt"}
  },
  "definitions": {
    "image_prompt": {
      "type": "object",
      "additionalProperties": false,
      "required": ["title", "prompt"],
      "properties": {
        "title": {"type": "string", "minLength": 1},
        "prompt": {"type": "string", "minLength": 1},
        "negative_prompt": {"type": "string"},
        "aspect_ratio": {"type": "string"}
      }
    }
  }
}`

const canonSchemaJSON = `{
  "$id": "worldbuild/canon",
  "type": "object",
  "additionalProperties": false,
  "required": ["world_name", "governing_logic", "aesthetic_mood", "landmarks", "inhabitants", "tension", "hero_image_description"],
  "properties": {
    "world_name": {"type": "string", "minLength": 1},
    "governing_logic": {"type": "string", "minLength": 1},
    "aesthetic_mood": {"type": "string", "minLength": 1},
    "landmarks": {
      "type": "array",
      "minItems": 3,
      "maxItems": 3,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "description", "significance", "visual_key"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "significance": {"type": "string", "minLength": 1},
          "visual_key": {"type": "string", "minLength": 1}
        }
      }
    },
    "inhabitants": {
      "type": "object",
      "additionalProperties": false,
      "required": ["appearance", "culture_snapshot", "relationship_to_place"],
      "properties": {
        "appearance": {"type": "string", "minLength": 1},
        "culture_snapshot": {"type": "string", "minLength": 1},
        "relationship_to_place": {"type": "string", "minLength": 1}
      }
    },
    "tension": {
      "type": "object",
      "additionalProperties": false,
      "required": ["conflict", "stakes", "visual_manifestation"],
      "properties": {
        "conflict": {"type": "string", "minLength": 1},
        "stakes": {"type": "string", "minLength": 1},
        "visual_manifestation": {"type": "string", "minLength": 1}
      }
    },
    "hero_image_description": {"type": "string", "minLength": 1}
  }
}`

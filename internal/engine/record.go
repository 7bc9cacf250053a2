package engine

import (
	"encoding/json"

	"lattice-backend/internal/authz"
	"lattice-backend/internal/metadata"
)

// toRecord builds the authorization view of a database row: entity type,
// attribute tag set and field values. The tag column itself is stripped
// from the field map so it is never subject to property filtering.
func toRecord(entity *metadata.Entity, row map[string]any) authz.Record {
	fields := make(map[string]any, len(row))
	for k, v := range row {
		if k == metadata.AttributesField {
			continue
		}
		fields[k] = v
	}
	return authz.Record{
		EntityType: entity.Name,
		Tags:       parseTags(row[metadata.AttributesField]),
		Fields:     fields,
	}
}

// parseTags decodes a serialized attribute tag set. JSONB columns come back
// from the driver as []any; request bodies carry []any too; persisted raw
// JSON arrives as []byte or string.
func parseTags(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []any:
		tags := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case []byte:
		var tags []string
		if err := json.Unmarshal(val, &tags); err != nil {
			return nil
		}
		return tags
	case string:
		var tags []string
		if err := json.Unmarshal([]byte(val), &tags); err != nil {
			return nil
		}
		return tags
	default:
		return nil
	}
}

package streambus

import (
	"encoding/json"
	"strconv"
)

// EntryJSON extracts the job document from a stream entry's field map.
// Three encodings are accepted, in order of preference:
//
//  1. The canonical form: a single "json" field holding the document.
//  2. A legacy flat form: message_id / company_id / domain_id as scalar
//     fields with "envelope" carried as a JSON string. company_id is
//     normalized to tenant_id.
//  3. A single-field fallback: exactly one field whose value parses as
//     JSON is taken as the document.
//
// Returns (nil, false) when no encoding matches; such entries are
// malformed and must be acked and dropped, never retried.
func EntryJSON(values map[string]interface{}) ([]byte, bool) {
	if v, ok := values["json"]; ok {
		if s, ok := v.(string); ok && json.Valid([]byte(s)) {
			return []byte(s), true
		}
		return nil, false
	}

	if _, ok := values["message_id"]; ok {
		return legacyFlatJSON(values)
	}

	if len(values) == 1 {
		for _, v := range values {
			if s, ok := v.(string); ok && json.Valid([]byte(s)) {
				return []byte(s), true
			}
		}
	}

	return nil, false
}

func legacyFlatJSON(values map[string]interface{}) ([]byte, bool) {
	doc := make(map[string]interface{})
	for k, v := range values {
		switch k {
		case "company_id":
			doc["tenant_id"] = coerceScalar(v)
		case "envelope":
			if s, ok := v.(string); ok && json.Valid([]byte(s)) {
				doc["envelope"] = json.RawMessage(s)
			}
		default:
			doc[k] = coerceScalar(v)
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return data, true
}

// coerceScalar turns redis string values back into numbers where they
// round-trip cleanly, so legacy flat entries decode into typed ids.
func coerceScalar(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

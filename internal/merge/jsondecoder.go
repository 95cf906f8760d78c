package merge

import (
	"encoding/json"
	"fmt"

	"meridian/internal/domain"
)

// jsonFieldOp is the wire shape of a write-compute payload consumed by
// JSONWriteComputeDecoder: a flat, root-level map of field name to new
// value plus the logical write timestamp applying to every field in
// the payload. Nested-field partial updates and collection-merge
// operations are intentionally unsupported here, matching the
// root-level-only constraint schema-aware write-compute processors
// enforce upstream of this package.
type jsonFieldOp struct {
	WriteTS int64                      `json:"write_ts"`
	Fields  map[string]json.RawMessage `json:"fields"`
}

// JSONWriteComputeDecoder is a schema-registry-free stand-in for a
// real Avro write-compute processor: it treats values as JSON objects
// and write-compute payloads as a flat field-name-to-new-value map.
// It exists so the resolver's per-field timestamp logic is testable
// without a schema registry; production deployments would supply a
// decoder backed by the store's actual value schema.
type JSONWriteComputeDecoder struct{}

func (JSONWriteComputeDecoder) Extract(writeComputeBytes []byte, updateSchemaID int32) ([]domain.FieldUpdate, error) {
	var op jsonFieldOp
	if err := json.Unmarshal(writeComputeBytes, &op); err != nil {
		return nil, fmt.Errorf("jsondecoder: unmarshal write-compute payload: %w", err)
	}
	updates := make([]domain.FieldUpdate, 0, len(op.Fields))
	for field, raw := range op.Fields {
		updates = append(updates, domain.FieldUpdate{FieldName: field, Value: []byte(raw), WriteTS: op.WriteTS})
	}
	return updates, nil
}

func (JSONWriteComputeDecoder) ApplyFields(existingValue []byte, valueSchemaID int32, fields []domain.FieldUpdate) ([]byte, error) {
	record := map[string]json.RawMessage{}
	if len(existingValue) > 0 {
		if err := json.Unmarshal(existingValue, &record); err != nil {
			return nil, fmt.Errorf("jsondecoder: unmarshal existing value: %w", err)
		}
	}
	for _, f := range fields {
		record[f.FieldName] = json.RawMessage(f.Value)
	}
	out, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("jsondecoder: marshal merged record: %w", err)
	}
	return out, nil
}

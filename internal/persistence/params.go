package persistence

import (
	"encoding/json"
	"fmt"
)

func marshalParams(params map[string]string) ([]byte, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("persistence: marshal params: %w", err)
	}
	return b, nil
}

func unmarshalParams(raw []byte) (map[string]string, error) {
	var params map[string]string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("persistence: unmarshal params: %w", err)
	}
	return params, nil
}

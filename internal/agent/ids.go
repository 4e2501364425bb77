package agent

import (
	"encoding/json"

	"github.com/google/uuid"
)

func newID() string { return uuid.NewString() }

func jsonUnmarshal(data json.RawMessage, v any) error {
	return json.Unmarshal(data, v)
}

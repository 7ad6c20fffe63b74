package conclusions

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// unmarshalJSON decodes a model reply, tolerating code fences and repairing
// malformed JSON before giving up.
func unmarshalJSON(raw string, v any) error {
	data := stripFence(raw)
	err := json.Unmarshal([]byte(data), v)
	if err == nil {
		return nil
	}
	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return err
	}
	fixed, repairErr := jsonrepair.JSONRepair(data)
	if repairErr != nil {
		return repairErr
	}
	return json.Unmarshal([]byte(fixed), v)
}

func stripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

package store

import "encoding/json"

// marshalJSON and unmarshalJSON centralize the encoding used for the
// variables/active-tokens/join-waits columns in the SQL-backed stores.
func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string, out any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}

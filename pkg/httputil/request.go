package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// maxBodyBytes bounds request bodies; the largest legitimate payload is a
// privilege batch.
const maxBodyBytes = 1 << 20

// ParseJSON decodes the request body into dest, rejecting unknown fields.
func ParseJSON(r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// ParseJSONOrError decodes into dest; on failure it writes an InvalidInput
// response and returns false.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	if err := ParseJSON(r, dest); err != nil {
		WriteStatus(w, StatusInvalidInput, err.Error())
		return false
	}
	return true
}

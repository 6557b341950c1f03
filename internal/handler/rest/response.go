package rest

import (
	"encoding/json"
	"net/http"
)

type errorResponse struct {
	Error    string   `json:"error"`
	Required []string `json:"required,omitempty"`
	Fields   []string `json:"fields,omitempty"`
	Status   int      `json:"status,omitempty"`
	Details  any      `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

// verbatim keeps a JSON body as-is and wraps anything else as a string.
func verbatim(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

var errBodyTooLarge = errors.New("request body too large")

// errorBody is the uniform API error shape: {"error":{"code","message"}}.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = msg
	writeJSON(w, status, body)
}

// readJSON decodes exactly one JSON object of at most maxBytes into dst.
// Unknown fields and trailing data are rejected.
func readJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil && dec.More() {
		err = errors.New("trailing data after JSON object")
	}
	if err == nil {
		return nil
	}
	if mbe := new(http.MaxBytesError); errors.As(err, &mbe) {
		return errBodyTooLarge
	}
	return err
}

// writeBodyError answers a readJSON failure.
func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
}

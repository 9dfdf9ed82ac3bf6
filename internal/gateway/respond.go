package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/zerg-ai/zerg/internal/apierr"
)

// maxBodyBytes caps request bodies. Webhook payloads are the largest
// legitimate input and stay far below this.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("gateway: encode response", "error", err)
		}
	}
}

// writeError maps the error taxonomy onto HTTP. Internal details stay
// in the log; the client sees the public message only.
func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := apierr.HTTPStatus(kind)
	if kind == apierr.KindInternal {
		slog.Error("gateway: internal error", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error":  string(kind),
		"detail": apierr.Public(err),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierr.Wrap(apierr.KindValidation, "invalid request body", err)
	}
	return nil
}

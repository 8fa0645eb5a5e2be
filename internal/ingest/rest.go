package ingest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// RESTHandler relays reports posted over HTTP into sink. It serves
// POST {prefix}/{id} with one report as the body, and POST {prefix} with a
// JSON array of {"device_id", "report"} pairs.
type RESTHandler struct {
	sink   Sink
	logger *slog.Logger
}

type relayedReport struct {
	DeviceID string          `json:"device_id"`
	Report   json.RawMessage `json:"report"`
}

func NewRESTHandler(sink Sink, logger *slog.Logger) *RESTHandler {
	return &RESTHandler{sink: sink, logger: logger}
}

func (h *RESTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted, failed := 0, 0
	if id := r.PathValue("id"); id != "" {
		if trim[0] != '{' || !json.Valid(trim) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if h.sink.Submit(id, trim) {
			accepted++
		} else {
			failed++
		}
	} else {
		var list []relayedReport
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, item := range list {
			if item.DeviceID == "" || len(item.Report) == 0 {
				failed++
				continue
			}
			if h.sink.Submit(item.DeviceID, item.Report) {
				accepted++
			} else {
				failed++
			}
		}
	}
	if failed > 0 && h.logger != nil {
		h.logger.Warn("rest relay rejected reports", "accepted", accepted, "failed", failed)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}

package main

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/telefabric/telefabric/core"
	"github.com/telefabric/telefabric/registry"
)

// registerRoutes exposes the registry read surface.
//
//	GET /api/devices            all devices, ?status= and ?type= filter
//	GET /api/devices/{id}       one device snapshot
//	GET /healthz                liveness plus dropped-event counter
func registerRoutes(mux *http.ServeMux, reg *registry.Registry, logger core.Logger) {
	mux.HandleFunc("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		status := r.URL.Query().Get("status")
		deviceType := r.URL.Query().Get("type")
		devices := reg.List(func(d registry.Device) bool {
			if status != "" && string(d.Status) != status {
				return false
			}
			if deviceType != "" && d.DeviceType != deviceType {
				return false
			}
			return true
		})
		writeJSON(w, logger, http.StatusOK, map[string]interface{}{
			"devices": devices,
			"count":   len(devices),
		})
	})

	mux.HandleFunc("/api/devices/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/devices/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "unknown resource")
			return
		}
		dev, err := reg.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, logger, http.StatusOK, dev)
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"devices":        len(reg.List(nil)),
			"dropped_events": reg.DroppedEvents(),
		})
	})
}

func writeJSON(w http.ResponseWriter, logger core.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("response encode failed", map[string]interface{}{"error": err})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

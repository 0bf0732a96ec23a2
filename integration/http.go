package integration

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/telefabric/telefabric/core"
)

// ErrorResponse is the JSON error body every endpoint returns.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// APIHandler serves the integration surface over HTTP JSON.
type APIHandler struct {
	broker *Broker
	logger core.Logger
}

// NewAPIHandler builds the HTTP handler around a broker.
func NewAPIHandler(broker *Broker, logger core.Logger) *APIHandler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &APIHandler{broker: broker, logger: logger}
}

// RegisterRoutes registers the integration API with the given mux.
//
//	GET  /api/integration/devices
//	GET  /api/integration/devices/{id}/parameters
//	PUT  /api/integration/devices/{id}/parameters
//	GET  /api/integration/devices/{id}/configuration
//	POST /api/integration/devices/{id}/commands/{verb}
//	GET  /api/integration/descriptions/{type}
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/integration/devices", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleDiscover(w, r)
	})
	mux.HandleFunc("/api/integration/devices/", h.routeDevice)
	mux.HandleFunc("/api/integration/descriptions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleDescription(w, r)
	})
}

// routeDevice dispatches /api/integration/devices/{id}/<leaf>.
func (h *APIHandler) routeDevice(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/integration/devices/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[0] == "" {
		h.writeError(w, http.StatusNotFound, "unknown resource", "NOT_FOUND")
		return
	}
	deviceID := parts[0]

	switch {
	case parts[1] == "parameters" && len(parts) == 2:
		switch r.Method {
		case http.MethodGet:
			h.HandleGetParameters(w, deviceID)
		case http.MethodPut, http.MethodPost:
			h.HandleSetParameters(w, r, deviceID)
		default:
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		}
	case parts[1] == "configuration" && len(parts) == 2:
		if r.Method != http.MethodGet {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleGetConfiguration(w, r, deviceID)
	case parts[1] == "commands" && len(parts) == 3 && parts[2] != "":
		if r.Method != http.MethodPost {
			h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
			return
		}
		h.HandleSendCommand(w, r, deviceID, parts[2])
	default:
		h.writeError(w, http.StatusNotFound, "unknown resource", "NOT_FOUND")
	}
}

// HandleDiscover lists every device across all adapters.
func (h *APIHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	devices := h.broker.DiscoverDevices()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// HandleGetParameters returns one device snapshot.
func (h *APIHandler) HandleGetParameters(w http.ResponseWriter, deviceID string) {
	dev, err := h.broker.GetDeviceParameters(deviceID)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dev)
}

// HandleSetParameters validates and applies a parameter write.
func (h *APIHandler) HandleSetParameters(w http.ResponseWriter, r *http.Request, deviceID string) {
	var params map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		h.writeError(w, http.StatusBadRequest, "request body must be a JSON object", "BAD_REQUEST")
		return
	}

	res, err := h.broker.SetDeviceParameters(r.Context(), deviceID, params)
	if err != nil {
		var invalid *core.InvalidParamError
		if errors.As(err, &invalid) {
			// carry the full rejection list alongside the error
			h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error":    invalid.Error(),
				"code":     "INVALID_PARAM",
				"rejected": res.Rejected,
			})
			return
		}
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandleGetConfiguration reads the device's effective configuration.
func (h *APIHandler) HandleGetConfiguration(w http.ResponseWriter, r *http.Request, deviceID string) {
	cfg, err := h.broker.GetDeviceConfiguration(r.Context(), deviceID)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":     deviceID,
		"configuration": cfg,
	})
}

// HandleSendCommand forwards a command to the device.
func (h *APIHandler) HandleSendCommand(w http.ResponseWriter, r *http.Request, deviceID, verb string) {
	var body struct {
		Parameters map[string]interface{} `json:"parameters"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			h.writeError(w, http.StatusBadRequest, "request body must be a JSON object", "BAD_REQUEST")
			return
		}
	}

	res, err := h.broker.SendDeviceCommand(r.Context(), deviceID, verb, body.Parameters)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// HandleDescription returns the writable-parameter digest for a type.
func (h *APIHandler) HandleDescription(w http.ResponseWriter, r *http.Request) {
	deviceType := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/integration/descriptions/"), "/")
	if deviceType == "" {
		h.writeError(w, http.StatusNotFound, "unknown resource", "NOT_FOUND")
		return
	}
	digest, err := h.broker.ParseDescriptionWritableParameters(deviceType)
	if err != nil {
		h.writeBrokerError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, digest)
}

// writeBrokerError maps broker failure semantics onto status codes.
func (h *APIHandler) writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case core.IsNotFound(err):
		h.writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, core.ErrAdapterUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "ADAPTER_UNAVAILABLE")
	case errors.Is(err, core.ErrTimeout):
		h.writeError(w, http.StatusGatewayTimeout, err.Error(), "TIMEOUT")
	default:
		h.logger.Error("integration request failed", map[string]interface{}{"error": err})
		h.writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("response encode failed", map[string]interface{}{"error": err})
	}
}

func (h *APIHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}

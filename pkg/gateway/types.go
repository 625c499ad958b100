package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/harun/tempo/pkg/mode"
)

// ErrorResponse is the body of a non-streamed failure
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ModeInfo describes a registered mode
type ModeInfo struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
	Temperature *float64 `json:"temperature,omitempty"`
	Model       string   `json:"model,omitempty"`
	Builtin     bool     `json:"builtin"`
}

// ModesResponse is the body of GET /v1/modes
type ModesResponse struct {
	Modes     []ModeInfo          `json:"modes"`
	Workflows map[string][]string `json:"workflows"`
}

func modesResponse(registry *mode.Registry) ModesResponse {
	modes := registry.List()
	out := ModesResponse{
		Modes:     make([]ModeInfo, 0, len(modes)),
		Workflows: registry.Workflows(),
	}
	for _, m := range modes {
		tools := registry.GetPermittedTools(m.Name)
		if tools == nil {
			tools = []string{}
		}
		out.Modes = append(out.Modes, ModeInfo{
			Name:        m.Name,
			Type:        string(m.Type),
			Description: m.Description,
			Tools:       tools,
			Temperature: m.Temperature,
			Model:       m.Model,
			Builtin:     m.Builtin,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

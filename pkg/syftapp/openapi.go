package syftapp

import (
	"encoding/json"
	"net/http"
	"strings"
)

// SyftOpenAPIPath is where the generated schema for the bridged
// endpoints is served.
const SyftOpenAPIPath = "/syft/openapi.json"

type openAPIDoc struct {
	OpenAPI string                                 `json:"openapi"`
	Info    openAPIInfo                            `json:"info"`
	Paths   map[string]map[string]openAPIOperation `json:"paths"`
}

type openAPIInfo struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

type openAPIOperation struct {
	OperationID string                     `json:"operationId"`
	Tags        []string                   `json:"tags,omitempty"`
	Responses   map[string]openAPIResponse `json:"responses"`
}

type openAPIResponse struct {
	Description string `json:"description"`
}

// registerSyftOpenAPI adds the GET /syft/openapi.json route, tagged as
// documentation so discovery always bridges it. The schema is built
// from the route table as it stands, covering the selected non-docs
// routes; it must therefore run after all user routes are registered
// and before docs discovery. Safe to call twice.
func (a *App) registerSyftOpenAPI() {
	if a.openapiRegistered {
		return
	}
	a.openapiRegistered = true

	doc := a.buildOpenAPIDoc()
	payload, err := json.Marshal(doc)
	if err != nil {
		a.logger.Error("marshal syft openapi schema", "error", err)
		return
	}

	a.Get(SyftOpenAPIPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}, SyftDocsTag)
}

// buildOpenAPIDoc synthesizes an OpenAPI 3.1 document for the routes
// bridged over RPC, excluding documentation routes.
func (a *App) buildOpenAPIDoc() openAPIDoc {
	doc := openAPIDoc{
		OpenAPI: "3.1.0",
		Info: openAPIInfo{
			Title:   a.name + " Syft RPC",
			Version: "1.0.0",
		},
		Paths: make(map[string]map[string]openAPIOperation),
	}

	for _, r := range a.syftRoutes() {
		if r.hasTag(SyftDocsTag) {
			continue
		}
		method := strings.ToLower(r.method)
		if method == "" {
			method = "post"
		}
		ops, ok := doc.Paths[r.path]
		if !ok {
			ops = make(map[string]openAPIOperation)
			doc.Paths[r.path] = ops
		}
		ops[method] = openAPIOperation{
			OperationID: operationID(r.method, r.path),
			Tags:        r.tags,
			Responses: map[string]openAPIResponse{
				"200": {Description: "Successful Response"},
			},
		}
	}

	return doc
}

// operationID derives a stable identifier like "post_ping" from a
// method and path.
func operationID(method, path string) string {
	if method == "" {
		method = http.MethodPost
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, strings.TrimPrefix(path, "/"))
	return strings.ToLower(method) + "_" + strings.Trim(cleaned, "_")
}

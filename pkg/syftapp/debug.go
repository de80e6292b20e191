package syftapp

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/openmined/syftbridge/pkg/syftbox"
)

// DebugEndpointPath is where the browser debug tool is served on the
// local HTTP server. The route is not tagged, so it is never bridged.
const DebugEndpointPath = "/rpc-debug"

// debugFromEmail is the sender identity prefilled in the debug tool.
const debugFromEmail = "guest@syft.local"

// defaultExampleRequest prefills the debug tool's request body.
const defaultExampleRequest = `{"message": "Hello!"}`

//go:embed assets/rpc-debug.html
var debugPageHTML string

//go:embed assets/rpc-debug.css
var debugPageCSS string

//go:embed assets/syftbox-sdk.js
var debugSDKJS string

//go:embed assets/rpc-debug.js
var debugPageJS string

type debugTool struct {
	endpoint     string
	publishedURL string
}

// EnableDebugTool registers a browser page at /rpc-debug for sending
// RPC requests to one of the app's endpoints through the relay server.
// exampleRequest prefills the request body; empty selects a default.
// When publish is true the page is also written into the datasite's
// public directory so it is reachable without running the app locally.
// Call after registering the endpoint it targets and before Run.
func (a *App) EnableDebugTool(endpoint, exampleRequest string, publish bool) error {
	if a.debug != nil {
		return fmt.Errorf("debug tool already enabled for %s", a.debug.endpoint)
	}

	page := a.RPCDebugPage(endpoint, exampleRequest)
	a.debug = &debugTool{endpoint: endpoint}
	a.Get(DebugEndpointPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})

	if publish {
		rel := path.Join("public", a.name, "rpc-debug.html")
		dest, err := a.box.PublishContents([]byte(page), rel)
		if err != nil {
			return fmt.Errorf("publish debug page: %w", err)
		}
		a.debug.publishedURL = a.box.PublicURL(rel)
		a.logger.Info("published rpc debug page", "app", a.name, "path", dest)
	}
	return nil
}

// RPCDebugPage renders the debug tool HTML for one endpoint by
// substituting the embedded assets and the app's identity into the
// page template.
func (a *App) RPCDebugPage(endpoint, exampleRequest string) string {
	if exampleRequest == "" {
		exampleRequest = defaultExampleRequest
	}

	serverURL := a.box.Config().ServerURL
	if serverURL == "" {
		serverURL = syftbox.DefaultServerURL
	}
	if !strings.HasSuffix(serverURL, "/") {
		serverURL += "/"
	}

	headers, err := json.MarshalIndent(map[string]string{
		"x-syft-msg-type": "request",
		"x-syft-from":     debugFromEmail,
		"x-syft-to":       a.box.Email(),
		"x-syft-app":      a.name,
		"x-syft-appep":    strings.TrimPrefix(endpoint, "/"),
		"x-syft-method":   http.MethodPost,
		"x-syft-timeout":  "30000",
		"Content-Type":    "application/json",
	}, "", "  ")
	if err != nil {
		headers = []byte("{}")
	}

	replacer := strings.NewReplacer(
		"{{ css }}", debugPageCSS,
		"{{ js_sdk }}", debugSDKJS,
		"{{ js_rpc_debug }}", debugPageJS,
		"{{ server_url }}", serverURL,
		"{{ from_email }}", debugFromEmail,
		"{{ to_email }}", a.box.Email(),
		"{{ app_name }}", a.name,
		"{{ app_endpoint }}", strings.TrimPrefix(endpoint, "/"),
		"{{ request_body }}", exampleRequest,
		"{{ headers }}", string(headers),
	)
	return replacer.Replace(debugPageHTML)
}

// DebugURLs returns where the enabled debug tool can be opened, or an
// empty string when it is off.
func (a *App) DebugURLs() string {
	if a.debug == nil {
		return ""
	}

	addr := a.boundAddr
	if addr == "" {
		addr = a.httpAddr
	}
	urls := "- Local: http://" + addr + DebugEndpointPath
	if a.debug.publishedURL != "" {
		urls += "\n- Published: " + a.debug.publishedURL
	}
	return urls
}

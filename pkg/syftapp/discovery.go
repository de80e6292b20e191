package syftapp

// syftRoutes returns the routes selected for bridging: every route
// carrying at least one of the configured endpoint tags, or every
// route when no tags are configured. Registration order is preserved.
func (a *App) syftRoutes() []route {
	if len(a.endpointTags) == 0 {
		return a.routes
	}
	var selected []route
	for _, r := range a.routes {
		if r.hasAnyTag(a.endpointTags) {
			selected = append(selected, r)
		}
	}
	return selected
}

// routesWithTags returns the routes carrying at least one of the given
// tags, in registration order. An empty tag list selects nothing.
func (a *App) routesWithTags(tags []string) []route {
	if len(tags) == 0 {
		return nil
	}
	var selected []route
	for _, r := range a.routes {
		if r.hasAnyTag(tags) {
			selected = append(selected, r)
		}
	}
	return selected
}

// discoverEndpoints produces the endpoint paths handed to the bridge:
// the selected routes followed by every documentation route. Docs
// routes are appended regardless of the configured tags, so generated
// documentation stays reachable over RPC. The generated OpenAPI route
// is registered first so this step can discover it. Zero endpoints is
// a valid outcome.
func (a *App) discoverEndpoints() []string {
	if a.includeOpenAPI {
		a.registerSyftOpenAPI()
	}

	var endpoints []string
	for _, r := range a.syftRoutes() {
		endpoints = append(endpoints, r.path)
	}
	for _, r := range a.routesWithTags([]string{SyftDocsTag}) {
		endpoints = append(endpoints, r.path)
	}
	return endpoints
}

package remote

import (
	"net/http"
	"strings"

	"habitkeep/backend"
)

// Endpoint is one route of the remote API. Path may contain ":id".
type Endpoint struct {
	Method string
	Path   string
}

// Resolve substitutes id into the path.
func (e Endpoint) Resolve(id string) string {
	return strings.ReplaceAll(e.Path, ":id", id)
}

func (e Endpoint) String() string {
	return e.Method + " " + e.Path
}

// HasBody reports whether calls to e carry a JSON body.
func (e Endpoint) HasBody() bool {
	return e.Method != http.MethodDelete
}

var (
	refreshEndpoint = Endpoint{Method: http.MethodPost, Path: "/auth/refresh"}
	changesEndpoint = Endpoint{Method: http.MethodGet, Path: "/sync/changes"}
)

// Route maps an outbox row to its endpoint. Tasks and templates are never
// hard-deleted, so their delete operations have no route and fail permanently.
func Route(entity backend.EntityKind, op backend.OpKind) (Endpoint, bool) {
	switch entity {
	case backend.EntityTask:
		switch op {
		case backend.OpCreate:
			return Endpoint{http.MethodPost, "/tasks"}, true
		case backend.OpUpdate:
			return Endpoint{http.MethodPut, "/tasks/:id"}, true
		case backend.OpDelete:
			return Endpoint{}, false
		}
	case backend.EntitySpace:
		switch op {
		case backend.OpCreate:
			return Endpoint{http.MethodPost, "/spaces"}, true
		case backend.OpUpdate:
			return Endpoint{http.MethodPut, "/spaces/:id"}, true
		case backend.OpDelete:
			return Endpoint{http.MethodDelete, "/spaces/:id"}, true
		}
	case backend.EntityTemplate:
		switch op {
		case backend.OpCreate:
			return Endpoint{http.MethodPost, "/templates"}, true
		case backend.OpUpdate:
			return Endpoint{http.MethodPut, "/templates/:id"}, true
		case backend.OpDelete:
			return Endpoint{}, false
		}
	}
	return Endpoint{}, false
}

package api

import (
	"net/http"

	"r3chat/pkg/config"
	"r3chat/pkg/session"

	"github.com/gorilla/mux"
)

var (
	cfg *config.Config
	svc *session.Service
)

// Init wires the handler package's dependencies. Must be called before
// Handler.
func Init(c *config.Config, s *session.Service) {
	cfg = c
	svc = s
}

// Handler returns the /v1 API router.
func Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	RegisterConversations(v1)
	RegisterMessages(v1)
	RegisterBranches(v1)
	RegisterPresence(v1)
	RegisterStream(v1)
	RegisterWatch(v1)
	RegisterFiles(v1)
	RegisterAdmin(v1)

	return r
}

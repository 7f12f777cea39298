package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/telemetry/core/logger"
)

var (
	// Version is the version of the current build, set with
	// -ldflags "-X github.com/relabs-tech/telemetry/iot/api.Version=..."
	Version = "unset"
)

func (s *Service) handleVersion(router *mux.Router) {
	logger.Default().Debugln("  handle version route: /version GET")
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	}).Methods(http.MethodOptions, http.MethodGet)
}

package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/gateway"
)

// StatisticsSources are the components reporting live counters. Nil sources are
// reported as zero.
type StatisticsSources struct {
	Gateway interface{ Statistics() gateway.Statistics }
	Router  interface{ Statistics() fanout.Statistics }
	Hub     interface{ Sessions() int }
}

// StatisticsDetails is the response of /api/statistics
type StatisticsDetails struct {
	Sessions int                `json:"sessions"`
	Gateway  gateway.Statistics `json:"gateway"`
	Router   fanout.Statistics  `json:"router"`
}

func (s *Service) handleStatistics(router *mux.Router) {
	router.HandleFunc("/api/statistics", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		s.statisticsWithAuth(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)
}

func (s *Service) statisticsWithAuth(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.Statistics())
}

// Statistics collects the current counters
func (s *Service) Statistics() StatisticsDetails {
	details := StatisticsDetails{}
	if s.statistics.Hub != nil {
		details.Sessions = s.statistics.Hub.Sessions()
	}
	if s.statistics.Gateway != nil {
		details.Gateway = s.statistics.Gateway.Statistics()
	}
	if s.statistics.Router != nil {
		details.Router = s.statistics.Router.Statistics()
	}
	return details
}

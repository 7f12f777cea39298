package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/telemetry/core/access"
	"github.com/relabs-tech/telemetry/core/csql"
	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/core/metrics"
	"github.com/relabs-tech/telemetry/core/schema"
	"github.com/relabs-tech/telemetry/iot/api"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/forward"
	"github.com/relabs-tech/telemetry/iot/gateway"
	"github.com/relabs-tech/telemetry/iot/mqtt"
	"github.com/relabs-tech/telemetry/iot/realtime"
	"github.com/relabs-tech/telemetry/iot/store"
)

var serveMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the device broker, the REST API and the realtime channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, service, serveMemory)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep devices, grants and readings in memory instead of Postgres")
}

// openStore returns the store selected by the configuration
func openStore(s *Service, memory bool) (store.Store, func(), error) {
	if memory {
		logger.Default().Warnln("using the in-memory store, nothing survives a restart")
		return store.NewMemory(), func() {}, nil
	}
	if len(s.Postgres) == 0 {
		return nil, nil, errors.New("POSTGRES is not set")
	}
	db := csql.OpenWithSchema(s.Postgres, s.PostgresPassword, s.PostgresSchema, s.PostgresMaxConns)
	return store.NewPostgres(db), func() { db.Close() }, nil
}

// forwarders returns the configured downstream sinks
func forwarders(s *Service) ([]gateway.Forwarder, []io.Closer, error) {
	var (
		result  []gateway.Forwarder
		closers []io.Closer
	)
	if brokers := splitList(s.KafkaBrokers); len(brokers) > 0 {
		k, err := forward.NewKafka(brokers, s.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		result = append(result, k)
		closers = append(closers, k)
	}
	if len(s.NATSURL) > 0 {
		n, err := forward.NewNATS(s.NATSURL)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, err
		}
		result = append(result, n)
		closers = append(closers, n)
	}
	return result, closers, nil
}

func serve(ctx context.Context, s *Service, memory bool) error {
	rlog := logger.Default()
	if len(s.JWTSecret) == 0 {
		return errors.New("JWT_SECRET is not set")
	}

	db, closeStore, err := openStore(s, memory)
	if err != nil {
		return err
	}
	defer closeStore()

	sinks, closers, err := forwarders(s)
	if err != nil {
		return fmt.Errorf("cannot create forwarders: %w", err)
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				rlog.WithError(err).Errorln("error closing forwarder")
			}
		}
	}()

	var validator gateway.PayloadValidator
	if len(s.PayloadSchemas) > 0 {
		v, err := schema.NewValidatorFromFS(os.DirFS(s.PayloadSchemas))
		if err != nil {
			return fmt.Errorf("cannot load payload schemas: %w", err)
		}
		validator = v
	}

	router := fanout.NewRouter(db)
	gw := gateway.New(&gateway.Builder{
		Devices:          db,
		Readings:         db,
		Notifier:         router,
		Forwarders:       sinks,
		Validator:        validator,
		HandshakeTimeout: s.HandshakeTimeout,
		StoreMaxRetries:  s.StoreMaxRetries,
		ViolationLimit:   s.ViolationLimit,
	})
	defer gw.Close()

	verifier := access.NewTokenVerifier(s.JWTSecret)
	hub := realtime.NewHub(&realtime.Builder{
		Verifier:      verifier,
		Router:        router,
		Readings:      db,
		SnapshotLimit: s.SnapshotLimit,
		QueueSize:     s.SessionQueueSize,
	})
	defer hub.Close()

	muxRouter := mux.NewRouter()
	logger.AddRequestID(muxRouter)
	api.HandleCORS(muxRouter)
	api.HandleCompression(muxRouter)
	muxRouter.Use(access.NewJwtMiddleware(verifier))
	muxRouter.Handle("/ws", realtime.NewHandler(hub)).Methods(http.MethodGet)
	api.New(&api.Builder{
		Router:   muxRouter,
		Devices:  db,
		Grants:   db,
		Readings: db,
		Ingestor: gw,
		Statistics: api.StatisticsSources{
			Gateway: gw,
			Router:  router,
			Hub:     hub,
		},
	})

	broker, err := mqtt.NewBroker(&mqtt.Builder{
		Gateway:    gw,
		Addr:       s.MQTTAddr,
		CertFile:   s.MQTTTLSCert,
		KeyFile:    s.MQTTTLSKey,
		CACertFile: s.MQTTTLSCA,
	})
	if err != nil {
		return fmt.Errorf("cannot create broker: %w", err)
	}
	broker.Start()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	var wg sync.WaitGroup
	metrics.StartServer(metricsCtx, &wg, &metrics.ServerOpts{Addr: s.MetricsAddr})

	server := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           muxRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		rlog.Infoln("listen on", s.HTTPAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		rlog.Infoln("shutting down")
	case err = <-serverErr:
		rlog.WithError(err).Errorln("http server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		rlog.WithError(err).Errorln("error shutting down http server")
	}
	// hijacked websocket connections are not tracked by the server
	hub.Close()
	stopMetrics()
	wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

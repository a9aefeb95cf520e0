package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/zlnvch/pgprelay/api/rest"
	"github.com/zlnvch/pgprelay/api/ws"
	"github.com/zlnvch/pgprelay/cache"
	"github.com/zlnvch/pgprelay/metrics"
	"github.com/zlnvch/pgprelay/mq"
	"github.com/zlnvch/pgprelay/service"
	"github.com/zlnvch/pgprelay/store"
	"github.com/zlnvch/pgprelay/worker"
)

type RelayAPI struct {
	restHandler     *rest.Handler
	wsHandler       *ws.Handler
	deliveryBatcher *worker.DeliveryBatcher
	shutdownCtx     context.Context
}

// NewRelayAPI wires the service and then starts the hub and the background
// workers. Nothing is started when it fails. purgeQueue may be nil.
func NewRelayAPI(
	relayStore store.RelayStore,
	purgeQueue mq.MessageQueue,
	relayCache cache.RelayCache,
	jwtSecret []byte,
	deliveryFlushMilliseconds int,
	shutdownCtx context.Context,
) (*RelayAPI, error) {
	wsHub := ws.NewHub(relayCache)
	deliveryBatcher := worker.NewDeliveryBatcher(relayStore, deliveryFlushMilliseconds)

	svc, err := service.NewService(
		relayStore,
		relayCache,
		purgeQueue,
		deliveryBatcher,
		nil,
		jwtSecret,
	)
	if err != nil {
		log.Printf("Failed to create service: %v", err)
		return nil, err
	}
	svc.SetBroadcaster(wsHub)

	go wsHub.Run(shutdownCtx)
	go deliveryBatcher.Run(shutdownCtx)

	if purgeQueue != nil {
		mqConsumer := worker.NewMQConsumer(purgeQueue, relayStore)
		go mqConsumer.Run(shutdownCtx)
	}

	return &RelayAPI{
		restHandler:     rest.NewHandler(svc),
		wsHandler:       ws.NewHandler(svc, wsHub),
		deliveryBatcher: deliveryBatcher,
		shutdownCtx:     shutdownCtx,
	}, nil
}

// Wait blocks until the background writers have drained after shutdown.
func (relayAPI *RelayAPI) Wait() {
	<-relayAPI.deliveryBatcher.Done()
}

func (relayAPI *RelayAPI) RegisterRoutes(r *mux.Router, allowedOrigin string) {
	// Health check endpoint (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/users", relayAPI.restHandler.HandleUsers).Methods(http.MethodGet)
	r.HandleFunc("/history", relayAPI.restHandler.HandleHistory).Methods(http.MethodGet)

	wsUpgrader := relayAPI.wsHandler.NewWsUpgrader(allowedOrigin)
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		relayAPI.wsHandler.ServeWS(wsUpgrader, w, r, relayAPI.shutdownCtx)
	})
}

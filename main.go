// Copyright 2025 The OpenChat Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/openchat-im/gateway/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version string = "1.0.0"

var commitID string = "dev"

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Println(semver)
		return
	}

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(config)
	config = server.ValidateConfig(logger, config)

	startupLogger.Info("OpenChat gateway starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver))

	ctx, ctxCancelFn := context.WithCancel(context.Background())

	metrics := server.NewLocalMetrics(logger, config)

	store := server.NewStoreManager(logger, config)
	if err := store.Connect(ctx); err != nil {
		startupLogger.Warn("Coordination store unreachable, continuing in degraded mode", zap.Error(err))
	} else {
		startupLogger.Info("Coordination store connection established", zap.String("address", config.GetRedis().Address))
	}

	registry := server.NewLocalConnectionRegistry(logger, config, metrics, store)
	tracker := server.StartLocalPresenceTracker(logger, config, metrics, store)
	tracker.SubscribeExpiry(registry.ReconcileExpired)
	router := server.StartLocalMessageRouter(logger, config, metrics, store, registry, tracker)
	ack := server.StartAckManager(logger, config, metrics, router)
	limiter := server.NewRateLimiter(logger, config, metrics, store)
	bus := server.NewEventBus(logger, config, metrics, store, registry, router)
	bus.Start()
	nodes := server.StartNodeTracker(logger, config, store, registry)

	verifier := server.NewJWTAuthVerifier(config)
	delivery := server.NewLoggingDeliveryBackend(logger)
	membership := server.NewCachedGroupMembership(server.NewStaticGroupMembership(), time.Minute)

	pipeline := server.NewPipeline(config, metrics, registry, tracker, router, ack, limiter, delivery, membership)

	r := mux.NewRouter()
	r.HandleFunc("/ws", server.NewWSAcceptor(logger, config, metrics, verifier, registry, tracker, router, pipeline)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", server.NewHealthzHandler(store)).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", server.NewStatusHandler(logger, config, store, registry, tracker, router, ack, nodes)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	handlerWithCORS := handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead}),
		handlers.AllowedOrigins([]string{"*"}),
	)(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.GetSocket().Address, config.GetSocket().Port),
		ReadTimeout:  config.GetSocket().GetReadTimeout(),
		WriteTimeout: config.GetSocket().GetWriteTimeout(),
		IdleTimeout:  config.GetSocket().GetIdleTimeout(),
		Handler:      handlerWithCORS,
	}

	go func() {
		startupLogger.Info("Starting gateway for client connections", zap.Int("port", config.GetSocket().Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Client listener failed", zap.Error(err))
		}
	}()

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	graceSeconds := config.GetShutdownGraceSec()
	logger.Info("Shutting down", zap.Int("grace_sec", graceSeconds))

	shutdownCtx, shutdownCancelFn := context.WithTimeout(context.Background(), time.Duration(graceSeconds)*time.Second)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Client listener shutdown failed", zap.Error(err))
	}
	shutdownCancelFn()

	// Stop components in reverse order to their startup.
	nodes.Stop()
	bus.Stop()
	ack.Stop()
	router.Stop()
	tracker.Stop()
	registry.Stop()
	store.Shutdown()
	ctxCancelFn()

	logger.Info("Shutdown complete")
	os.Exit(0)
}

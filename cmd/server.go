// Copyright 2024-2026 The databridge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/evtio/databridge/apis"
	"github.com/evtio/databridge/broker"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/core"
	"github.com/evtio/databridge/filters"
	"github.com/evtio/databridge/multiplexer"
	"github.com/evtio/databridge/registry"
	"github.com/evtio/databridge/storage"
	"github.com/evtio/databridge/transport"
)

// BridgeRestEndpoints end-point path configs for the bridge API
type BridgeRestEndpoints struct {
	PathPrefix string
}

// ServerCLIArgs arguments
type ServerCLIArgs struct {
	SessionBuffer int `validate:"required,gte=1"`
	Endpoints     BridgeRestEndpoints
}

// GetServerCLIFlags retrieve the set of CMD flags for the bridge server
func GetServerCLIFlags(args *ServerCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "server-endpoint-prefix",
			Usage:       "Set the end-point path prefix for the bridge APIs",
			Aliases:     []string{"sep"},
			EnvVars:     []string{"SERVER_ENDPOINT_PREFIX"},
			Value:       "/",
			DefaultText: "/",
			Destination: &args.Endpoints.PathPrefix,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "session-event-buffer",
			Usage:       "Per session outbound event buffer depth",
			Aliases:     []string{"seb"},
			EnvVars:     []string{"SESSION_EVENT_BUFFER"},
			Value:       64,
			DefaultText: "64",
			Destination: &args.SessionBuffer,
			Required:    false,
		},
	}
}

// RunServer run the bridge server
func RunServer(
	params ServerCLIArgs,
	config *common.BridgeConfig,
	instance string,
	natsClient core.NatsClient,
	brokerReady <-chan struct{},
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Storage and broker collaborators

	producer, err := broker.GetJetStreamProducer(natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker producer")
		return err
	}

	tokenStore, scripts, err := storage.CreateRedisBackedStorage(
		config.Redis.Addr, config.Redis.Password, config.Redis.TokenDB,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token store")
		return err
	}
	profileStore, _, err := storage.CreateRedisBackedStorage(
		config.Redis.Addr, config.Redis.Password, config.Redis.ProfileDB,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define profile store")
		return err
	}

	tp, err := common.GetNewTaskProcessorInstance("topic-registry", 64, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return err
	}

	topicRegistry, err := registry.DefineTopicRegistry(
		scripts, profileStore, producer, tp, broker.TopicProfile{
			NumPartitions:     config.Topics.DefaultPartitions,
			ReplicationFactor: config.Topics.DefaultReplication,
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topic registry")
		return err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start task processor")
		return err
	}

	// Replay queued topic creations once the broker connection reports in
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-localCtxt.Done():
				return
			case <-brokerReady:
				topicRegistry.ProducerReady()
			}
		}
	}()

	messenger, err := broker.GetNatsMessenger(natsClient, topicRegistry.Resolve)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker messenger")
		return err
	}

	// -------------------------------------------------------------------
	// Realtime transport and multiplexer

	engine, err := filters.DefineFilterEngine()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define filter engine")
		return err
	}

	hub, err := transport.GetConnectionHub(params.SessionBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection hub")
		return err
	}

	sseBinding, err := transport.GetSSEBinding(hub)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define SSE binding")
		return err
	}

	mplex, err := multiplexer.GetSubscriptionMultiplexer(multiplexer.MultiplexerParams{
		Messenger: messenger,
		Registry:  topicRegistry,
		Tokens:    tokenStore,
		Scripts:   scripts,
		Transport: hub,
		Engine:    engine,
		Subjects:  config.Subjects,
		TokenTTL:  time.Second * time.Duration(config.Tokens.TTL),
		OpTimeout: time.Second * time.Duration(config.Redis.OpTimeout),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define multiplexer")
		return err
	}

	httpHandler, err := apis.GetAPIRestBridgeHandler(
		mplex, topicRegistry, producer, tokenStore, &config.HTTP,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	authMiddleware := apis.GetTenantAuthMiddleware()

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.Endpoints.PathPrefix, nil)

	// Token issuance
	tokenRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/token", map[string]http.HandlerFunc{
			"get": httpHandler.GetTokenHandler(),
		},
	)
	tokenRouter.Use(authMiddleware.Middleware)

	// Topic resolution and profiles
	topicRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/topic/{subject}", map[string]http.HandlerFunc{
			"get": httpHandler.GetTopicHandler(),
		},
	)
	topicRouter.Use(authMiddleware.Middleware)
	profileRouter := apis.RegisterPathPrefix(
		topicRouter, "/profile", map[string]http.HandlerFunc{
			"get":  httpHandler.GetTopicProfilesHandler(),
			"post": httpHandler.SetTopicProfileHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(profileRouter, "/{tenant}", map[string]http.HandlerFunc{
		"put": httpHandler.EditTopicProfileHandler(),
	})

	// Realtime attach and session events. These authenticate through the
	// single-use access token instead of the gateway bearer token.
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/realtime/attach", map[string]http.HandlerFunc{
		"get": sseBinding.Attach,
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/session/{session}/event/{event}",
		map[string]http.HandlerFunc{
			"post": sseBinding.ClientEvent,
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/realtime/filter/{session}", map[string]http.HandlerFunc{
			"put": sseBinding.FilterEvent,
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Drop live sessions and release broker subscriptions
	hub.Close()
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		messenger.Close(ctx)
	}
	if err := tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping task processor")
	}

	return nil
}

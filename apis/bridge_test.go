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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/evtio/databridge/broker"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/mocks"
)

type bridgeAPITestFixture struct {
	uut       APIRestBridgeHandler
	mplex     *mocks.Multiplexer
	registry  *mocks.TopicRegistry
	producer  *mocks.Producer
	store     *mocks.KeyValueStore
	router    *mux.Router
	authRoute func(tenant string, next http.HandlerFunc) http.HandlerFunc
}

func defineBridgeAPITestFixture(t *testing.T) *bridgeAPITestFixture {
	assert := assert.New(t)

	fixture := &bridgeAPITestFixture{
		mplex:    new(mocks.Multiplexer),
		registry: new(mocks.TopicRegistry),
		producer: new(mocks.Producer),
		store:    new(mocks.KeyValueStore),
		router:   mux.NewRouter(),
	}
	var err error
	fixture.uut, err = GetAPIRestBridgeHandler(
		fixture.mplex, fixture.registry, fixture.producer, fixture.store,
		&common.HTTPConfig{
			Logging: common.HTTPRequestLogging{RequestIDHeader: "Databridge-Request-ID"},
		},
	)
	assert.Nil(err)

	// stand-in for the gateway auth middleware
	fixture.authRoute = func(tenant string, next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), tenantParam{}, tenant)
			next(w, r.WithContext(ctx))
		}
	}
	return fixture
}

func TestBridgeAPIHealthEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineBridgeAPITestFixture(t)

	// liveness always passes
	{
		recorder := httptest.NewRecorder()
		fixture.uut.AliveHandler()(recorder, httptest.NewRequest("GET", "/alive", nil))
		assert.Equal(http.StatusOK, recorder.Code)
	}

	// readiness follows the producer and the KV store
	{
		fixture.producer.On("Ready").Return(false).Once()
		recorder := httptest.NewRecorder()
		fixture.uut.ReadyHandler()(recorder, httptest.NewRequest("GET", "/ready", nil))
		assert.Equal(http.StatusInternalServerError, recorder.Code)
	}
	{
		fixture.producer.On("Ready").Return(true).Once()
		fixture.store.On("Ping", mock.Anything).Return(fmt.Errorf("dummy error")).Once()
		recorder := httptest.NewRecorder()
		fixture.uut.ReadyHandler()(recorder, httptest.NewRequest("GET", "/ready", nil))
		assert.Equal(http.StatusInternalServerError, recorder.Code)
	}
	{
		fixture.producer.On("Ready").Return(true).Once()
		fixture.store.On("Ping", mock.Anything).Return(nil).Once()
		recorder := httptest.NewRecorder()
		fixture.uut.ReadyHandler()(recorder, httptest.NewRequest("GET", "/ready", nil))
		assert.Equal(http.StatusOK, recorder.Code)
	}
}

func TestBridgeAPITokenEndpoint(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineBridgeAPITestFixture(t)
	fixture.router.HandleFunc(
		"/v1/realtime/token", fixture.authRoute("tenant-a", fixture.uut.GetTokenHandler()),
	).Methods("get")
	fixture.router.HandleFunc("/v1/realtime/token/open", fixture.uut.GetTokenHandler()).
		Methods("get")

	fixture.mplex.On("GetToken", "tenant-a", mock.Anything).Return("issued-token", nil).Once()

	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(
		recorder, httptest.NewRequest("GET", "/v1/realtime/token", nil),
	)
	assert.Equal(http.StatusOK, recorder.Code)
	var resp APIRestRespAccessToken
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&resp))
	assert.True(resp.Success)
	assert.Equal("issued-token", resp.Token)

	// request without a resolved tenant is rejected
	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(
		recorder, httptest.NewRequest("GET", "/v1/realtime/token/open", nil),
	)
	assert.Equal(http.StatusUnauthorized, recorder.Code)

	fixture.mplex.AssertExpectations(t)
}

func TestBridgeAPITopicResolution(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineBridgeAPITestFixture(t)
	fixture.router.HandleFunc(
		"/v1/topic/{subject}", fixture.authRoute("tenant-a", fixture.uut.GetTopicHandler()),
	).Methods("get")

	fixture.registry.On("Resolve", "tenant-a", "device-data", mock.Anything).Return(
		"resolved-topic", nil,
	).Once()

	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(
		recorder, httptest.NewRequest("GET", "/v1/topic/device-data", nil),
	)
	assert.Equal(http.StatusOK, recorder.Code)
	var resp APIRestRespTopic
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&resp))
	assert.True(resp.Success)
	assert.Equal("resolved-topic", resp.Topic)

	// resolution failures surface as server errors
	fixture.registry.On("Resolve", "tenant-a", "device-data", mock.Anything).Return(
		"", fmt.Errorf("dummy error"),
	).Once()
	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(
		recorder, httptest.NewRequest("GET", "/v1/topic/device-data", nil),
	)
	assert.Equal(http.StatusInternalServerError, recorder.Code)

	fixture.registry.AssertExpectations(t)
}

func TestBridgeAPIProfileEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	fixture := defineBridgeAPITestFixture(t)
	fixture.router.HandleFunc(
		"/v1/topic/{subject}/profile",
		fixture.authRoute("tenant-a", fixture.uut.GetTopicProfilesHandler()),
	).Methods("get")
	fixture.router.HandleFunc(
		"/v1/topic/{subject}/profile",
		fixture.authRoute("tenant-a", fixture.uut.SetTopicProfileHandler()),
	).Methods("post")
	fixture.router.HandleFunc(
		"/v1/topic/{subject}/profile/{tenant}",
		fixture.authRoute("tenant-a", fixture.uut.EditTopicProfileHandler()),
	).Methods("put")

	// listing
	stored := map[string]broker.TopicProfile{
		"tenant-a": {NumPartitions: 4, ReplicationFactor: 2},
		"*":        {NumPartitions: 1, ReplicationFactor: 1},
	}
	fixture.registry.On("GetProfiles", "device-data", mock.Anything).Return(stored, nil).Once()
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(
		recorder, httptest.NewRequest("GET", "/v1/topic/device-data/profile", nil),
	)
	assert.Equal(http.StatusOK, recorder.Code)
	var listResp APIRestRespTopicProfiles
	assert.Nil(json.NewDecoder(recorder.Body).Decode(&listResp))
	assert.True(listResp.Success)
	assert.Equal(stored, listResp.Profiles)

	// store for the calling tenant
	fixture.registry.On(
		"SetProfile", "tenant-a", "device-data",
		broker.TopicProfile{NumPartitions: 4, ReplicationFactor: 2}, mock.Anything,
	).Return(nil).Once()
	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, httptest.NewRequest(
		"POST", "/v1/topic/device-data/profile",
		bytes.NewBufferString(`{"num_partitions":4,"replication_factor":2}`),
	))
	assert.Equal(http.StatusOK, recorder.Code)

	// malformed body is rejected before the registry
	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, httptest.NewRequest(
		"POST", "/v1/topic/device-data/profile", bytes.NewBufferString(`not json`),
	))
	assert.Equal(http.StatusBadRequest, recorder.Code)
	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, httptest.NewRequest(
		"POST", "/v1/topic/device-data/profile",
		bytes.NewBufferString(`{"num_partitions":0,"replication_factor":2}`),
	))
	assert.Equal(http.StatusBadRequest, recorder.Code)

	// edit a named tenant, including the wildcard fallback
	fixture.registry.On(
		"SetProfile", "*", "device-data",
		broker.TopicProfile{NumPartitions: 2, ReplicationFactor: 1}, mock.Anything,
	).Return(nil).Once()
	recorder = httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, httptest.NewRequest(
		"PUT", "/v1/topic/device-data/profile/*",
		bytes.NewBufferString(`{"num_partitions":2,"replication_factor":1}`),
	))
	assert.Equal(http.StatusOK, recorder.Code)

	fixture.registry.AssertExpectations(t)
}

func TestTenantAuthMiddleware(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetTenantAuthMiddleware()

	var seenTenant string
	protected := uut.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := ReadTenantFromContext(r.Context())
		assert.Nil(err)
		seenTenant = tenant
		w.WriteHeader(http.StatusOK)
	}))

	// no authorization header
	recorder := httptest.NewRecorder()
	protected.ServeHTTP(recorder, httptest.NewRequest("GET", "/v1/realtime/token", nil))
	assert.Equal(http.StatusUnauthorized, recorder.Code)

	// malformed header
	request := httptest.NewRequest("GET", "/v1/realtime/token", nil)
	request.Header.Set("Authorization", "Basic abc123")
	recorder = httptest.NewRecorder()
	protected.ServeHTTP(recorder, request)
	assert.Equal(http.StatusUnauthorized, recorder.Code)

	// bearer token without the tenant claim
	emptyToken, err := jwt.NewWithClaims(
		jwt.SigningMethodHS256, jwt.MapClaims{"sub": "someone"},
	).SignedString([]byte("ut-secret"))
	assert.Nil(err)
	request = httptest.NewRequest("GET", "/v1/realtime/token", nil)
	request.Header.Set("Authorization", "Bearer "+emptyToken)
	recorder = httptest.NewRecorder()
	protected.ServeHTTP(recorder, request)
	assert.Equal(http.StatusUnauthorized, recorder.Code)

	// bearer token carrying the tenant
	token, err := jwt.NewWithClaims(
		jwt.SigningMethodHS256, jwt.MapClaims{"service": "tenant-a"},
	).SignedString([]byte("ut-secret"))
	assert.Nil(err)
	request = httptest.NewRequest("GET", "/v1/realtime/token", nil)
	request.Header.Set("Authorization", "Bearer "+token)
	recorder = httptest.NewRecorder()
	protected.ServeHTTP(recorder, request)
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Equal("tenant-a", seenTenant)
}

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
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/evtio/databridge/broker"
	"github.com/evtio/databridge/common"
	"github.com/evtio/databridge/multiplexer"
	"github.com/evtio/databridge/registry"
	"github.com/evtio/databridge/storage"
)

// APIRestBridgeHandler REST handler for the tenant facing bridge API
type APIRestBridgeHandler struct {
	goutils.RestAPIHandler
	mux      multiplexer.Multiplexer
	registry registry.TopicRegistry
	producer broker.Producer
	store    storage.KeyValueStore
	validate *validator.Validate
}

// GetAPIRestBridgeHandler define APIRestBridgeHandler
func GetAPIRestBridgeHandler(
	mplex multiplexer.Multiplexer,
	topicRegistry registry.TopicRegistry,
	producer broker.Producer,
	store storage.KeyValueStore,
	httpConfig *common.HTTPConfig,
) (APIRestBridgeHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "bridge-api",
	}
	return APIRestBridgeHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		mux:      mplex,
		registry: topicRegistry,
		producer: producer,
		store:    store,
		validate: validator.New(),
	}, nil
}

// Write logging support
func (h APIRestBridgeHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================
// Access Tokens

// APIRestRespAccessToken response for a token issuance request
type APIRestRespAccessToken struct {
	goutils.RestAPIBaseResponse
	// Token the single-use access token for the realtime attach endpoint
	Token string `json:"token"`
}

// GetToken godoc
// @Summary Issue a realtime access token
// @Description Issue a fresh single-use access token bound to the calling
// tenant, redeemable once on the realtime attach endpoint within its expiry
// window
// @tags Bridge
// @Produce json
// @Param Databridge-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAccessToken "success"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/realtime/token [get]
func (h APIRestBridgeHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	tenant, err := ReadTenantFromContext(r.Context())
	if err != nil {
		msg := "No tenant associated with request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	token, err := h.mux.GetToken(tenant, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Failed to issue token for tenant %s", tenant)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespAccessToken{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Token: token,
	}
}

// GetTokenHandler Wrapper around GetToken
func (h APIRestBridgeHandler) GetTokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetToken(w, r)
	}
}

// =======================================================================
// Topics

// APIRestRespTopic response for a topic resolution request
type APIRestRespTopic struct {
	goutils.RestAPIBaseResponse
	// Topic the authoritative broker topic of the (tenant, subject) pair
	Topic string `json:"topic"`
}

// GetTopic godoc
// @Summary Resolve the topic of a subject
// @Description Resolve the authoritative broker topic name the calling tenant
// uses for a subject, creating the topic on first resolution
// @tags Bridge
// @Produce json
// @Param Databridge-Request-ID header string false "User provided request ID to match against logs"
// @Param subject path string true "Message subject"
// @Success 200 {object} APIRestRespTopic "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{subject} [get]
func (h APIRestBridgeHandler) GetTopic(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	tenant, err := ReadTenantFromContext(r.Context())
	if err != nil {
		msg := "No tenant associated with request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusUnauthorized
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error())
		return
	}

	subject, ok := mux.Vars(r)["subject"]
	if !ok || subject == "" {
		msg := "No subject provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	topic, err := h.registry.Resolve(tenant, subject, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Failed to resolve topic for subject %s", subject)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespTopic{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Topic: topic,
	}
}

// GetTopicHandler Wrapper around GetTopic
func (h APIRestBridgeHandler) GetTopicHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetTopic(w, r)
	}
}

// =======================================================================
// Topic Profiles

// APIRestRespTopicProfiles response for a profile listing request
type APIRestRespTopicProfiles struct {
	goutils.RestAPIBaseResponse
	// Profiles the per-tenant topic profiles of the subject, the wildcard
	// fallback keyed by "*"
	Profiles map[string]broker.TopicProfile `json:"profiles"`
}

// GetTopicProfiles godoc
// @Summary List the topic profiles of a subject
// @Description List the topic creation profiles every tenant carries for a
// subject, keyed by tenant; the wildcard fallback appears under "*"
// @tags Bridge
// @Produce json
// @Param Databridge-Request-ID header string false "User provided request ID to match against logs"
// @Param subject path string true "Message subject"
// @Success 200 {object} APIRestRespTopicProfiles "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{subject}/profile [get]
func (h APIRestBridgeHandler) GetTopicProfiles(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subject, ok := mux.Vars(r)["subject"]
	if !ok || subject == "" {
		msg := "No subject provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	profiles, err := h.registry.GetProfiles(subject, r.Context())
	if err != nil {
		msg := fmt.Sprintf("Failed to list profiles for subject %s", subject)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespTopicProfiles{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Profiles: profiles,
	}
}

// GetTopicProfilesHandler Wrapper around GetTopicProfiles
func (h APIRestBridgeHandler) GetTopicProfilesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetTopicProfiles(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestReqTopicProfile topic creation parameters of a (tenant, subject) pair
type APIRestReqTopicProfile struct {
	// NumPartitions partition count used when creating the topic
	NumPartitions int `json:"num_partitions" validate:"required,gte=1"`
	// ReplicationFactor replication factor used when creating the topic
	ReplicationFactor int `json:"replication_factor" validate:"required,gte=1"`
}

// SetTopicProfile godoc
// @Summary Store the calling tenant's topic profile for a subject
// @Description Store the topic creation profile the calling tenant uses for a
// subject. Topics already created from an earlier profile are not reshaped.
// @tags Bridge
// @Accept json
// @Produce json
// @Param Databridge-Request-ID header string false "User provided request ID to match against logs"
// @Param subject path string true "Message subject"
// @Param profile body APIRestReqTopicProfile true "Topic creation profile"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{subject}/profile [post]
func (h APIRestBridgeHandler) SetTopicProfile(w http.ResponseWriter, r *http.Request) {
	tenant, err := ReadTenantFromContext(r.Context())
	if err != nil {
		localLogTags := h.GetLogTagsForContext(r.Context())
		msg := "No tenant associated with request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w, http.StatusUnauthorized,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusUnauthorized, msg, err.Error()), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	h.storeProfile(w, r, tenant)
}

// SetTopicProfileHandler Wrapper around SetTopicProfile
func (h APIRestBridgeHandler) SetTopicProfileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SetTopicProfile(w, r)
	}
}

// -----------------------------------------------------------------------

// EditTopicProfile godoc
// @Summary Store the topic profile of a named tenant for a subject
// @Description Store the topic creation profile a named tenant uses for a
// subject; "*" addresses the wildcard fallback profile
// @tags Bridge
// @Accept json
// @Produce json
// @Param Databridge-Request-ID header string false "User provided request ID to match against logs"
// @Param subject path string true "Message subject"
// @Param tenant path string true "Tenant, or * for the wildcard fallback"
// @Param profile body APIRestReqTopicProfile true "Topic creation profile"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/topic/{subject}/profile/{tenant} [put]
func (h APIRestBridgeHandler) EditTopicProfile(w http.ResponseWriter, r *http.Request) {
	tenant, ok := mux.Vars(r)["tenant"]
	if !ok || tenant == "" {
		localLogTags := h.GetLogTagsForContext(r.Context())
		msg := "No tenant provided"
		log.WithFields(localLogTags).Error(msg)
		if err := h.WriteRESTResponse(
			w, http.StatusBadRequest,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}
	h.storeProfile(w, r, tenant)
}

// EditTopicProfileHandler Wrapper around EditTopicProfile
func (h APIRestBridgeHandler) EditTopicProfileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EditTopicProfile(w, r)
	}
}

// storeProfile shared profile write path of SetTopicProfile and EditTopicProfile
func (h APIRestBridgeHandler) storeProfile(
	w http.ResponseWriter, r *http.Request, tenant string,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	subject, ok := mux.Vars(r)["subject"]
	if !ok || subject == "" {
		msg := "No subject provided"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	var profile APIRestReqTopicProfile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&profile); err != nil {
		msg := "Bad request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.registry.SetProfile(
		tenant, subject, broker.TopicProfile{
			NumPartitions:     profile.NumPartitions,
			ReplicationFactor: profile.ReplicationFactor,
		}, r.Context(),
	); err != nil {
		msg := fmt.Sprintf("Failed to store profile of %s for subject %s", tenant, subject)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For bridge REST API liveness check
// @Description Will return success to indicate the bridge REST API is live
// @tags Bridge
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestBridgeHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBridgeHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For bridge REST API readiness check
// @Description Will return success once the broker producer and the KV store
// are both answering
// @tags Bridge
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestBridgeHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if !h.producer.Ready() {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "broker producer not ready",
		)
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestBridgeHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

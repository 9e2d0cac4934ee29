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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"

	"github.com/evtio/databridge/common"
)

// tenantParam request context key carrying the caller's tenant
type tenantParam struct{}

// ReadTenantFromContext fetch the authenticated tenant of a request
func ReadTenantFromContext(ctxt context.Context) (string, error) {
	if tenant, ok := ctxt.Value(tenantParam{}).(string); ok && tenant != "" {
		return tenant, nil
	}
	return "", fmt.Errorf("request carries no authenticated tenant")
}

// TenantAuthMiddleware resolves the calling tenant from the request's bearer
// token. The token arrives pre-verified by the API gateway fronting this
// service, so only the claim set is read; the tenant sits in the "service"
// claim.
type TenantAuthMiddleware struct {
	common.Component
	parser *jwt.Parser
}

// GetTenantAuthMiddleware define TenantAuthMiddleware
func GetTenantAuthMiddleware() TenantAuthMiddleware {
	logTags := log.Fields{
		"module": "rest", "component": "tenant-auth",
	}
	return TenantAuthMiddleware{
		Component: common.Component{LogTags: logTags}, parser: jwt.NewParser(),
	}
}

// Middleware attach tenant resolution to a handler chain. Requests without a
// usable tenant claim are rejected before reaching any handler.
func (m TenantAuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, err := m.parseTenant(r)
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Debugf(
				"Rejected un-authenticated request %s %s", r.Method, r.URL.Path,
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false, "error": err.Error(),
			})
			return
		}
		ctx := context.WithValue(r.Context(), tenantParam{}, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// parseTenant extract the tenant claim from the authorization header
func (m TenantAuthMiddleware) parseTenant(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("malformed authorization header")
	}
	claims := jwt.MapClaims{}
	if _, _, err := m.parser.ParseUnverified(parts[1], claims); err != nil {
		return "", fmt.Errorf("unable to parse bearer token: %w", err)
	}
	tenant, ok := claims["service"].(string)
	if !ok || tenant == "" {
		return "", fmt.Errorf("bearer token carries no tenant")
	}
	return tenant, nil
}

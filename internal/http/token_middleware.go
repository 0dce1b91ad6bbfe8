package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const tokenHeader = "X-Telemetry-Token"

// requireToken gates trigger and ingestion endpoints behind the shared
// service token. An unconfigured token disables the gate, which keeps local
// development friction-free; production deployments always set one.
func (r *Router) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.ingestToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get(tokenHeader))
		if token == "" {
			if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.ingestToken)) != 1 {
			r.logger.Warn("rejected request with invalid service token", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid service token")
			return
		}
		next(w, req)
	}
}

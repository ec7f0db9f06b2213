package versioning

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

const (
	// AcceptVersionHeader lets a client pin the API version it expects.
	AcceptVersionHeader = "Accept-Version"
	// CurrentVersionHeader reports the version the server actually serves.
	CurrentVersionHeader = "X-API-Version"
)

// Middleware stamps every response with the served API version and
// rejects clients pinned to an incompatible one. Requests without an
// Accept-Version header always pass.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(CurrentVersionHeader, Current.String())

			requested := r.Header.Get(AcceptVersionHeader)
			if requested != "" {
				version, err := Parse(requested)
				if err != nil || !Current.Compatible(version) {
					logger.WithFields(logrus.Fields{
						"requested": requested,
						"current":   Current.String(),
					}).Warn("Rejected incompatible API version request")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error":   "unsupported API version",
						"current": Current.String(),
					})
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

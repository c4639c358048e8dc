package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/gatekeeper/internal/domain"
)

const operatorRealm = `Basic realm="gatekeeper-operator", charset="UTF-8"`

// OperatorGuard puts operator routes such as /metrics behind HTTP basic auth.
// With no credentials configured it lets everything through.
type OperatorGuard struct {
	user    [sha256.Size]byte
	pass    [sha256.Size]byte
	enabled bool
	logger  *slog.Logger
}

// NewOperatorGuard creates a guard for the given credentials.
func NewOperatorGuard(username, password string, logger *slog.Logger) *OperatorGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorGuard{
		user:    sha256.Sum256([]byte(username)),
		pass:    sha256.Sum256([]byte(password)),
		enabled: username != "" || password != "",
		logger:  logger,
	}
}

// Enabled reports whether credentials are required.
func (g *OperatorGuard) Enabled() bool {
	return g.enabled
}

// Protect wraps next with the credential check.
func (g *OperatorGuard) Protect(next http.Handler) http.Handler {
	if !g.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}

		g.logger.Warn("operator auth rejected",
			"ip", ClientIP(r),
			"path", r.URL.Path,
		)
		w.Header().Set("WWW-Authenticate", operatorRealm)
		writeError(w, http.StatusUnauthorized, domain.EUNAUTHORIZED, "Operator credentials required.")
	})
}

// authorized compares fixed-size digests so neither the lengths nor the
// position of the first differing byte leak through timing.
func (g *OperatorGuard) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	u := sha256.Sum256([]byte(user))
	p := sha256.Sum256([]byte(pass))
	userOK := subtle.ConstantTimeCompare(u[:], g.user[:])
	passOK := subtle.ConstantTimeCompare(p[:], g.pass[:])
	return userOK&passOK == 1
}

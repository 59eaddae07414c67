package syncer

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials authenticate one session against the sync service.
type Credentials struct {
	// Endpoint is the service base URL, e.g. https://sync.example.com.
	Endpoint string

	// Token is the bearer token sent as "Authorization: Token <token>".
	Token string
}

// ExpiresAt returns the token's expiry when Token is a JWT carrying an exp
// claim. The token is not verified here; the service does that.
func (c Credentials) ExpiresAt() (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Uploaded is the (empty) success value of an upload invocation.
type Uploaded struct{}

// BackendConnector is the application-supplied bridge to its backend. Both
// methods are invoked from the engine goroutine and must resolve their
// completion exactly once, from any goroutine; they may be invoked again
// while an earlier invocation is still outstanding on the application side.
type BackendConnector interface {
	// FetchCredentials obtains fresh credentials for the sync service.
	FetchCredentials(c *Completion[Credentials])

	// UploadData makes the remote side durably reflect pending local
	// transactions. The connector reads transactions from the database it
	// was built for and completes each one it uploaded before resolving.
	UploadData(c *Completion[Uploaded])
}

// Package identity resolves the authenticated caller of a request. The core
// takes a Resolver and never looks at environment configuration itself: the
// trusted (JWT) strategy is wired in production, the asserted (header)
// strategy in tests and local setups.
package identity

import (
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/gin-gonic/gin"
	adapter "github.com/gwatts/gin-adapter"
)

// Resolver extracts the caller's subject from a request.
type Resolver interface {
	Subject(c *gin.Context) (string, bool)
}

// TokenResolver reads the subject from a JWT that Middleware has already
// validated. It returns false when no validated token is present.
type TokenResolver struct{}

func (TokenResolver) Subject(c *gin.Context) (string, bool) {
	claims, ok := c.Request.Context().Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !ok {
		return "", false
	}
	return claims.RegisteredClaims.Subject, true
}

// HeaderResolver accepts whatever subject the caller asserts in a header.
// Only for test and local configurations.
type HeaderResolver struct {
	// Header defaults to X-User-ID.
	Header string
}

func (r HeaderResolver) Subject(c *gin.Context) (string, bool) {
	h := r.Header
	if h == "" {
		h = "X-User-ID"
	}
	v := c.GetHeader(h)
	return v, v != ""
}

// Middleware builds the token-validation middleware backing TokenResolver.
func Middleware(domain, audience string) (gin.HandlerFunc, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, err
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)
	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
	)
	if err != nil {
		return nil, err
	}

	m := jwtmiddleware.New(jwtValidator.ValidateToken)
	return adapter.Wrap(m.CheckJWT), nil
}

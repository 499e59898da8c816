package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	adminKey = "asmux.admin"
	userKey  = "asmux.user"
)

// Authenticator checks management API tokens. The shared secret grants access to everything,
// user API tokens only to the resources of the user.
type Authenticator struct {
	sharedSecret string
	users        database.UserStorage
}

func abortWithError(c *gin.Context, err mxerror.Error) {
	c.AbortWithStatusJSON(err.Status, err)
}

// Middleware rejects requests without a valid token
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			abortWithError(c, mxerror.MissingToken)
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		if a.sharedSecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.sharedSecret)) == 1 {
			c.Set(adminKey, true)
			c.Next()
			return
		}
		user, err := a.users.FindUserByAPIToken(c.Request.Context(), token)
		if errors.Is(err, database.ErrNotFound) {
			abortWithError(c, mxerror.UnknownToken)
			return
		} else if err != nil {
			logrus.Errorf("Failed to find user by API token: %v", err)
			abortWithError(c, mxerror.Unknown)
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

func isAdmin(c *gin.Context) bool {
	return c.GetBool(adminKey)
}

// authorizeOwner aborts the request unless it may access resources of owner
func authorizeOwner(c *gin.Context, owner string) bool {
	if isAdmin(c) {
		return true
	}
	if user, ok := c.Get(userKey); ok && user.(*database.User).ID == owner {
		return true
	}
	abortWithError(c, mxerror.Forbidden.WithMessage("You can only manage your own bridges"))
	return false
}

func requireAdmin(c *gin.Context) {
	if !isAdmin(c) {
		abortWithError(c, mxerror.Forbidden.WithMessage("Only the shared secret can be used here"))
		return
	}
	c.Next()
}

func respondError(c *gin.Context, err error) {
	var mxErr mxerror.Error
	if errors.As(err, &mxErr) {
		abortWithError(c, mxErr)
		return
	}
	if errors.Is(err, database.ErrNotFound) {
		abortWithError(c, mxerror.NotFound)
		return
	}
	logrus.Errorf("Management API request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, mxerror.Unknown)
}

// NewAuthenticator creates Authenticator instances
func NewAuthenticator(sharedSecret string, users database.UserStorage) *Authenticator {
	return &Authenticator{sharedSecret: sharedSecret, users: users}
}

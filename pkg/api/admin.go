// Package api contains the management API used for provisioning users and their bridges
package api

import (
	"github.com/gin-gonic/gin"
)

// Prefix is the path the management API is mounted at
const Prefix = "/_matrix/asmux"

// Controller contains a set of functionalities for the API
type Controller interface {
	registerRoutes(r *gin.RouterGroup, auth gin.HandlerFunc)
}

// NewManagementAPI bootstraps the creation of the gin engine
func NewManagementAPI(authenticator *Authenticator, controllers []Controller) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	group := r.Group(Prefix)
	for _, controller := range controllers {
		controller.registerRoutes(group, authenticator.Middleware())
	}
	group.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})
	return r
}

package api

import (
	"context"
	"net/http"

	"github.com/beeper/asmux/pkg/database"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Invalidator keeps the caches of all asmux instances coherent
type Invalidator interface {
	InvalidateUser(ctx context.Context, id string) error
	InvalidateAppService(ctx context.Context, id uuid.UUID) error
	InvalidateRoom(ctx context.Context, id string) error
	AnnounceWebsocket(ctx context.Context, azID uuid.UUID) error
}

type usersController struct {
	storage     database.Storage
	invalidator Invalidator
	remover     *appServiceRemover
}

type userResponse struct {
	ID         string `json:"id"`
	APIToken   string `json:"api_token"`
	LoginToken string `json:"login_token"`
	ManagerURL string `json:"manager_url,omitempty"`
}

func (uc *usersController) registerRoutes(r *gin.RouterGroup, auth gin.HandlerFunc) {
	users := r.Group("/user", auth, requireAdmin)
	users.PUT("/:id", func(c *gin.Context) {
		user, err := uc.storage.GetOrCreateUser(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, userResponse(*user))
	})
	users.GET("/:id", func(c *gin.Context) {
		user, err := uc.storage.GetUser(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, userResponse(*user))
	})
	users.DELETE("/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		appservices, listErr := uc.storage.ListAppServices(ctx, id)
		if listErr != nil {
			respondError(c, listErr)
			return
		}
		for _, az := range appservices {
			if err := uc.remover.remove(ctx, az); err != nil {
				respondError(c, err)
				return
			}
		}
		if err := uc.storage.DeleteUser(ctx, id); err != nil {
			respondError(c, err)
			return
		}
		if err := uc.invalidator.InvalidateUser(ctx, id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
}

// NewUsersController allows provisioning asmux users. Deleting a user deletes their bridges too.
func NewUsersController(deps AppServiceDependencies) Controller {
	return &usersController{
		storage:     deps.Storage,
		invalidator: deps.Invalidator,
		remover: &appServiceRemover{
			storage:      deps.Storage,
			invalidator:  deps.Invalidator,
			disconnector: deps.Disconnector,
			onDelete:     deps.OnDelete,
		},
	}
}

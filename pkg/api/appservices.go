package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beeper/asmux/pkg/bridgestate"
	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/beeper/asmux/pkg/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConfigPasswordHeader carries the one-time password of the config endpoint
const ConfigPasswordHeader = "X-Config-Password"

// Pinger asks bridges for their state
type Pinger interface {
	Ping(ctx context.Context, az *database.AppService) bridgestate.GlobalState
}

// Commander runs commands on bridges connected over a websocket
type Commander interface {
	PostCommand(ctx context.Context, az *database.AppService, command string, data json.RawMessage) (json.RawMessage, error)
}

// Disconnector closes the websocket of a bridge on this instance
type Disconnector interface {
	CloseStale(azID uuid.UUID)
}

// Settings describe the user ID namespace of asmux and the secrets handed to bridges
type Settings struct {
	MXIDPrefix        string
	MXIDSuffix        string
	LoginSharedSecret string
}

// AppServiceDependencies are the collaborators of the appservice controller
type AppServiceDependencies struct {
	Storage      database.Storage
	Invalidator  Invalidator
	Pinger       Pinger
	Commander    Commander
	Disconnector Disconnector
	// OnDelete is called with the ID of every deleted appservice
	OnDelete []func(azID uuid.UUID)
}

type appServiceRemover struct {
	storage      database.AppServiceStorage
	invalidator  Invalidator
	disconnector Disconnector
	onDelete     []func(azID uuid.UUID)
}

// remove deletes the appservice and disconnects it on every instance
func (r *appServiceRemover) remove(ctx context.Context, az *database.AppService) error {
	logrus.WithField("appservice", az.Name()).Info("Deleting appservice")
	if err := r.storage.DeleteAppService(ctx, az); err != nil {
		return err
	}
	r.disconnector.CloseStale(az.ID)
	for _, callback := range r.onDelete {
		callback(az.ID)
	}
	if err := r.invalidator.AnnounceWebsocket(ctx, az.ID); err != nil {
		return fmt.Errorf("failed to disconnect deleted appservice on other instances: %w", err)
	}
	return r.invalidator.InvalidateAppService(ctx, az.ID)
}

type appServicesController struct {
	settings Settings
	deps     AppServiceDependencies
	remover  *appServiceRemover
}

type appServiceRequest struct {
	Address *string `json:"address"`
	Push    *bool   `json:"push"`
	Bot     string  `json:"bot"`
}

type appServiceResponse struct {
	ID                uuid.UUID `json:"id"`
	Owner             string    `json:"owner"`
	Prefix            string    `json:"prefix"`
	ASToken           string    `json:"as_token"`
	HSToken           string    `json:"hs_token"`
	BotMXID           string    `json:"bot_mxid"`
	MXIDPrefix        string    `json:"mxid_prefix"`
	MXIDSuffix        string    `json:"mxid_suffix"`
	Address           string    `json:"address"`
	Push              bool      `json:"push"`
	LoginSharedSecret string    `json:"login_shared_secret,omitempty"`
}

func (ac *appServicesController) describe(az *database.AppService) appServiceResponse {
	mxidPrefix := fmt.Sprintf("%s%s_%s_", ac.settings.MXIDPrefix, az.Owner, az.Prefix)
	return appServiceResponse{
		ID:                az.ID,
		Owner:             az.Owner,
		Prefix:            az.Prefix,
		ASToken:           az.RealASToken(),
		HSToken:           az.HSToken,
		BotMXID:           mxidPrefix + az.Bot + ac.settings.MXIDSuffix,
		MXIDPrefix:        mxidPrefix,
		MXIDSuffix:        ac.settings.MXIDSuffix,
		Address:           az.Address,
		Push:              az.Push,
		LoginSharedSecret: ac.settings.LoginSharedSecret,
	}
}

// loadAppService finds the appservice in the path, after checking the caller may access it
func (ac *appServicesController) loadAppService(c *gin.Context) (*database.AppService, bool) {
	owner := c.Param("owner")
	if !authorizeOwner(c, owner) {
		return nil, false
	}
	az, err := ac.deps.Storage.FindAppService(c.Request.Context(), owner, c.Param("prefix"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return az, true
}

func (ac *appServicesController) list(c *gin.Context) {
	owner := c.Param("owner")
	if !authorizeOwner(c, owner) {
		return
	}
	appservices, err := ac.deps.Storage.ListAppServices(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	response := make([]appServiceResponse, 0, len(appservices))
	for _, az := range appservices {
		response = append(response, ac.describe(az))
	}
	c.JSON(http.StatusOK, response)
}

func (ac *appServicesController) put(c *gin.Context) {
	owner := c.Param("owner")
	if !authorizeOwner(c, owner) {
		return
	}
	var req appServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, mxerror.NotJSON)
		return
	}
	ctx := c.Request.Context()
	user, userErr := ac.deps.Storage.GetUser(ctx, owner)
	if userErr != nil {
		respondError(c, userErr)
		return
	}
	opts := database.DefaultAppServiceOptions()
	if req.Bot != "" {
		opts.Bot = req.Bot
	}
	if req.Address != nil {
		opts.Address = *req.Address
	}
	if req.Push != nil {
		opts.Push = *req.Push
	}
	az, created, err := ac.deps.Storage.FindOrCreateAppService(ctx, user, c.Param("prefix"), opts)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		logrus.WithField("appservice", az.Name()).Info("Created appservice")
	} else if changed, updateErr := ac.update(ctx, az, req); updateErr != nil {
		respondError(c, updateErr)
		return
	} else if changed {
		if invalidateErr := ac.deps.Invalidator.InvalidateAppService(ctx, az.ID); invalidateErr != nil {
			respondError(c, invalidateErr)
			return
		}
	}
	c.JSON(status, ac.describe(az))
}

func (ac *appServicesController) update(ctx context.Context, az *database.AppService, req appServiceRequest) (bool, error) {
	changed := false
	if req.Address != nil && *req.Address != az.Address {
		if err := ac.deps.Storage.SetAddress(ctx, az, *req.Address); err != nil {
			return false, err
		}
		changed = true
	}
	if req.Push != nil && *req.Push != az.Push {
		if err := ac.deps.Storage.SetPush(ctx, az, *req.Push); err != nil {
			return false, err
		}
		changed = true
	}
	return changed, nil
}

func (ac *appServicesController) exec(c *gin.Context) {
	az, ok := ac.loadAppService(c)
	if !ok {
		return
	}
	if az.Push {
		abortWithError(c, mxerror.WebsocketNotEnabled)
		return
	}
	data, readErr := io.ReadAll(c.Request.Body)
	if readErr != nil {
		abortWithError(c, mxerror.BadRequest)
		return
	}
	if len(data) > 0 && !json.Valid(data) {
		abortWithError(c, mxerror.NotJSON)
		return
	}
	response, err := ac.deps.Commander.PostCommand(c.Request.Context(), az, c.Param("command"), data)
	var errResp *websocket.ErrorResponse
	switch {
	case err == nil:
		if len(response) == 0 {
			response = json.RawMessage("{}")
		}
		c.Data(http.StatusOK, "application/json", response)
	case errors.Is(err, websocket.ErrNotConnected), errors.Is(err, websocket.ErrClosed):
		abortWithError(c, mxerror.WebsocketNotConnected)
	case errors.Is(err, context.DeadlineExceeded):
		abortWithError(c, mxerror.BridgeTimeout)
	case errors.As(err, &errResp):
		abortWithError(c, mxerror.Error{Status: http.StatusBadRequest, ErrCode: errResp.Code, Message: errResp.Message})
	default:
		respondError(c, err)
	}
}

type passwordRequest struct {
	// Lifetime in seconds, the password never expires if it is not set
	Lifetime int64 `json:"lifetime"`
}

func (ac *appServicesController) password(c *gin.Context) {
	az, ok := ac.loadAppService(c)
	if !ok {
		return
	}
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, mxerror.NotJSON)
		return
	}
	password, hash, expiry, genErr := database.GeneratePassword(time.Duration(req.Lifetime)*time.Second, time.Now())
	if genErr != nil {
		respondError(c, genErr)
		return
	}
	ctx := c.Request.Context()
	if err := ac.deps.Storage.SetConfigPassword(ctx, az, hash, expiry); err != nil {
		respondError(c, err)
		return
	}
	if err := ac.deps.Invalidator.InvalidateAppService(ctx, az.ID); err != nil {
		respondError(c, err)
		return
	}
	response := gin.H{"password": password}
	if expiry != nil {
		response["expires_at"] = *expiry
	}
	c.JSON(http.StatusOK, response)
}

// deleteRoom stops routing events of a room to the bridge, until one of the bridge users
// joins it again
func (ac *appServicesController) deleteRoom(c *gin.Context) {
	az, ok := ac.loadAppService(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	room, err := ac.deps.Storage.GetRoom(ctx, c.Param("roomID"))
	if err != nil {
		respondError(c, err)
		return
	} else if room.Owner != az.ID {
		abortWithError(c, mxerror.NotFound.WithMessage("Room is not owned by this appservice"))
		return
	}
	if !room.Deleted {
		if err := ac.deps.Storage.SetRoomDeleted(ctx, room, true); err != nil {
			respondError(c, err)
			return
		}
		logrus.WithField("appservice", az.Name()).Infof("Marked %s as deleted", room.ID)
	}
	if err := ac.deps.Invalidator.InvalidateRoom(ctx, room.ID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (ac *appServicesController) config(c *gin.Context) {
	az, err := ac.deps.Storage.FindAppService(c.Request.Context(), c.Param("owner"), c.Param("prefix"))
	if errors.Is(err, database.ErrNotFound) {
		abortWithError(c, mxerror.Forbidden.WithMessage("Invalid config password"))
		return
	} else if err != nil {
		respondError(c, err)
		return
	}
	if !az.CheckPassword(c.GetHeader(ConfigPasswordHeader), time.Now()) {
		abortWithError(c, mxerror.Forbidden.WithMessage("Invalid config password"))
		return
	}
	c.JSON(http.StatusOK, ac.describe(az))
}

func (ac *appServicesController) registerRoutes(r *gin.RouterGroup, auth gin.HandlerFunc) {
	r.GET("/appservice/:owner/:prefix/config", ac.config)

	protected := r.Group("/appservice", auth)
	protected.GET("/:owner", ac.list)
	protected.PUT("/:owner/:prefix", ac.put)
	protected.GET("/:owner/:prefix", func(c *gin.Context) {
		if az, ok := ac.loadAppService(c); ok {
			c.JSON(http.StatusOK, ac.describe(az))
		}
	})
	protected.DELETE("/:owner/:prefix", func(c *gin.Context) {
		az, ok := ac.loadAppService(c)
		if !ok {
			return
		}
		if err := ac.remover.remove(c.Request.Context(), az); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})
	protected.POST("/:owner/:prefix/ping", func(c *gin.Context) {
		if az, ok := ac.loadAppService(c); ok {
			c.JSON(http.StatusOK, ac.deps.Pinger.Ping(c.Request.Context(), az))
		}
	})
	protected.POST("/:owner/:prefix/exec/:command", ac.exec)
	protected.DELETE("/:owner/:prefix/room/:roomID", ac.deleteRoom)
	protected.POST("/:owner/:prefix/password", ac.password)
}

// NewAppServicesController allows managing the bridges of users
func NewAppServicesController(settings Settings, deps AppServiceDependencies) Controller {
	return &appServicesController{
		settings: settings,
		deps:     deps,
		remover: &appServiceRemover{
			storage:      deps.Storage,
			invalidator:  deps.Invalidator,
			disconnector: deps.Disconnector,
			onDelete:     deps.OnDelete,
		},
	}
}

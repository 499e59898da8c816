// Package clientproxy forwards client-server API requests of bridges to the homeserver
package clientproxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AppServiceGetter loads appservices by ID
type AppServiceGetter interface {
	GetAppService(ctx context.Context, id uuid.UUID) (*database.AppService, error)
}

// Settings configure the Proxy
type Settings struct {
	Homeserver string
	ASToken    string
	MXIDPrefix string
	MXIDSuffix string
}

// Proxy authenticates bridges with their own token and forwards their requests with the
// token of asmux, limited to the user IDs of the bridge
type Proxy struct {
	settings Settings
	storage  AppServiceGetter
	proxy    *httputil.ReverseProxy
}

type contextKey struct{}

func accessToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// FindAppService authenticates the request. The token of a bridge is "{appservice id}-{as_token}".
func (p *Proxy) FindAppService(r *http.Request) (*database.AppService, error) {
	token := accessToken(r)
	if token == "" {
		return nil, mxerror.MissingToken
	}
	// uuid.UUID.String() is always 36 characters long
	if len(token) < 38 || token[36] != '-' {
		return nil, mxerror.UnknownToken
	}
	id, parseErr := uuid.Parse(token[:36])
	if parseErr != nil {
		return nil, mxerror.UnknownToken
	}
	az, err := p.storage.GetAppService(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, mxerror.UnknownToken
	} else if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(az.ASToken), []byte(token[37:])) != 1 {
		return nil, mxerror.UnknownToken
	}
	return az, nil
}

// BotMXID returns the user ID of the bridge bot
func (p *Proxy) BotMXID(az *database.AppService) string {
	return fmt.Sprintf("%s%s_%s_%s%s", p.settings.MXIDPrefix, az.Owner, az.Prefix, az.Bot, p.settings.MXIDSuffix)
}

// InNamespace returns true if the user ID belongs to the bridge
func (p *Proxy) InNamespace(az *database.AppService, userID string) bool {
	prefix := fmt.Sprintf("%s%s_%s_", p.settings.MXIDPrefix, az.Owner, az.Prefix)
	return strings.HasPrefix(userID, prefix) && strings.HasSuffix(userID, p.settings.MXIDSuffix) &&
		len(userID) > len(prefix)+len(p.settings.MXIDSuffix)
}

func writeError(w http.ResponseWriter, err error) {
	var mxErr mxerror.Error
	if errors.As(err, &mxErr) {
		mxErr.Write(w)
		return
	}
	logrus.Errorf("Failed to authenticate client request: %v", err)
	mxerror.Unknown.Write(w)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	az, authErr := p.FindAppService(r)
	if authErr != nil {
		writeError(w, authErr)
		return
	}
	query := r.URL.Query()
	userID := query.Get("user_id")
	if userID == "" {
		userID = p.BotMXID(az)
	} else if !p.InNamespace(az, userID) {
		mxerror.Forbidden.WithMessage("Application service cannot masquerade as this user.").Write(w)
		return
	}
	query.Set("user_id", userID)
	query.Del("access_token")
	outgoing := r.Clone(context.WithValue(r.Context(), contextKey{}, az))
	outgoing.URL.RawQuery = query.Encode()
	p.proxy.ServeHTTP(w, outgoing)
}

// NewProxy creates Proxy instances
func NewProxy(settings Settings, storage AppServiceGetter) (*Proxy, error) {
	target, parseErr := url.Parse(settings.Homeserver)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", parseErr)
	}
	p := &Proxy{settings: settings, storage: storage}
	p.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Set("Authorization", "Bearer "+settings.ASToken)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger := logrus.WithField("path", r.URL.Path)
			if az, ok := r.Context().Value(contextKey{}).(*database.AppService); ok {
				logger = logger.WithField("appservice", az.Name())
			}
			logger.Warnf("Failed to proxy request to homeserver: %v", err)
			mxerror.BadGateway.Write(w)
		},
	}
	return p, nil
}

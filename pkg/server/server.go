// Package server is the HTTP surface of asmux facing the homeserver and the bridges
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	seenTransactions = 1024
	shutdownTimeout  = 10 * time.Second
)

// TransactionHandler splits transactions of the homeserver between bridges
type TransactionHandler interface {
	HandleTransaction(ctx context.Context, txnID string, txn *events.Transaction) (map[string]bool, error)
}

// Websockets serves bridges connected over a websocket
type Websockets interface {
	HandleWS(w http.ResponseWriter, r *http.Request, az *database.AppService)
	PostSyncProxyError(ctx context.Context, az *database.AppService, txnID string, data json.RawMessage) (string, error)
	Stop()
}

// ClientProxy forwards client-server API requests of bridges
type ClientProxy interface {
	http.Handler
	FindAppService(r *http.Request) (*database.AppService, error)
}

// AppServiceGetter loads appservices by ID
type AppServiceGetter interface {
	GetAppService(ctx context.Context, id uuid.UUID) (*database.AppService, error)
}

// Settings configure the Server
type Settings struct {
	Address string
	HSToken string
}

// Server routes requests of the homeserver and the bridges
type Server struct {
	settings     Settings
	server       *http.Server
	transactions TransactionHandler
	websockets   Websockets
	proxy        ClientProxy
	storage      AppServiceGetter
	seen         *lru.Cache[string, struct{}]
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Debugf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var mxErr mxerror.Error
	if errors.As(err, &mxErr) {
		mxErr.Write(w)
		return
	}
	logrus.Errorf("Request failed: %v", err)
	mxerror.Unknown.Write(w)
}

// requireHSToken only lets requests of the homeserver through
func (s *Server) requireHSToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			mxerror.MissingToken.Write(w)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.settings.HSToken)) != 1 {
			mxerror.Forbidden.WithMessage("Incorrect hs_token").Write(w)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["txnID"]
	// the ID is reserved up front so that a concurrent retry isn't handled twice
	if seen, _ := s.seen.ContainsOrAdd(txnID, struct{}{}); seen {
		logrus.WithField("txn_id", txnID).Debug("Ignoring duplicate transaction")
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	var txn events.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		s.seen.Remove(txnID)
		mxerror.NotJSON.Write(w)
		return
	}
	results, err := s.transactions.HandleTransaction(r.Context(), txnID, &txn)
	if err != nil {
		s.seen.Remove(txnID)
		logrus.WithField("txn_id", txnID).Errorf("Failed to handle transaction: %v", err)
		mxerror.Unknown.Write(w)
		return
	}
	response := map[string]any{}
	if len(results) > 0 {
		response[events.SynchronousToKey] = results
	}
	writeJSON(w, http.StatusOK, response)
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	mxerror.NotFound.Write(w)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	az, err := s.proxy.FindAppService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.websockets.HandleWS(w, r, az)
}

type syncProxyError struct {
	AppServiceID uuid.UUID       `json:"appservice_id"`
	Error        json.RawMessage `json:"error"`
}

func (s *Server) handleSyncProxyError(w http.ResponseWriter, r *http.Request) {
	txnID := mux.Vars(r)["txnID"]
	var body syncProxyError
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		mxerror.NotJSON.Write(w)
		return
	}
	az, getErr := s.storage.GetAppService(r.Context(), body.AppServiceID)
	if errors.Is(getErr, database.ErrNotFound) {
		mxerror.NotFound.WithMessage("Unknown appservice").Write(w)
		return
	} else if getErr != nil {
		writeError(w, getErr)
		return
	}
	if az.Push {
		mxerror.SyncProxyErrorNotSupported.Write(w)
		return
	}
	data := body.Error
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	status, err := s.websockets.PostSyncProxyError(r.Context(), az, txnID, data)
	if err != nil {
		writeError(w, mxerror.BadRequest.WithMessage(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// handleNull drains the request and answers with a JSON null
func handleNull(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("null"))
}

// Handler returns the router of the server
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen serves requests until Shutdown is called
func (s *Server) Listen() error {
	logrus.Infof("Starting HTTP server at %s", s.settings.Address)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects websockets and then stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.websockets.Stop()
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Dependencies are the collaborators of a Server
type Dependencies struct {
	Transactions TransactionHandler
	Websockets   Websockets
	ClientProxy  ClientProxy
	Storage      AppServiceGetter
	// Management is mounted at /_matrix/asmux
	Management http.Handler
}

// NewServer creates Server instances
func NewServer(settings Settings, deps Dependencies) *Server {
	// lru.New only fails for non-positive sizes
	seen, _ := lru.New[string, struct{}](seenTransactions)
	s := &Server{
		settings:     settings,
		transactions: deps.Transactions,
		websockets:   deps.Websockets,
		proxy:        deps.ClientProxy,
		storage:      deps.Storage,
		seen:         seen,
	}
	router := mux.NewRouter()
	router.HandleFunc("/_matrix/app/v1/transactions/{txnID}", s.requireHSToken(s.handleTransaction)).Methods(http.MethodPut)
	router.HandleFunc("/transactions/{txnID}", s.requireHSToken(s.handleTransaction)).Methods(http.MethodPut)
	for _, path := range []string{
		"/_matrix/app/v1/users/{userID}", "/_matrix/app/v1/rooms/{alias}", "/users/{userID}", "/rooms/{alias}",
	} {
		router.HandleFunc(path, s.requireHSToken(handleNotFound)).Methods(http.MethodGet)
	}
	router.HandleFunc(
		"/_matrix/app/unstable/fi.mau.syncproxy/error/{txnID}", s.requireHSToken(s.handleSyncProxyError),
	).Methods(http.MethodPut)
	router.HandleFunc("/_matrix/client/unstable/fi.mau.as_sync", s.handleWebsocket).Methods(http.MethodGet)
	if deps.Management != nil {
		router.PathPrefix("/_matrix/asmux/").Handler(deps.Management)
	}
	router.PathPrefix("/_matrix/client/").Handler(deps.ClientProxy)
	router.PathPrefix("/_matrix/media/").Handler(deps.ClientProxy)
	router.HandleFunc("/null", handleNull)
	router.NotFoundHandler = http.HandlerFunc(handleNotFound)
	s.server = &http.Server{
		Addr:              settings.Address,
		Handler:           router,
		ReadHeaderTimeout: time.Second * 5,
	}
	return s
}

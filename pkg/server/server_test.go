package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/beeper/asmux/pkg/database"
	"github.com/beeper/asmux/pkg/events"
	"github.com/beeper/asmux/pkg/mxerror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransactions struct {
	lock    sync.Mutex
	handled []string
	results map[string]bool
	err     error
	release chan struct{}
}

func (f *fakeTransactions) HandleTransaction(_ context.Context, txnID string, txn *events.Transaction) (map[string]bool, error) {
	if f.release != nil {
		<-f.release
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.handled = append(f.handled, txnID)
	return f.results, nil
}

type fakeWebsockets struct {
	connected []*database.AppService
	errors    []string
	stopped   bool
}

func (f *fakeWebsockets) HandleWS(w http.ResponseWriter, _ *http.Request, az *database.AppService) {
	f.connected = append(f.connected, az)
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakeWebsockets) PostSyncProxyError(_ context.Context, _ *database.AppService, txnID string, _ json.RawMessage) (string, error) {
	f.errors = append(f.errors, txnID)
	return "ok", nil
}

func (f *fakeWebsockets) Stop() {
	f.stopped = true
}

type fakeProxy struct {
	az       *database.AppService
	proxied  []string
	tokenErr error
}

func (f *fakeProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.proxied = append(f.proxied, r.URL.Path)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeProxy) FindAppService(*http.Request) (*database.AppService, error) {
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	return f.az, nil
}

type fakeStorage map[uuid.UUID]*database.AppService

func (f fakeStorage) GetAppService(_ context.Context, id uuid.UUID) (*database.AppService, error) {
	if az, ok := f[id]; ok {
		return az, nil
	}
	return nil, database.ErrNotFound
}

type fixture struct {
	server       *Server
	transactions *fakeTransactions
	websockets   *fakeWebsockets
	proxy        *fakeProxy
	websocketAz  *database.AppService
	httpAz       *database.AppService
	management   []string
}

func newFixture() *fixture {
	f := &fixture{
		transactions: &fakeTransactions{},
		websockets:   &fakeWebsockets{},
		websocketAz:  &database.AppService{ID: uuid.New(), Owner: "alice", Prefix: "signal"},
		httpAz:       &database.AppService{ID: uuid.New(), Owner: "alice", Prefix: "whatsapp", Push: true},
	}
	f.proxy = &fakeProxy{az: f.websocketAz}
	f.server = NewServer(Settings{Address: "127.0.0.1:0", HSToken: "hs-secret"}, Dependencies{
		Transactions: f.transactions,
		Websockets:   f.websockets,
		ClientProxy:  f.proxy,
		Storage:      fakeStorage{f.websocketAz.ID: f.websocketAz, f.httpAz.ID: f.httpAz},
		Management: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			f.management = append(f.management, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		}),
	})
	return f
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestTransactionsRequireHSToken(t *testing.T) {
	// given
	f := newFixture()

	// when
	missing := f.do(http.MethodPut, "/_matrix/app/v1/transactions/1", "", `{"events":[]}`)
	wrong := f.do(http.MethodPut, "/_matrix/app/v1/transactions/1", "nope", `{"events":[]}`)
	query := f.do(http.MethodPut, "/_matrix/app/v1/transactions/1?access_token=hs-secret", "", `{"events":[]}`)

	// then
	assert.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Equal(t, http.StatusForbidden, wrong.Code)
	assert.Contains(t, wrong.Body.String(), "M_FORBIDDEN")
	assert.Equal(t, http.StatusOK, query.Code)
	assert.Equal(t, []string{"1"}, f.transactions.handled)
}

func TestDuplicateTransactionsAreHandledOnce(t *testing.T) {
	// given
	f := newFixture()

	// when
	first := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `{"events":[]}`)
	duplicate := f.do(http.MethodPut, "/transactions/txn1", "hs-secret", `{"events":[]}`)

	// then
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, duplicate.Code)
	assert.JSONEq(t, `{}`, duplicate.Body.String())
	assert.Equal(t, []string{"txn1"}, f.transactions.handled)
}

func TestFailedTransactionsAreRetried(t *testing.T) {
	// given
	f := newFixture()
	f.transactions.err = errors.New("database down")

	// when
	failed := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `{"events":[]}`)
	f.transactions.err = nil
	retried := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `{"events":[]}`)

	// then
	assert.Equal(t, http.StatusInternalServerError, failed.Code)
	assert.Equal(t, http.StatusOK, retried.Code)
	assert.Equal(t, []string{"txn1"}, f.transactions.handled)
}

func TestConcurrentDuplicateTransactionsAreHandledOnce(t *testing.T) {
	// given
	f := newFixture()
	f.transactions.release = make(chan struct{})
	codes := make(chan int, 10)
	var wg sync.WaitGroup

	// when
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `{"events":[]}`).Code
		}()
	}
	for i := 0; i < 9; i++ {
		assert.Equal(t, http.StatusOK, <-codes)
	}
	close(f.transactions.release)
	wg.Wait()

	// then
	assert.Equal(t, http.StatusOK, <-codes)
	assert.Equal(t, []string{"txn1"}, f.transactions.handled)
}

func TestInvalidTransactionCanBeResent(t *testing.T) {
	// given
	f := newFixture()

	// when
	invalid := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `not json`)
	resent := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `{"events":[]}`)

	// then
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
	assert.Equal(t, http.StatusOK, resent.Code)
	assert.Equal(t, []string{"txn1"}, f.transactions.handled)
}

func TestTransactionResponses(t *testing.T) {
	// given
	f := newFixture()
	f.transactions.results = map[string]bool{"abc": true}

	// when
	notJSON := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn1", "hs-secret", `not json`)
	synchronous := f.do(http.MethodPut, "/_matrix/app/v1/transactions/txn2", "hs-secret", `{"events":[]}`)

	// then
	assert.Equal(t, http.StatusBadRequest, notJSON.Code)
	assert.Contains(t, notJSON.Body.String(), "M_NOT_JSON")
	assert.JSONEq(t, `{"com.beeper.asmux.synchronous_to": {"abc": true}}`, synchronous.Body.String())
}

func TestUserAndRoomQueriesAreNotFound(t *testing.T) {
	f := newFixture()
	for _, path := range []string{
		"/_matrix/app/v1/users/@someone:example.org",
		"/_matrix/app/v1/rooms/%23alias:example.org",
		"/users/@someone:example.org",
	} {
		recorder := f.do(http.MethodGet, path, "hs-secret", "")
		assert.Equal(t, http.StatusNotFound, recorder.Code, path)
		assert.Contains(t, recorder.Body.String(), "M_NOT_FOUND", path)
	}
}

func TestNullDrainsBody(t *testing.T) {
	// given
	f := newFixture()

	// when
	recorder := f.do(http.MethodPost, "/null", "", strings.Repeat("x", 1<<16))

	// then
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "null", recorder.Body.String())
}

func TestRequestsAreRouted(t *testing.T) {
	// given
	f := newFixture()

	// when
	websocket := f.do(http.MethodGet, "/_matrix/client/unstable/fi.mau.as_sync", "token", "")
	client := f.do(http.MethodGet, "/_matrix/client/v3/joined_rooms", "token", "")
	media := f.do(http.MethodGet, "/_matrix/media/v3/config", "token", "")
	management := f.do(http.MethodGet, "/_matrix/asmux/health", "", "")

	// then
	assert.Equal(t, http.StatusSwitchingProtocols, websocket.Code)
	require.Len(t, f.websockets.connected, 1)
	assert.Same(t, f.websocketAz, f.websockets.connected[0])
	assert.Equal(t, http.StatusOK, client.Code)
	assert.Equal(t, http.StatusOK, media.Code)
	assert.Equal(t, []string{"/_matrix/client/v3/joined_rooms", "/_matrix/media/v3/config"}, f.proxy.proxied)
	assert.Equal(t, http.StatusOK, management.Code)
	assert.Equal(t, []string{"/_matrix/asmux/health"}, f.management)
}

func TestWebsocketRequiresBridgeToken(t *testing.T) {
	// given
	f := newFixture()
	f.proxy.tokenErr = mxerror.UnknownToken

	// when
	recorder := f.do(http.MethodGet, "/_matrix/client/unstable/fi.mau.as_sync", "token", "")

	// then
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Empty(t, f.websockets.connected)
}

func TestSyncProxyErrors(t *testing.T) {
	// given
	f := newFixture()
	body := func(az *database.AppService) string {
		return `{"appservice_id": "` + az.ID.String() + `", "error": {"errcode": "M_UNKNOWN_TOKEN"}}`
	}
	path := "/_matrix/app/unstable/fi.mau.syncproxy/error/txn1"

	// when
	forwarded := f.do(http.MethodPut, path, "hs-secret", body(f.websocketAz))
	unsupported := f.do(http.MethodPut, path, "hs-secret", body(f.httpAz))
	unknown := f.do(http.MethodPut, path, "hs-secret", `{"appservice_id": "`+uuid.NewString()+`"}`)

	// then
	assert.Equal(t, http.StatusOK, forwarded.Code)
	assert.JSONEq(t, `{"status": "ok"}`, forwarded.Body.String())
	assert.Equal(t, []string{"txn1"}, f.websockets.errors)
	assert.Equal(t, http.StatusBadRequest, unsupported.Code)
	assert.Contains(t, unsupported.Body.String(), "FI.MAU.SYNCPROXY_ERROR_NOT_SUPPORTED")
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestShutdownStopsWebsockets(t *testing.T) {
	// given
	f := newFixture()

	// when
	err := f.server.Shutdown(context.Background())

	// then
	require.NoError(t, err)
	assert.True(t, f.websockets.stopped)
}

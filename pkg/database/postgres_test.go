package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var appServiceRowColumns = []string{
	"id", "owner", "prefix", "bot", "address", "hs_token", "as_token", "push",
	"login_token", "config_password_hash", "config_password_expiry", "push_key",
}

func newMockStorage(t *testing.T) (Storage, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStorage(db), mock
}

func TestPostgresGetUserNotFound(t *testing.T) {
	// given
	storage, mock := newMockStorage(t)
	mock.ExpectQuery(`SELECT id, api_token, login_token, manager_url FROM "user" WHERE id=\$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "api_token", "login_token", "manager_url"}))

	// when
	_, err := storage.GetUser(context.Background(), "alice")

	// then
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetOrCreateUserInsertsMissingUser(t *testing.T) {
	// given
	storage, mock := newMockStorage(t)
	userColumns := []string{"id", "api_token", "login_token", "manager_url"}
	mock.ExpectQuery(`SELECT .* FROM "user" WHERE id=\$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userColumns))
	mock.ExpectExec(`INSERT INTO "user" \(id, api_token, login_token\)`).
		WithArgs("alice", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM "user" WHERE id=\$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow("alice", "api", "login", nil))

	// when
	user, err := storage.GetOrCreateUser(context.Background(), "alice")

	// then
	require.NoError(t, err)
	assert.Equal(t, "api", user.APIToken)
	assert.Equal(t, "", user.ManagerURL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindAppServiceDecodesPushKey(t *testing.T) {
	// given
	storage, mock := newMockStorage(t)
	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM appservice JOIN "user" .* WHERE owner=\$1 AND prefix=\$2`).
		WithArgs("alice", "whatsapp").
		WillReturnRows(sqlmock.NewRows(appServiceRowColumns).AddRow(
			id.String(), "alice", "whatsapp", "bot", "", "hs", "as", false,
			"login", nil, int64(1234), []byte(`{"url": "https://push.test", "pushkey": "abc"}`),
		))

	// when
	az, err := storage.FindAppService(context.Background(), "alice", "whatsapp")

	// then
	require.NoError(t, err)
	assert.Equal(t, id, az.ID)
	assert.Equal(t, "alice/whatsapp", az.Name())
	assert.Equal(t, id.String()+"-as", az.RealASToken())
	require.NotNil(t, az.ConfigPasswordExpiry)
	assert.Equal(t, int64(1234), *az.ConfigPasswordExpiry)
	require.NotNil(t, az.PushKey)
	assert.Equal(t, "abc", az.PushKey.PushKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindOrCreateAppServiceCreates(t *testing.T) {
	// given
	storage, mock := newMockStorage(t)
	user := &User{ID: "alice", LoginToken: "login"}
	mock.ExpectQuery(`SELECT .* WHERE owner=\$1 AND prefix=\$2`).
		WithArgs("alice", "signal").
		WillReturnRows(sqlmock.NewRows(appServiceRowColumns))
	mock.ExpectExec(`INSERT INTO appservice`).
		WithArgs(sqlmock.AnyArg(), "alice", "signal", "bot", "", sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// when
	az, created, err := storage.FindOrCreateAppService(context.Background(), user, "signal", DefaultAppServiceOptions())

	// then
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "login", az.LoginToken)
	assert.Len(t, az.HSToken, 64)
	assert.Len(t, az.ASToken, 27)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetPushKeyClearsEmptyKey(t *testing.T) {
	// given
	storage, mock := newMockStorage(t)
	az := &AppService{ID: uuid.New(), PushKey: &PushKey{PushKey: "old"}}
	mock.ExpectExec(`UPDATE appservice SET push_key=\$2 WHERE id=\$1`).
		WithArgs(az.ID, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// when
	err := storage.SetPushKey(context.Background(), az, &PushKey{URL: "https://push.test"})

	// then
	require.NoError(t, err)
	assert.Nil(t, az.PushKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRoom(t *testing.T) {
	// given
	storage, mock := newMockStorage(t)
	owner := uuid.New()
	mock.ExpectQuery(`SELECT id, owner, deleted FROM room WHERE id=\$1`).
		WithArgs("!room:example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "deleted"}).AddRow("!room:example.org", owner.String(), false))

	// when
	room, err := storage.GetRoom(context.Background(), "!room:example.org")

	// then
	require.NoError(t, err)
	assert.Equal(t, owner, room.Owner)
	assert.False(t, room.Deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeFromScratch(t *testing.T) {
	// given
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM version`).WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectExec(`INSERT INTO version`).WillReturnResult(sqlmock.NewResult(0, 1))
	for i, up := range upgrades {
		mock.ExpectBegin()
		for range up.statements {
			mock.ExpectExec(".+").WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(`UPDATE version SET version=\$1`).WithArgs(i + 1).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	// when
	upgradeErr := Upgrade(context.Background(), db)

	// then
	assert.NoError(t, upgradeErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradeRejectsNewerSchema(t *testing.T) {
	// given
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT version FROM version`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(LatestVersion + 1))

	// when
	upgradeErr := Upgrade(context.Background(), db)

	// then
	assert.ErrorContains(t, upgradeErr, "unsupported database schema version")
}

func TestPreparePostgresClosesDatabaseOnFailure(t *testing.T) {
	tests := []struct {
		name        string
		expect      func(mock sqlmock.Sqlmock)
		expectedErr string
	}{
		{
			name: "ping fails",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing().WillReturnError(errors.New("connection refused"))
			},
			expectedErr: "failed to connect to postgres",
		},
		{
			name: "upgrade fails",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectPing()
				mock.ExpectExec(`CREATE TABLE IF NOT EXISTS version`).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(`SELECT version FROM version`).
					WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(LatestVersion + 1))
			},
			expectedErr: "unsupported database schema version",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// given
			db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
			require.NoError(t, err)
			tt.expect(mock)
			mock.ExpectClose()

			// when
			storage, prepareErr := preparePostgres(context.Background(), db)

			// then
			assert.Nil(t, storage)
			assert.ErrorContains(t, prepareErr, tt.expectedErr)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

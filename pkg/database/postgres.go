package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	connMaxLifetime time.Duration = 0
	maxIdleConns    int           = 20
	maxOpenConns    int           = 50
)

const appServiceColumns = `appservice.id, owner, prefix, bot, address, hs_token, as_token, push,
	"user".login_token, config_password_hash, config_password_expiry, push_key`

const appServiceFrom = `FROM appservice JOIN "user" ON "user".id=appservice.owner`

type rowScanner interface {
	Scan(dest ...any) error
}

type postgresStorage struct {
	db *sql.DB
}

// OpenPostgres opens a pgx connection pool and upgrades the schema to the latest version
func OpenPostgres(ctx context.Context, url string) (Storage, error) {
	db, openErr := sql.Open("pgx", url)
	if openErr != nil {
		return nil, fmt.Errorf("sql.Open: %w", openErr)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)
	return preparePostgres(ctx, db)
}

// preparePostgres checks the connection and upgrades the schema, db is closed if either fails
func preparePostgres(ctx context.Context, db *sql.DB) (Storage, error) {
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to connect to postgres: %w", pingErr), db.Close())
	}
	if upgradeErr := Upgrade(ctx, db); upgradeErr != nil {
		return nil, multierr.Combine(upgradeErr, db.Close())
	}
	return NewPostgresStorage(db), nil
}

// NewPostgresStorage wraps an already opened and upgraded database
func NewPostgresStorage(db *sql.DB) Storage {
	return &postgresStorage{db: db}
}

func (s *postgresStorage) Close() error {
	return s.db.Close()
}

func scanUser(row rowScanner) (*User, error) {
	var user User
	var managerURL sql.NullString
	if err := row.Scan(&user.ID, &user.APIToken, &user.LoginToken, &managerURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	user.ManagerURL = managerURL.String
	return &user, nil
}

func (s *postgresStorage) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, api_token, login_token, manager_url FROM "user" WHERE id=$1`, id,
	))
}

func (s *postgresStorage) FindUserByAPIToken(ctx context.Context, token string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, api_token, login_token, manager_url FROM "user" WHERE api_token=$1`, token,
	))
}

func (s *postgresStorage) GetOrCreateUser(ctx context.Context, id string) (*User, error) {
	existing, getErr := s.GetUser(ctx, id)
	if getErr == nil {
		return existing, nil
	} else if !errors.Is(getErr, ErrNotFound) {
		return nil, getErr
	}
	user, newErr := newUser(id)
	if newErr != nil {
		return nil, newErr
	}
	// ON CONFLICT handles two instances creating the same user concurrently
	_, insertErr := s.db.ExecContext(ctx,
		`INSERT INTO "user" (id, api_token, login_token) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		user.ID, user.APIToken, user.LoginToken,
	)
	if insertErr != nil {
		return nil, fmt.Errorf("failed to insert user: %w", insertErr)
	}
	return s.GetUser(ctx, id)
}

func (s *postgresStorage) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM "user" WHERE id=$1`, id)
	return err
}

func scanAppService(row rowScanner) (*AppService, error) {
	var az AppService
	var expiry sql.NullInt64
	var pushKey []byte
	if err := row.Scan(
		&az.ID, &az.Owner, &az.Prefix, &az.Bot, &az.Address, &az.HSToken, &az.ASToken, &az.Push,
		&az.LoginToken, &az.ConfigPasswordHash, &expiry, &pushKey,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expiry.Valid {
		az.ConfigPasswordExpiry = &expiry.Int64
	}
	if len(pushKey) > 0 {
		var key PushKey
		if err := json.Unmarshal(pushKey, &key); err != nil {
			logrus.WithField("appservice", az.Name()).Warnf("Ignoring malformed push key: %v", err)
		} else {
			az.PushKey = &key
		}
	}
	return &az, nil
}

func (s *postgresStorage) GetAppService(ctx context.Context, id uuid.UUID) (*AppService, error) {
	return scanAppService(s.db.QueryRowContext(ctx,
		`SELECT `+appServiceColumns+` `+appServiceFrom+` WHERE appservice.id=$1`, id,
	))
}

func (s *postgresStorage) FindAppService(ctx context.Context, owner, prefix string) (*AppService, error) {
	return scanAppService(s.db.QueryRowContext(ctx,
		`SELECT `+appServiceColumns+` `+appServiceFrom+` WHERE owner=$1 AND prefix=$2`, owner, prefix,
	))
}

func (s *postgresStorage) ListAppServices(ctx context.Context, owner string) ([]*AppService, error) {
	rows, queryErr := s.db.QueryContext(ctx,
		`SELECT `+appServiceColumns+` `+appServiceFrom+` WHERE owner=$1 ORDER BY prefix`, owner,
	)
	if queryErr != nil {
		return nil, queryErr
	}
	defer rows.Close()
	appservices := []*AppService{}
	for rows.Next() {
		az, scanErr := scanAppService(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		appservices = append(appservices, az)
	}
	return appservices, rows.Err()
}

func (s *postgresStorage) FindOrCreateAppService(
	ctx context.Context, user *User, prefix string, opts AppServiceOptions,
) (*AppService, bool, error) {
	existing, findErr := s.FindAppService(ctx, user.ID, prefix)
	if findErr == nil {
		return existing, false, nil
	} else if !errors.Is(findErr, ErrNotFound) {
		return nil, false, findErr
	}
	az, newErr := newAppService(user, prefix, opts)
	if newErr != nil {
		return nil, false, newErr
	}
	result, insertErr := s.db.ExecContext(ctx,
		`INSERT INTO appservice (id, owner, prefix, bot, address, hs_token, as_token, push)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (owner, prefix) DO NOTHING`,
		az.ID, az.Owner, az.Prefix, az.Bot, az.Address, az.HSToken, az.ASToken, az.Push,
	)
	if insertErr != nil {
		return nil, false, fmt.Errorf("failed to insert appservice: %w", insertErr)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Another instance won the race
		raced, raceErr := s.FindAppService(ctx, user.ID, prefix)
		return raced, false, raceErr
	}
	return az, true, nil
}

func (s *postgresStorage) SetAddress(ctx context.Context, az *AppService, address string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE appservice SET address=$2 WHERE id=$1`, az.ID, address); err != nil {
		return err
	}
	az.Address = address
	return nil
}

func (s *postgresStorage) SetPush(ctx context.Context, az *AppService, push bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE appservice SET push=$2 WHERE id=$1`, az.ID, push); err != nil {
		return err
	}
	az.Push = push
	return nil
}

func (s *postgresStorage) SetPushKey(ctx context.Context, az *AppService, key *PushKey) error {
	if key != nil && key.PushKey == "" {
		key = nil
	}
	var encoded any
	if key != nil {
		raw, marshalErr := json.Marshal(key)
		if marshalErr != nil {
			return marshalErr
		}
		encoded = string(raw)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE appservice SET push_key=$2 WHERE id=$1`, az.ID, encoded); err != nil {
		return err
	}
	az.PushKey = key
	return nil
}

func (s *postgresStorage) SetConfigPassword(ctx context.Context, az *AppService, hash []byte, expiry *int64) error {
	var expiryValue sql.NullInt64
	if expiry != nil {
		expiryValue = sql.NullInt64{Int64: *expiry, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE appservice SET config_password_hash=$2, config_password_expiry=$3 WHERE id=$1`,
		az.ID, hash, expiryValue,
	); err != nil {
		return err
	}
	az.ConfigPasswordHash = hash
	az.ConfigPasswordExpiry = expiry
	return nil
}

func (s *postgresStorage) DeleteAppService(ctx context.Context, az *AppService) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM appservice WHERE id=$1`, az.ID)
	return err
}

func (s *postgresStorage) GetRoom(ctx context.Context, id string) (*Room, error) {
	var room Room
	var owner uuid.NullUUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner, deleted FROM room WHERE id=$1`, id,
	).Scan(&room.ID, &owner, &room.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	room.Owner = owner.UUID
	return &room, nil
}

func (s *postgresStorage) InsertRoom(ctx context.Context, room *Room) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room (id, owner) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, room.ID, room.Owner,
	)
	return err
}

func (s *postgresStorage) SetRoomDeleted(ctx context.Context, room *Room, deleted bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE room SET deleted=$2 WHERE id=$1`, room.ID, deleted); err != nil {
		return err
	}
	room.Deleted = deleted
	return nil
}

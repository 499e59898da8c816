// Package database stores asmux users, the bridges (appservices) they own and the rooms each
// bridge owns. Postgres and BoltDB backends are available, plus an in-memory caching decorator.
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when the requested entity does not exist
var ErrNotFound = errors.New("not found")

// User is an account that owns bridges
type User struct {
	ID         string `json:"id"`
	APIToken   string `json:"api_token"`
	LoginToken string `json:"login_token"`
	ManagerURL string `json:"manager_url,omitempty"`
}

// PushKey is a push gateway registration of a bridge, used to wake it up when its websocket
// is not responding
type PushKey struct {
	URL       string         `json:"url"`
	AppID     string         `json:"app_id"`
	PushKey   string         `json:"pushkey"`
	PushKeyTS int64          `json:"pushkey_ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// AppService is a single bridge behind asmux
type AppService struct {
	ID      uuid.UUID `json:"id"`
	Owner   string    `json:"owner"`
	Prefix  string    `json:"prefix"`
	Bot     string    `json:"bot"`
	Address string    `json:"address"`
	HSToken string    `json:"hs_token"`
	ASToken string    `json:"as_token"`
	Push    bool      `json:"push"`

	ConfigPasswordHash   []byte   `json:"config_password_hash,omitempty"`
	ConfigPasswordExpiry *int64   `json:"config_password_expiry,omitempty"`
	PushKey              *PushKey `json:"push_key,omitempty"`

	// LoginToken of the owner, joined in when loading
	LoginToken string `json:"-"`
}

// Name is the human-readable name used in logs
func (az *AppService) Name() string {
	return fmt.Sprintf("%s/%s", az.Owner, az.Prefix)
}

// RealASToken is the token the bridge uses to authenticate with asmux
func (az *AppService) RealASToken() string {
	return fmt.Sprintf("%s-%s", az.ID, az.ASToken)
}

// Room maps a Matrix room to the bridge that owns it
type Room struct {
	ID      string    `json:"id"`
	Owner   uuid.UUID `json:"owner"`
	Deleted bool      `json:"deleted"`
}

// AppServiceOptions are used when creating new appservices
type AppServiceOptions struct {
	Bot     string
	Address string
	Push    bool
}

// DefaultAppServiceOptions returns the options used when the caller provides none
func DefaultAppServiceOptions() AppServiceOptions {
	return AppServiceOptions{
		Bot:  "bot",
		Push: true,
	}
}

// UserStorage persists users
type UserStorage interface {
	GetUser(ctx context.Context, id string) (*User, error)
	FindUserByAPIToken(ctx context.Context, token string) (*User, error)
	GetOrCreateUser(ctx context.Context, id string) (*User, error)
	DeleteUser(ctx context.Context, id string) error
}

// AppServiceStorage persists appservices
type AppServiceStorage interface {
	GetAppService(ctx context.Context, id uuid.UUID) (*AppService, error)
	FindAppService(ctx context.Context, owner, prefix string) (*AppService, error)
	ListAppServices(ctx context.Context, owner string) ([]*AppService, error)
	FindOrCreateAppService(ctx context.Context, user *User, prefix string, opts AppServiceOptions) (*AppService, bool, error)
	SetAddress(ctx context.Context, az *AppService, address string) error
	SetPush(ctx context.Context, az *AppService, push bool) error
	SetPushKey(ctx context.Context, az *AppService, key *PushKey) error
	SetConfigPassword(ctx context.Context, az *AppService, hash []byte, expiry *int64) error
	DeleteAppService(ctx context.Context, az *AppService) error
}

// RoomStorage persists room ownership
type RoomStorage interface {
	GetRoom(ctx context.Context, id string) (*Room, error)
	InsertRoom(ctx context.Context, room *Room) error
	SetRoomDeleted(ctx context.Context, room *Room, deleted bool) error
}

// Storage is the complete persistence layer of asmux
type Storage interface {
	UserStorage
	AppServiceStorage
	RoomStorage
	Close() error
}

package database

import (
	"context"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const defaultCacheSize = 8192

// CacheInvalidator drops cached entries, so that the next read goes to the backing storage.
// It is used to keep several asmux instances coherent.
type CacheInvalidator interface {
	InvalidateAppService(id uuid.UUID)
	InvalidateRoom(id string)
	InvalidateUser(id string)
	Purge()
}

// CachingStorage is a Storage that keeps recently used entities in memory.
// Every read returns a private copy, callers may modify what they get back.
type CachingStorage struct {
	Storage

	usersByID        *lru.Cache[string, *User]
	usersByToken     *lru.Cache[string, *User]
	appServicesByID  *lru.Cache[uuid.UUID, *AppService]
	appServicesByKey *lru.Cache[string, *AppService]
	rooms            *lru.Cache[string, *Room]
}

func mustCache[K comparable, V any](size int) *lru.Cache[K, V] {
	cache, err := lru.New[K, V](size)
	if err != nil {
		logrus.Panicf("failed to create cache: %v", err)
	}
	return cache
}

// NewCachingStorage wraps storage with LRU caches
func NewCachingStorage(storage Storage) *CachingStorage {
	return &CachingStorage{
		Storage:          storage,
		usersByID:        mustCache[string, *User](defaultCacheSize),
		usersByToken:     mustCache[string, *User](defaultCacheSize),
		appServicesByID:  mustCache[uuid.UUID, *AppService](defaultCacheSize),
		appServicesByKey: mustCache[string, *AppService](defaultCacheSize),
		rooms:            mustCache[string, *Room](defaultCacheSize * 8),
	}
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

func (s *CachingStorage) cacheUser(user *User) *User {
	cached := clone(user)
	s.usersByID.Add(user.ID, cached)
	s.usersByToken.Add(user.APIToken, cached)
	return user
}

func (s *CachingStorage) cacheAppService(az *AppService) *AppService {
	cached := clone(az)
	s.appServicesByID.Add(az.ID, cached)
	s.appServicesByKey.Add(string(ownerKey(az.Owner, az.Prefix)), cached)
	return az
}

// GetUser implements UserStorage
func (s *CachingStorage) GetUser(ctx context.Context, id string) (*User, error) {
	if user, ok := s.usersByID.Get(id); ok {
		return clone(user), nil
	}
	user, err := s.Storage.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cacheUser(user), nil
}

// FindUserByAPIToken implements UserStorage
func (s *CachingStorage) FindUserByAPIToken(ctx context.Context, token string) (*User, error) {
	if user, ok := s.usersByToken.Get(token); ok {
		return clone(user), nil
	}
	user, err := s.Storage.FindUserByAPIToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.cacheUser(user), nil
}

// GetOrCreateUser implements UserStorage
func (s *CachingStorage) GetOrCreateUser(ctx context.Context, id string) (*User, error) {
	if user, ok := s.usersByID.Get(id); ok {
		return clone(user), nil
	}
	user, err := s.Storage.GetOrCreateUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cacheUser(user), nil
}

// DeleteUser implements UserStorage
func (s *CachingStorage) DeleteUser(ctx context.Context, id string) error {
	s.InvalidateUser(id)
	return s.Storage.DeleteUser(ctx, id)
}

// GetAppService implements AppServiceStorage
func (s *CachingStorage) GetAppService(ctx context.Context, id uuid.UUID) (*AppService, error) {
	if az, ok := s.appServicesByID.Get(id); ok {
		return clone(az), nil
	}
	az, err := s.Storage.GetAppService(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.cacheAppService(az), nil
}

// FindAppService implements AppServiceStorage
func (s *CachingStorage) FindAppService(ctx context.Context, owner, prefix string) (*AppService, error) {
	if az, ok := s.appServicesByKey.Get(string(ownerKey(owner, prefix))); ok {
		return clone(az), nil
	}
	az, err := s.Storage.FindAppService(ctx, owner, prefix)
	if err != nil {
		return nil, err
	}
	return s.cacheAppService(az), nil
}

// FindOrCreateAppService implements AppServiceStorage
func (s *CachingStorage) FindOrCreateAppService(
	ctx context.Context, user *User, prefix string, opts AppServiceOptions,
) (*AppService, bool, error) {
	if az, ok := s.appServicesByKey.Get(string(ownerKey(user.ID, prefix))); ok {
		return clone(az), false, nil
	}
	az, created, err := s.Storage.FindOrCreateAppService(ctx, user, prefix, opts)
	if err != nil {
		return nil, false, err
	}
	return s.cacheAppService(az), created, nil
}

// DeleteAppService implements AppServiceStorage
func (s *CachingStorage) DeleteAppService(ctx context.Context, az *AppService) error {
	s.InvalidateAppService(az.ID)
	s.appServicesByKey.Remove(string(ownerKey(az.Owner, az.Prefix)))
	return s.Storage.DeleteAppService(ctx, az)
}

// GetRoom implements RoomStorage
func (s *CachingStorage) GetRoom(ctx context.Context, id string) (*Room, error) {
	if room, ok := s.rooms.Get(id); ok {
		return clone(room), nil
	}
	room, err := s.Storage.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	s.rooms.Add(id, clone(room))
	return room, nil
}

// InsertRoom implements RoomStorage
func (s *CachingStorage) InsertRoom(ctx context.Context, room *Room) error {
	if err := s.Storage.InsertRoom(ctx, room); err != nil {
		return err
	}
	s.rooms.Add(room.ID, clone(room))
	return nil
}

// SetRoomDeleted implements RoomStorage
func (s *CachingStorage) SetRoomDeleted(ctx context.Context, room *Room, deleted bool) error {
	defer s.InvalidateRoom(room.ID)
	return s.Storage.SetRoomDeleted(ctx, room, deleted)
}

// SetAddress implements AppServiceStorage
func (s *CachingStorage) SetAddress(ctx context.Context, az *AppService, address string) error {
	defer s.InvalidateAppService(az.ID)
	return s.Storage.SetAddress(ctx, az, address)
}

// SetPush implements AppServiceStorage
func (s *CachingStorage) SetPush(ctx context.Context, az *AppService, push bool) error {
	defer s.InvalidateAppService(az.ID)
	return s.Storage.SetPush(ctx, az, push)
}

// SetPushKey implements AppServiceStorage
func (s *CachingStorage) SetPushKey(ctx context.Context, az *AppService, key *PushKey) error {
	defer s.InvalidateAppService(az.ID)
	return s.Storage.SetPushKey(ctx, az, key)
}

// SetConfigPassword implements AppServiceStorage
func (s *CachingStorage) SetConfigPassword(ctx context.Context, az *AppService, hash []byte, expiry *int64) error {
	defer s.InvalidateAppService(az.ID)
	return s.Storage.SetConfigPassword(ctx, az, hash, expiry)
}

// InvalidateAppService implements CacheInvalidator
func (s *CachingStorage) InvalidateAppService(id uuid.UUID) {
	if az, ok := s.appServicesByID.Peek(id); ok {
		s.appServicesByKey.Remove(string(ownerKey(az.Owner, az.Prefix)))
	}
	s.appServicesByID.Remove(id)
}

// InvalidateRoom implements CacheInvalidator
func (s *CachingStorage) InvalidateRoom(id string) {
	s.rooms.Remove(id)
}

// InvalidateUser implements CacheInvalidator
func (s *CachingStorage) InvalidateUser(id string) {
	if user, ok := s.usersByID.Peek(id); ok {
		s.usersByToken.Remove(user.APIToken)
	}
	s.usersByID.Remove(id)
}

// Purge implements CacheInvalidator
func (s *CachingStorage) Purge() {
	s.usersByID.Purge()
	s.usersByToken.Purge()
	s.appServicesByID.Purge()
	s.appServicesByKey.Purge()
	s.rooms.Purge()
}

package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket            = []byte("users")
	usersByTokenBucket     = []byte("users_by_api_token")
	appServicesBucket      = []byte("appservices")
	appServicesByOwnerName = []byte("appservices_by_owner")
	roomsBucket            = []byte("rooms")
)

type boltStorage struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) a BoltDB file, suitable for single-instance deployments
func OpenBolt(path string) (Storage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	if updateErr := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{
			usersBucket, usersByTokenBucket, appServicesBucket, appServicesByOwnerName, roomsBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); updateErr != nil {
		return nil, fmt.Errorf("failed to create BoltDB buckets: %w", updateErr)
	}
	return &boltStorage{db: db}, nil
}

func (s *boltStorage) Close() error {
	return s.db.Close()
}

func ownerKey(owner, prefix string) []byte {
	return []byte(owner + "/" + prefix)
}

func getJSON(b *bolt.Bucket, key []byte, target any) error {
	payload := b.Get(key)
	if payload == nil {
		return ErrNotFound
	}
	return json.Unmarshal(payload, target)
}

func putJSON(b *bolt.Bucket, key []byte, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.Put(key, encoded)
}

func (s *boltStorage) GetUser(_ context.Context, id string) (*User, error) {
	var user User
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(usersBucket), []byte(id), &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *boltStorage) FindUserByAPIToken(ctx context.Context, token string) (*User, error) {
	var id []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		if found := tx.Bucket(usersByTokenBucket).Get([]byte(token)); found != nil {
			id = append([]byte{}, found...)
		}
		return nil
	})
	if id == nil {
		return nil, ErrNotFound
	}
	return s.GetUser(ctx, string(id))
}

func (s *boltStorage) GetOrCreateUser(_ context.Context, id string) (*User, error) {
	var user *User
	err := s.db.Update(func(tx *bolt.Tx) error {
		var existing User
		getErr := getJSON(tx.Bucket(usersBucket), []byte(id), &existing)
		if getErr == nil {
			user = &existing
			return nil
		} else if getErr != ErrNotFound {
			return getErr
		}
		created, newErr := newUser(id)
		if newErr != nil {
			return newErr
		}
		if err := putJSON(tx.Bucket(usersBucket), []byte(id), created); err != nil {
			return err
		}
		user = created
		return tx.Bucket(usersByTokenBucket).Put([]byte(created.APIToken), []byte(id))
	})
	return user, err
}

func (s *boltStorage) DeleteUser(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var user User
		getErr := getJSON(tx.Bucket(usersBucket), []byte(id), &user)
		if getErr == ErrNotFound {
			return nil
		} else if getErr != nil {
			return getErr
		}
		// appservices of the user go with it, like the ON DELETE CASCADE in postgres
		prefixCursor := tx.Bucket(appServicesByOwnerName).Cursor()
		ownerPrefix := []byte(id + "/")
		var owned [][]byte
		for k, v := prefixCursor.Seek(ownerPrefix); k != nil && strings.HasPrefix(string(k), string(ownerPrefix)); k, v = prefixCursor.Next() {
			owned = append(owned, append([]byte{}, v...))
		}
		for _, azID := range owned {
			parsed, parseErr := uuid.ParseBytes(azID)
			if parseErr != nil {
				return parseErr
			}
			if err := deleteAppServiceTx(tx, parsed); err != nil {
				return err
			}
		}
		if err := tx.Bucket(usersByTokenBucket).Delete([]byte(user.APIToken)); err != nil {
			return err
		}
		return tx.Bucket(usersBucket).Delete([]byte(id))
	})
}

func loadAppServiceTx(tx *bolt.Tx, id []byte) (*AppService, error) {
	var az AppService
	if err := getJSON(tx.Bucket(appServicesBucket), id, &az); err != nil {
		return nil, err
	}
	var owner User
	if err := getJSON(tx.Bucket(usersBucket), []byte(az.Owner), &owner); err == nil {
		az.LoginToken = owner.LoginToken
	}
	return &az, nil
}

func (s *boltStorage) GetAppService(_ context.Context, id uuid.UUID) (*AppService, error) {
	var az *AppService
	err := s.db.View(func(tx *bolt.Tx) error {
		var loadErr error
		az, loadErr = loadAppServiceTx(tx, []byte(id.String()))
		return loadErr
	})
	return az, err
}

func (s *boltStorage) FindAppService(_ context.Context, owner, prefix string) (*AppService, error) {
	var az *AppService
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(appServicesByOwnerName).Get(ownerKey(owner, prefix))
		if id == nil {
			return ErrNotFound
		}
		var loadErr error
		az, loadErr = loadAppServiceTx(tx, id)
		return loadErr
	})
	return az, err
}

func (s *boltStorage) ListAppServices(_ context.Context, owner string) ([]*AppService, error) {
	appservices := []*AppService{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(appServicesByOwnerName).Cursor()
		ownerPrefix := owner + "/"
		for k, v := c.Seek([]byte(ownerPrefix)); k != nil && strings.HasPrefix(string(k), ownerPrefix); k, v = c.Next() {
			az, loadErr := loadAppServiceTx(tx, v)
			if loadErr != nil {
				return loadErr
			}
			appservices = append(appservices, az)
		}
		return nil
	})
	return appservices, err
}

func (s *boltStorage) FindOrCreateAppService(
	_ context.Context, user *User, prefix string, opts AppServiceOptions,
) (*AppService, bool, error) {
	var az *AppService
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if id := tx.Bucket(appServicesByOwnerName).Get(ownerKey(user.ID, prefix)); id != nil {
			var loadErr error
			az, loadErr = loadAppServiceTx(tx, id)
			return loadErr
		}
		newAz, newErr := newAppService(user, prefix, opts)
		if newErr != nil {
			return newErr
		}
		id := []byte(newAz.ID.String())
		if err := putJSON(tx.Bucket(appServicesBucket), id, newAz); err != nil {
			return err
		}
		az = newAz
		created = true
		return tx.Bucket(appServicesByOwnerName).Put(ownerKey(user.ID, prefix), id)
	})
	if err != nil {
		return nil, false, err
	}
	return az, created, nil
}

func (s *boltStorage) updateAppService(az *AppService, modify func(stored *AppService)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appServicesBucket)
		var stored AppService
		if err := getJSON(b, []byte(az.ID.String()), &stored); err != nil {
			return err
		}
		modify(&stored)
		return putJSON(b, []byte(az.ID.String()), stored)
	})
}

func (s *boltStorage) SetAddress(_ context.Context, az *AppService, address string) error {
	if err := s.updateAppService(az, func(stored *AppService) { stored.Address = address }); err != nil {
		return err
	}
	az.Address = address
	return nil
}

func (s *boltStorage) SetPush(_ context.Context, az *AppService, push bool) error {
	if err := s.updateAppService(az, func(stored *AppService) { stored.Push = push }); err != nil {
		return err
	}
	az.Push = push
	return nil
}

func (s *boltStorage) SetPushKey(_ context.Context, az *AppService, key *PushKey) error {
	if key != nil && key.PushKey == "" {
		key = nil
	}
	if err := s.updateAppService(az, func(stored *AppService) { stored.PushKey = key }); err != nil {
		return err
	}
	az.PushKey = key
	return nil
}

func (s *boltStorage) SetConfigPassword(_ context.Context, az *AppService, hash []byte, expiry *int64) error {
	if err := s.updateAppService(az, func(stored *AppService) {
		stored.ConfigPasswordHash = hash
		stored.ConfigPasswordExpiry = expiry
	}); err != nil {
		return err
	}
	az.ConfigPasswordHash = hash
	az.ConfigPasswordExpiry = expiry
	return nil
}

func deleteAppServiceTx(tx *bolt.Tx, id uuid.UUID) error {
	var stored AppService
	getErr := getJSON(tx.Bucket(appServicesBucket), []byte(id.String()), &stored)
	if getErr == ErrNotFound {
		return nil
	} else if getErr != nil {
		return getErr
	}
	if err := tx.Bucket(appServicesByOwnerName).Delete(ownerKey(stored.Owner, stored.Prefix)); err != nil {
		return err
	}
	rooms := tx.Bucket(roomsBucket)
	var ownedRooms [][]byte
	if err := rooms.ForEach(func(k, v []byte) error {
		var room Room
		if err := json.Unmarshal(v, &room); err != nil {
			return err
		}
		if room.Owner == id {
			ownedRooms = append(ownedRooms, append([]byte{}, k...))
		}
		return nil
	}); err != nil {
		return err
	}
	for _, roomID := range ownedRooms {
		if err := rooms.Delete(roomID); err != nil {
			return err
		}
	}
	return tx.Bucket(appServicesBucket).Delete([]byte(id.String()))
}

func (s *boltStorage) DeleteAppService(_ context.Context, az *AppService) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteAppServiceTx(tx, az.ID)
	})
}

func (s *boltStorage) GetRoom(_ context.Context, id string) (*Room, error) {
	var room Room
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(roomsBucket), []byte(id), &room)
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *boltStorage) InsertRoom(_ context.Context, room *Room) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		if b.Get([]byte(room.ID)) != nil {
			return nil
		}
		return putJSON(b, []byte(room.ID), room)
	})
}

func (s *boltStorage) SetRoomDeleted(_ context.Context, room *Room, deleted bool) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(roomsBucket)
		var stored Room
		if err := getJSON(b, []byte(room.ID), &stored); err != nil {
			return err
		}
		stored.Deleted = deleted
		return putJSON(b, []byte(room.ID), stored)
	}); err != nil {
		return err
	}
	room.Deleted = deleted
	return nil
}

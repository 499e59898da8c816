package database

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomString(length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		result[i] = alphanumeric[n.Int64()]
	}
	return string(result), nil
}

func urlSafeToken(numBytes int) (string, error) {
	raw := make([]byte, numBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func newUser(id string) (*User, error) {
	apiToken, apiErr := randomString(64)
	if apiErr != nil {
		return nil, fmt.Errorf("failed to generate api token: %w", apiErr)
	}
	loginToken, loginErr := randomString(64)
	if loginErr != nil {
		return nil, fmt.Errorf("failed to generate login token: %w", loginErr)
	}
	return &User{ID: id, APIToken: apiToken, LoginToken: loginToken}, nil
}

func newAppService(user *User, prefix string, opts AppServiceOptions) (*AppService, error) {
	// The AS token given to the bridge also contains the UUID, so this one is a bit shorter
	hsToken, hsErr := urlSafeToken(48)
	if hsErr != nil {
		return nil, fmt.Errorf("failed to generate hs token: %w", hsErr)
	}
	asToken, asErr := urlSafeToken(20)
	if asErr != nil {
		return nil, fmt.Errorf("failed to generate as token: %w", asErr)
	}
	if opts.Bot == "" {
		opts.Bot = "bot"
	}
	return &AppService{
		ID:         uuid.New(),
		Owner:      user.ID,
		Prefix:     prefix,
		Bot:        opts.Bot,
		Address:    opts.Address,
		HSToken:    hsToken,
		ASToken:    asToken,
		Push:       opts.Push,
		LoginToken: user.LoginToken,
	}, nil
}

// GeneratePassword creates a new config password. The returned plaintext is unpadded base32,
// since it may be typed in by hand; the hash and optional expiry are meant to be persisted
// with SetConfigPassword.
func GeneratePassword(lifetime time.Duration, now time.Time) (password string, hash []byte, expiry *int64, err error) {
	token := make([]byte, 32)
	if _, err = rand.Read(token); err != nil {
		return "", nil, nil, fmt.Errorf("failed to generate password: %w", err)
	}
	digest := sha256.Sum256(token)
	if lifetime > 0 {
		expiresAt := now.Add(lifetime).Unix()
		expiry = &expiresAt
	}
	password = strings.TrimRight(base32.StdEncoding.EncodeToString(token), "=")
	return password, digest[:], expiry, nil
}

// CheckPassword verifies a config password. Passwords are case-insensitive.
func (az *AppService) CheckPassword(password string, now time.Time) bool {
	if len(az.ConfigPasswordHash) == 0 || password == "" {
		return false
	}
	padded := strings.ToUpper(password)
	if rem := len(padded) % 8; rem != 0 {
		padded += strings.Repeat("=", 8-rem)
	}
	token, decodeErr := base32.StdEncoding.DecodeString(padded)
	if decodeErr != nil {
		return false
	}
	digest := sha256.Sum256(token)
	correct := hmac.Equal(digest[:], az.ConfigPasswordHash)
	expired := az.ConfigPasswordExpiry != nil && *az.ConfigPasswordExpiry < now.Unix()
	return correct && !expired
}

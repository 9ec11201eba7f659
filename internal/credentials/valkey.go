package credentials

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type ValkeyTLSConfig struct {
	Enabled bool
	CAFile  string
}

// ValkeyConfig locates a token stored under Key in a shared session store.
type ValkeyConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Key      string
	TLS      ValkeyTLSConfig
}

// Valkey reads the token with GET on every call.
type Valkey struct {
	client valkey.Client
	key    string
}

func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	if cfg.Address == "" {
		return nil, errors.New("credentials: valkey address required")
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, errors.New("credentials: valkey key required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("credentials: read valkey ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("credentials: valkey ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("credentials: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("credentials: valkey ping: %w", err)
	}

	return &Valkey{client: client, key: cfg.Key}, nil
}

func (v *Valkey) Token(ctx context.Context) (string, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(v.key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", ErrAbsent
		}
		return "", fmt.Errorf("credentials: valkey get: %w", err)
	}
	token, err := resp.ToString()
	if err != nil {
		return "", fmt.Errorf("credentials: valkey get string: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrAbsent
	}
	return token, nil
}

func (v *Valkey) Close() {
	v.client.Close()
}

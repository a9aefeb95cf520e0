// Package config loads the relay configuration from a TOML file and the
// process environment. Environment variables win over the file.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendBolt     = "bolt"

	defaultAddress       = ":8080"
	defaultTable         = "PGPRelay"
	defaultBoltPath      = "pgprelay.db"
	defaultPurgeQueue    = "PurgeStrokesQueue"
	defaultFlushInterval = 1000
)

type Server struct {
	// Address is the listen address, e.g. ":8080".
	Address string

	// AllowedOrigin is the only Origin accepted on websocket upgrades. Any
	// origin is accepted when empty.
	AllowedOrigin string

	// DevMode points the AWS and Redis clients at local endpoints without
	// TLS.
	DevMode bool
}

func (s *Server) applyDefaults() {
	if s.Address == "" {
		s.Address = defaultAddress
	}
}

type Store struct {
	// Backend is "dynamodb" or "bolt".
	Backend string

	// Table and Endpoint configure the DynamoDB backend. Endpoint is only
	// used in dev mode.
	Table    string
	Endpoint string

	// Path is the bolt database file.
	Path string
}

func (s *Store) validate() error {
	switch s.Backend {
	case "":
		s.Backend = BackendDynamoDB
		fallthrough
	case BackendDynamoDB:
		if s.Table == "" {
			s.Table = defaultTable
		}
	case BackendBolt:
		if s.Path == "" {
			s.Path = defaultBoltPath
		}
	default:
		return fmt.Errorf("config: Store: Backend '%v' is invalid", s.Backend)
	}
	return nil
}

type Cache struct {
	// Endpoint is the Redis address, host:port. It may be left empty with
	// the bolt store, which then uses an in-process cache.
	Endpoint string
}

func (c *Cache) validate(backend string) error {
	if c.Endpoint == "" && backend != BackendBolt {
		return errors.New("config: Cache: Endpoint is not set")
	}
	return nil
}

// InProcess reports whether the relay should run without Redis.
func (c *Cache) InProcess() bool {
	return c.Endpoint == ""
}

type Queue struct {
	// Name is the SQS queue that receives stroke purge jobs. It is not used
	// with the bolt store.
	Name     string
	Endpoint string
}

func (q *Queue) applyDefaults() {
	if q.Name == "" {
		q.Name = defaultPurgeQueue
	}
}

type Auth struct {
	// JWTSecret is the base64 encoded HMAC key for REST tokens.
	JWTSecret string

	secret []byte
}

func (a *Auth) validate() error {
	if a.JWTSecret == "" {
		return errors.New("config: Auth: JWTSecret is not set")
	}
	secret, err := base64.StdEncoding.DecodeString(a.JWTSecret)
	if err != nil {
		return fmt.Errorf("config: Auth: JWTSecret is not valid base64: %v", err)
	}
	if len(secret) < 16 {
		return errors.New("config: Auth: JWTSecret must be at least 16 bytes")
	}
	a.secret = secret
	return nil
}

// Secret returns the decoded JWT key. Only valid after validation.
func (a *Auth) Secret() []byte {
	return a.secret
}

type Relay struct {
	// DeliveryFlushMilliseconds is how often delivered flags of fast-path
	// messages are written.
	DeliveryFlushMilliseconds int
}

func (r *Relay) validate() error {
	if r.DeliveryFlushMilliseconds == 0 {
		r.DeliveryFlushMilliseconds = defaultFlushInterval
	}
	if r.DeliveryFlushMilliseconds < 0 {
		return fmt.Errorf("config: Relay: DeliveryFlushMilliseconds '%v' is invalid", r.DeliveryFlushMilliseconds)
	}
	return nil
}

type Config struct {
	Server *Server
	Store  *Store
	Cache  *Cache
	Queue  *Queue
	Auth   *Auth
	Relay  *Relay
}

// applyEnvironment overrides file values with the deployment variables.
func (cfg *Config) applyEnvironment(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DEV_MODE"); ok {
		cfg.Server.DevMode = v == "true"
	}
	if v, ok := lookup("HOST_PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("config: HOST_PORT '%v' is invalid", v)
		}
		cfg.Server.Address = ":" + v
	}
	if v, ok := lookup("ALLOWED_ORIGIN"); ok {
		cfg.Server.AllowedOrigin = v
	}
	if v, ok := lookup("DYNAMODB_ENDPOINT"); ok && v != "" {
		cfg.Store.Endpoint = v
	}
	if v, ok := lookup("SQS_ENDPOINT"); ok && v != "" {
		cfg.Queue.Endpoint = v
	}
	if v, ok := lookup("REDIS_ENDPOINT"); ok && v != "" {
		cfg.Cache.Endpoint = v
	}
	if v, ok := lookup("JWT_SECRET"); ok && v != "" {
		cfg.Auth.JWTSecret = v
	}
	return nil
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Store == nil {
		cfg.Store = &Store{}
	}
	if cfg.Cache == nil {
		cfg.Cache = &Cache{}
	}
	if cfg.Queue == nil {
		cfg.Queue = &Queue{}
	}
	if cfg.Auth == nil {
		cfg.Auth = &Auth{}
	}
	if cfg.Relay == nil {
		cfg.Relay = &Relay{}
	}

	if err := cfg.applyEnvironment(os.LookupEnv); err != nil {
		return err
	}

	cfg.Server.applyDefaults()
	cfg.Queue.applyDefaults()
	if err := cfg.Store.validate(); err != nil {
		return err
	}
	if err := cfg.Cache.validate(cfg.Store.Backend); err != nil {
		return err
	}
	if err := cfg.Auth.validate(); err != nil {
		return err
	}
	return cfg.Relay.validate()
}

// Load parses and validates the provided buffer.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file. An empty path
// configures the relay from the environment alone.
func LoadFile(f string) (*Config, error) {
	if f == "" {
		return Load(nil)
	}
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

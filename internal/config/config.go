package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAuthURL     = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/Autenticacion/Autenticacion.svc"
	DefaultRequestURL  = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/SolicitaDescargaService.svc"
	DefaultVerifyURL   = "https://cfdidescargamasivasolicitud.clouda.sat.gob.mx/VerificaSolicitudDescargaService.svc"
	DefaultDownloadURL = "https://cfdidescargamasiva.clouda.sat.gob.mx/DescargaMasivaService.svc"
)

// Config is the service configuration. Every field has a usable default so an
// empty or missing file still yields a working setup.
type Config struct {
	Endpoints   Endpoints   `yaml:"endpoints"`
	Poll        Poll        `yaml:"poll"`
	Transport   Transport   `yaml:"transport"`
	Signing     Signing     `yaml:"signing"`
	Fallback    Fallback    `yaml:"fallback"`
	Scheduler   Scheduler   `yaml:"scheduler"`
	Credentials Credentials `yaml:"credentials"`
	Archive     Archive     `yaml:"archive"`
	Redis       Redis       `yaml:"redis"`
}

type Endpoints struct {
	Auth     string `yaml:"auth"`
	Request  string `yaml:"request"`
	Verify   string `yaml:"verify"`
	Download string `yaml:"download"`
}

// Poll bounds the verification loop.
type Poll struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
}

type Transport struct {
	Timeout      time.Duration `yaml:"timeout"`
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
}

type Signing struct {
	// Algorithm forces the signature algorithm. Empty means rsa-sha1.
	Algorithm string `yaml:"algorithm"`
}

type Fallback struct {
	// Codes are remote codes that downgrade a FullDocument request to MetadataOnly.
	Codes []string `yaml:"codes"`
}

type Scheduler struct {
	Interval      time.Duration `yaml:"interval"`
	MaxConcurrent int64         `yaml:"max_concurrent"`
}

// Credentials selects the credential store. Dir wins when both are set.
type Credentials struct {
	Dir      string `yaml:"dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Archive is the object storage bucket raw document payloads are copied to.
// An empty bucket disables archiving.
type Archive struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Redis enables the cross-instance execution lock when Addr is set.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Endpoints: Endpoints{
			Auth:     DefaultAuthURL,
			Request:  DefaultRequestURL,
			Verify:   DefaultVerifyURL,
			Download: DefaultDownloadURL,
		},
		Poll: Poll{
			Interval:    2 * time.Second,
			MaxAttempts: 150,
			Timeout:     10 * time.Minute,
			TokenTTL:    4*time.Minute + 30*time.Second,
		},
		Transport: Transport{
			Timeout:      60 * time.Second,
			RetryMax:     3,
			RetryWaitMin: time.Second,
			RetryWaitMax: 5 * time.Second,
		},
		Fallback: Fallback{
			Codes: []string{"5003", "301"},
		},
		Scheduler: Scheduler{
			Interval:      10 * time.Second,
			MaxConcurrent: 4,
		},
		Redis: Redis{
			LockTTL: 15 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c Config) Validate() error {
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("poll.max_attempts must be positive")
	}
	if c.Poll.Timeout <= 0 {
		return fmt.Errorf("poll.timeout must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Redis.Addr != "" && c.Redis.LockTTL <= 0 {
		return fmt.Errorf("redis.lock_ttl must be positive when redis.addr is set")
	}
	switch c.Signing.Algorithm {
	case "", "rsa-sha1", "rsa-sha256":
	default:
		return fmt.Errorf("signing.algorithm %q is not supported", c.Signing.Algorithm)
	}
	return nil
}

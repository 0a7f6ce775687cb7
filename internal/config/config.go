package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "VERIFACE"
	defaultHTTPAddress = "0.0.0.0:8080"

	defaultDatabaseDriver = "sqlite"
	defaultDatabasePath   = "veriface.db"
	defaultLogLevel       = "info"

	defaultTokenTTLMinutes = 60

	defaultEmbeddingDim       = 128
	defaultAuthThreshold      = 0.60
	defaultDuplicateThreshold = 0.55
	defaultExtractorTimeout   = 10

	defaultOTPLength     = 6
	defaultOTPTTLMinutes = 10

	defaultSMTPPort = 587

	defaultCaptureDriver = "fs"
	defaultUploadDir     = "captures"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress string
	LogLevel    string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	SigningSecret string
	TokenTTL      time.Duration

	EmbeddingDim       int
	AuthThreshold      float64
	DuplicateThreshold float64
	ExtractorURL       string
	ExtractorTimeout   time.Duration

	OTPLength int
	OTPTTL    time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	CaptureDriver      string
	CaptureUploadDir   string
	CaptureS3Bucket    string
	CaptureS3Region    string
	CaptureS3Endpoint  string
	CaptureS3AccessKey string
	CaptureS3SecretKey string

	SweepInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("face.embedding_dim", defaultEmbeddingDim)
	configViper.SetDefault("face.auth_threshold", defaultAuthThreshold)
	configViper.SetDefault("face.duplicate_threshold", defaultDuplicateThreshold)
	configViper.SetDefault("face.extractor_timeout_seconds", defaultExtractorTimeout)
	configViper.SetDefault("otp.length", defaultOTPLength)
	configViper.SetDefault("otp.ttl_minutes", defaultOTPTTLMinutes)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("capture.driver", defaultCaptureDriver)
	configViper.SetDefault("capture.upload_dir", defaultUploadDir)
	configViper.SetDefault("maintenance.sweep_interval_minutes", 0)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		DatabaseDriver:     configViper.GetString("database.driver"),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		EmbeddingDim:       configViper.GetInt("face.embedding_dim"),
		AuthThreshold:      configViper.GetFloat64("face.auth_threshold"),
		DuplicateThreshold: configViper.GetFloat64("face.duplicate_threshold"),
		ExtractorURL:       configViper.GetString("face.extractor_url"),
		ExtractorTimeout:   time.Duration(configViper.GetInt("face.extractor_timeout_seconds")) * time.Second,
		OTPLength:          configViper.GetInt("otp.length"),
		OTPTTL:             time.Duration(configViper.GetInt("otp.ttl_minutes")) * time.Minute,
		SMTPHost:           configViper.GetString("smtp.host"),
		SMTPPort:           configViper.GetInt("smtp.port"),
		SMTPUsername:       configViper.GetString("smtp.username"),
		SMTPPassword:       configViper.GetString("smtp.password"),
		SMTPFrom:           configViper.GetString("smtp.from"),
		CaptureDriver:      configViper.GetString("capture.driver"),
		CaptureUploadDir:   configViper.GetString("capture.upload_dir"),
		CaptureS3Bucket:    configViper.GetString("capture.s3_bucket"),
		CaptureS3Region:    configViper.GetString("capture.s3_region"),
		CaptureS3Endpoint:  configViper.GetString("capture.s3_endpoint"),
		CaptureS3AccessKey: configViper.GetString("capture.s3_access_key"),
		CaptureS3SecretKey: configViper.GetString("capture.s3_secret_key"),
		SweepInterval:      time.Duration(configViper.GetInt("maintenance.sweep_interval_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}

	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mysql":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.DatabaseDriver)
	}

	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("face.embedding_dim must be positive")
	}
	if c.AuthThreshold <= 0 || c.AuthThreshold > 1 {
		return fmt.Errorf("face.auth_threshold must be within (0, 1]")
	}
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("face.duplicate_threshold must be within (0, 1]")
	}
	if strings.TrimSpace(c.ExtractorURL) == "" {
		return fmt.Errorf("face.extractor_url is required")
	}
	if c.ExtractorTimeout <= 0 {
		return fmt.Errorf("face.extractor_timeout_seconds must be positive")
	}

	if c.OTPLength < 4 || c.OTPLength > 10 {
		return fmt.Errorf("otp.length must be between 4 and 10")
	}
	if c.OTPTTL <= 0 {
		return fmt.Errorf("otp.ttl_minutes must be positive")
	}

	if strings.TrimSpace(c.SMTPHost) == "" {
		return fmt.Errorf("smtp.host is required")
	}
	if strings.TrimSpace(c.SMTPFrom) == "" {
		return fmt.Errorf("smtp.from is required")
	}

	switch c.CaptureDriver {
	case "fs":
		if strings.TrimSpace(c.CaptureUploadDir) == "" {
			return fmt.Errorf("capture.upload_dir is required for the fs driver")
		}
	case "s3":
		if strings.TrimSpace(c.CaptureS3Bucket) == "" {
			return fmt.Errorf("capture.s3_bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("capture.driver must be fs or s3, got %q", c.CaptureDriver)
	}

	return nil
}

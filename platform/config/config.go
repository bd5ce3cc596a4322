// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// StoreConfig selects the conversation store backend.
type StoreConfig interface {
	DatabaseConfig
	GetStoreDriver() string
	GetSQLitePath() string
	GetRedisURL() string
}

// RedisConfig provides settings for Redis-backed components.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// LockConfig selects the per-contact lock backend.
type LockConfig interface {
	GetLockBackend() string
	GetLockTTL() time.Duration
}

// SchedulerConfig provides settings for the asynq scheduler.
type SchedulerConfig interface {
	RedisConfig
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetExpirySweepSpec() string
	GetPruneSpec() string
}

// ProviderConfig provides settings for the language-model provider.
type ProviderConfig interface {
	GetProviderName() string
	GetProviderTimeout() time.Duration
	GetOpenAIAPIKey() string
	GetOpenAIModel() string
	GetMoonshotAPIKey() string
	GetMoonshotModel() string
	GetMoonshotBaseURL() string
}

// QualificationConfig provides the raw qualification criteria values.
type QualificationConfig interface {
	GetQualificationMinScore() int
	GetQualificationMaxAttempts() int
	GetQualificationRequiredFields() []string
	GetQualificationBusinessType() string
	GetQualificationTimeout() time.Duration
	GetQualificationHighValueAmount() float64
	GetQualificationProfilesFile() string
	GetQualificationRetention() time.Duration
	GetPhoneRegion() string
	GetFallbackReply() string
	GetHandoffReply() string
	GetClosingReply() string
}

// WebhookConfig provides settings for the inbound webhook.
type WebhookConfig interface {
	GetWebhookAPIKey() string
	GetWebhookRatePerMinute() int
	GetDedupeTTL() time.Duration
}

// OperatorAuthConfig provides JWT validation settings for operator routes.
type OperatorAuthConfig interface {
	GetOperatorJWTSecret() string
}

// WhatsAppConfig provides settings for outbound reply delivery.
type WhatsAppConfig interface {
	GetWhatsAppURL() string
	GetWhatsAppKey() string
	GetWhatsAppDeviceID() string
}

// SMTPConfig provides settings for handoff notification email.
type SMTPConfig interface {
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
	GetSMTPFromAddress() string
	GetSMTPFromName() string
	GetHandoffEmailTo() []string
	IsSMTPEnabled() bool
}

// ArchiveConfig provides settings for transcript archiving to S3-compatible storage.
type ArchiveConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetArchiveBucket() string
	IsArchiveEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env            string
	HTTPAddr       string
	CORSAllowAll   bool
	CORSOrigins    []string
	CORSAllowCreds bool

	StoreDriver string
	DatabaseURL string
	SQLitePath  string

	RedisURL         string
	RedisTLSInsecure bool
	LockBackend      string
	LockTTL          time.Duration

	AsynqQueueName   string
	AsynqConcurrency int
	ExpirySweepSpec  string
	PruneSpec        string

	ProviderName    string
	ProviderTimeout time.Duration
	OpenAIAPIKey    string
	OpenAIModel     string
	MoonshotAPIKey  string
	MoonshotModel   string
	MoonshotBaseURL string

	QualificationMinScore        int
	QualificationMaxAttempts     int
	QualificationRequiredFields  []string
	QualificationBusinessType    string
	QualificationTimeout         time.Duration
	QualificationHighValueAmount float64
	QualificationProfilesFile    string
	QualificationRetention       time.Duration
	PhoneRegion                  string
	FallbackReply                string
	HandoffReply                 string
	ClosingReply                 string

	WebhookAPIKey        string
	WebhookRatePerMinute int
	DedupeTTL            time.Duration
	OperatorJWTSecret    string

	WhatsAppURL      string
	WhatsAppKey      string
	WhatsAppDeviceID string

	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFromAddress string
	SMTPFromName    string
	HandoffEmailTo  []string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool
	ArchiveBucket  string
}

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// StoreConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }
func (c *Config) GetStoreDriver() string { return c.StoreDriver }
func (c *Config) GetSQLitePath() string  { return c.SQLitePath }

// RedisConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }

// LockConfig implementation
func (c *Config) GetLockBackend() string    { return c.LockBackend }
func (c *Config) GetLockTTL() time.Duration { return c.LockTTL }

// SchedulerConfig implementation
func (c *Config) GetAsynqQueueName() string  { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int   { return c.AsynqConcurrency }
func (c *Config) GetExpirySweepSpec() string { return c.ExpirySweepSpec }
func (c *Config) GetPruneSpec() string       { return c.PruneSpec }

// ProviderConfig implementation
func (c *Config) GetProviderName() string            { return c.ProviderName }
func (c *Config) GetProviderTimeout() time.Duration  { return c.ProviderTimeout }
func (c *Config) GetOpenAIAPIKey() string            { return c.OpenAIAPIKey }
func (c *Config) GetOpenAIModel() string             { return c.OpenAIModel }
func (c *Config) GetMoonshotAPIKey() string          { return c.MoonshotAPIKey }
func (c *Config) GetMoonshotModel() string           { return c.MoonshotModel }
func (c *Config) GetMoonshotBaseURL() string         { return c.MoonshotBaseURL }

// QualificationConfig implementation
func (c *Config) GetQualificationMinScore() int    { return c.QualificationMinScore }
func (c *Config) GetQualificationMaxAttempts() int { return c.QualificationMaxAttempts }
func (c *Config) GetQualificationRequiredFields() []string {
	return c.QualificationRequiredFields
}
func (c *Config) GetQualificationBusinessType() string       { return c.QualificationBusinessType }
func (c *Config) GetQualificationTimeout() time.Duration     { return c.QualificationTimeout }
func (c *Config) GetQualificationHighValueAmount() float64   { return c.QualificationHighValueAmount }
func (c *Config) GetQualificationProfilesFile() string       { return c.QualificationProfilesFile }
func (c *Config) GetQualificationRetention() time.Duration   { return c.QualificationRetention }
func (c *Config) GetPhoneRegion() string                     { return c.PhoneRegion }
func (c *Config) GetFallbackReply() string                   { return c.FallbackReply }
func (c *Config) GetHandoffReply() string                    { return c.HandoffReply }
func (c *Config) GetClosingReply() string                    { return c.ClosingReply }

// WebhookConfig implementation
func (c *Config) GetWebhookAPIKey() string      { return c.WebhookAPIKey }
func (c *Config) GetWebhookRatePerMinute() int  { return c.WebhookRatePerMinute }
func (c *Config) GetDedupeTTL() time.Duration   { return c.DedupeTTL }
func (c *Config) GetOperatorJWTSecret() string  { return c.OperatorJWTSecret }

// WhatsAppConfig implementation
func (c *Config) GetWhatsAppURL() string      { return c.WhatsAppURL }
func (c *Config) GetWhatsAppKey() string      { return c.WhatsAppKey }
func (c *Config) GetWhatsAppDeviceID() string { return c.WhatsAppDeviceID }

// SMTPConfig implementation
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }
func (c *Config) GetSMTPFromAddress() string  { return c.SMTPFromAddress }
func (c *Config) GetSMTPFromName() string     { return c.SMTPFromName }
func (c *Config) GetHandoffEmailTo() []string { return c.HandoffEmailTo }
func (c *Config) IsSMTPEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFromAddress != "" && len(c.HandoffEmailTo) > 0
}

// ArchiveConfig implementation
func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) GetArchiveBucket() string  { return c.ArchiveBucket }
func (c *Config) IsArchiveEnabled() bool    { return c.MinIOEndpoint != "" && c.ArchiveBucket != "" }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()
	if err := checkNumericEnv(); err != nil {
		return nil, err
	}

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	cfg := &Config{
		Env:            getEnv("APP_ENV", "development"),
		HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
		CORSAllowAll:   corsAllowAll,
		CORSOrigins:    corsOrigins,
		CORSAllowCreds: strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "false"), "true"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", "memory")),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", "qualification.db"),

		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		LockBackend:      strings.ToLower(getEnv("LOCK_BACKEND", "local")),
		LockTTL:          mustDuration(getEnv("LOCK_TTL", "45s")),

		AsynqQueueName:   getEnv("ASYNQ_QUEUE", "qualification"),
		AsynqConcurrency: mustInt(getEnv("ASYNQ_CONCURRENCY", "4")),
		ExpirySweepSpec:  getEnv("EXPIRY_SWEEP_SPEC", "@every 1m"),
		PruneSpec:        getEnv("PRUNE_SPEC", "@every 1h"),

		ProviderName:    strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		ProviderTimeout: mustDuration(getEnv("LLM_TIMEOUT", "20s")),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		MoonshotAPIKey:  getEnv("MOONSHOT_API_KEY", ""),
		MoonshotModel:   getEnv("MOONSHOT_MODEL", ""),
		MoonshotBaseURL: getEnv("MOONSHOT_BASE_URL", ""),

		QualificationMinScore:        mustInt(getEnv("QUALIFICATION_MIN_SCORE", "50")),
		QualificationMaxAttempts:     mustInt(getEnv("QUALIFICATION_MAX_ATTEMPTS", "5")),
		QualificationRequiredFields:  splitCSV(getEnv("QUALIFICATION_REQUIRED_FIELDS", "")),
		QualificationBusinessType:    getEnv("QUALIFICATION_BUSINESS_TYPE", "default"),
		QualificationTimeout:         mustDuration(getEnv("QUALIFICATION_TIMEOUT", "30m")),
		QualificationHighValueAmount: mustFloat(getEnv("QUALIFICATION_HIGH_VALUE_AMOUNT", "10000")),
		QualificationProfilesFile:    getEnv("QUALIFICATION_PROFILES_FILE", ""),
		QualificationRetention:       mustDuration(getEnv("QUALIFICATION_RETENTION", "720h")),
		PhoneRegion:                  strings.ToUpper(getEnv("PHONE_REGION", "BR")),
		FallbackReply:                getEnv("FALLBACK_REPLY", "Obrigado pela mensagem! Estamos com uma instabilidade e responderemos em instantes."),
		HandoffReply:                 getEnv("HANDOFF_REPLY", "Perfeito! Um dos nossos especialistas vai continuar o atendimento com você em breve."),
		ClosingReply:                 getEnv("CLOSING_REPLY", "Tudo bem, encerramos por aqui. Se precisar, é só chamar!"),

		WebhookAPIKey:        getEnv("WEBHOOK_API_KEY", ""),
		WebhookRatePerMinute: mustInt(getEnv("WEBHOOK_RATE_PER_MINUTE", "120")),
		DedupeTTL:            mustDuration(getEnv("DEDUPE_TTL", "10m")),
		OperatorJWTSecret:    getEnv("OPERATOR_JWT_SECRET", ""),

		WhatsAppURL:      getEnv("WHATSAPP_URL", ""),
		WhatsAppKey:      getEnv("WHATSAPP_KEY", ""),
		WhatsAppDeviceID: getEnv("WHATSAPP_DEVICE_ID", ""),

		SMTPHost:        getEnv("SMTP_HOST", ""),
		SMTPPort:        mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:    getEnv("SMTP_USERNAME", ""),
		SMTPPassword:    getEnv("SMTP_PASSWORD", ""),
		SMTPFromAddress: getEnv("SMTP_FROM_ADDRESS", ""),
		SMTPFromName:    getEnv("SMTP_FROM_NAME", "Lead Qualification"),
		HandoffEmailTo:  splitCSV(getEnv("HANDOFF_EMAIL_TO", "")),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:    strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		ArchiveBucket:  getEnv("ARCHIVE_BUCKET", "conversation-transcripts"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER is redis")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.LockBackend {
	case "local":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND is redis")
		}
	default:
		return fmt.Errorf("unsupported LOCK_BACKEND %q", c.LockBackend)
	}

	switch c.ProviderName {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER is openai")
		}
	case "moonshot":
		if c.MoonshotAPIKey == "" {
			return fmt.Errorf("MOONSHOT_API_KEY is required when LLM_PROVIDER is moonshot")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER %q", c.ProviderName)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be a positive duration")
	}
	if c.QualificationMinScore < 0 || c.QualificationMinScore > 100 {
		return fmt.Errorf("QUALIFICATION_MIN_SCORE must be between 0 and 100")
	}
	if c.QualificationMaxAttempts < 1 {
		return fmt.Errorf("QUALIFICATION_MAX_ATTEMPTS must be at least 1")
	}
	if c.WebhookAPIKey == "" {
		return fmt.Errorf("WEBHOOK_API_KEY is required")
	}
	if c.OperatorJWTSecret == "" {
		return fmt.Errorf("OPERATOR_JWT_SECRET is required")
	}
	if c.CORSAllowAll && c.CORSAllowCreds {
		return fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	return nil
}

// numericEnv lists the variables whose malformed values would otherwise
// silently read as zero.
var numericEnv = map[string]func(string) error{
	"QUALIFICATION_MIN_SCORE":         parseIntErr,
	"QUALIFICATION_MAX_ATTEMPTS":      parseIntErr,
	"QUALIFICATION_HIGH_VALUE_AMOUNT": parseFloatErr,
	"QUALIFICATION_TIMEOUT":           parseDurationErr,
	"QUALIFICATION_RETENTION":         parseDurationErr,
	"ASYNQ_CONCURRENCY":               parseIntErr,
	"WEBHOOK_RATE_PER_MINUTE":         parseIntErr,
	"DEDUPE_TTL":                      parseDurationErr,
	"LOCK_TTL":                        parseDurationErr,
	"LLM_TIMEOUT":                     parseDurationErr,
	"SMTP_PORT":                       parseIntErr,
}

func checkNumericEnv() error {
	for key, parse := range numericEnv {
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := parse(val); err != nil {
			return fmt.Errorf("%s: invalid value %q", key, val)
		}
	}
	return nil
}

func parseIntErr(value string) error {
	_, err := strconv.Atoi(strings.TrimSpace(value))
	return err
}

func parseFloatErr(value string) error {
	_, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	return err
}

func parseDurationErr(value string) error {
	_, err := time.ParseDuration(value)
	return err
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}

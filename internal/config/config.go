// Package config defines the process configuration for the billing API and
// the monthly charge scheduler. Configuration is loaded once at startup and
// is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"fmt"
	"time"

	"tutorbill/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types for credentials.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"tutorbill"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Billing       BillingConfig
	Scheduler     SchedulerConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Base URL for checkout success/cancel redirects (no trailing slash).
	DashboardURL   string        `envconfig:"DASHBOARD_URL" validate:"required,url"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds the Postgres DSN and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int32         `envconfig:"DB_MIN_CONNS" default:"1" validate:"min=0,ltefield=MaxConns"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	// Per-statement budget; exceeding it surfaces as upstream_store_timeout.
	QueryTimeout time.Duration `envconfig:"DB_QUERY_TIMEOUT" default:"5s"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// Balance alerts are published here. Empty disables publishing.
	BillingAlertQueue string `envconfig:"SQS_BILLING_ALERTS" validate:"omitempty,url"`
	// LocalStack support (empty in prod).
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe credentials and the monetary policy knobs.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	Currency            string       `envconfig:"BILLING_CURRENCY" default:"eur" validate:"len=3,lowercase"`
	MinTopUp            Amount       `envconfig:"BILLING_MIN_TOPUP" default:"20.00" validate:"gt=0"`
	ReferralBonus       Amount       `envconfig:"BILLING_REFERRAL_BONUS" default:"5.00" validate:"gte=0"`
	// PlanQuotas maps Stripe plan price ids to student quotas,
	// e.g. "price_basic:5,price_pro:20".
	PlanQuotas map[string]int `envconfig:"BILLING_PLAN_QUOTAS" validate:"dive,min=0"`
}

// SchedulerConfig holds the monthly charge run parameters.
type SchedulerConfig struct {
	// bcrypt hash of the bearer token accepted by POST /billing/monthly-charge.
	// Empty disables the HTTP trigger.
	TriggerTokenHash SecretString  `envconfig:"MONTHLY_CHARGE_TOKEN_HASH"`
	Concurrency      int           `envconfig:"SCHEDULER_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	RecordTimeout    time.Duration `envconfig:"SCHEDULER_RECORD_TIMEOUT" default:"10s"`
	BatchSize        int           `envconfig:"SCHEDULER_BATCH_SIZE" default:"100" validate:"min=1,max=1000"`
	LockTTL          time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"TutorBill"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Amount is a money value read from the environment as a major-unit decimal
// string such as "20.00".
type Amount types.Cents

// Decode implements envconfig.Decoder.
func (a *Amount) Decode(value string) error {
	c, err := types.ParseCents(value)
	if err != nil {
		return fmt.Errorf("parse amount: %w", err)
	}
	*a = Amount(c)
	return nil
}

// Cents returns the amount as types.Cents.
func (a Amount) Cents() types.Cents {
	return types.Cents(a)
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)

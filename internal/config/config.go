package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	HTTPAddr     string
	CRDBDSN      string
	MongoURI     string
	MongoDB      string
	RedisAddr    string
	RabbitURL    string
	JWTSecret    string
	OTLPEndpoint string
	AutoMigrate  bool

	PlatformFeeRate    decimal.Decimal
	PhoneCountryCode   string
	EventTimezone      string
	PendingPurchaseTTL time.Duration
	StoreTimeout       time.Duration
	SweepInterval      time.Duration

	// CallbackPhoneFallback enables matching callbacks that carry no
	// correlation token by payer phone. Only unambiguous matches are used.
	CallbackPhoneFallback bool

	Mpesa MpesaConfig
}

type MpesaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
	Timeout        time.Duration
}

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

func Load() (*Config, error) {
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", "0.05"))
	if err != nil {
		return nil, errors.Wrap(err, "PLATFORM_FEE_RATE")
	}
	if feeRate.IsNegative() || feeRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.Newf("PLATFORM_FEE_RATE %s outside [0, 1]", feeRate)
	}
	// commissions.fee_rate is DECIMAL(5, 4)
	if !feeRate.Equal(feeRate.Round(4)) {
		return nil, errors.Newf("PLATFORM_FEE_RATE %s has more than 4 decimal places", feeRate)
	}

	pendingTTL, err := durationEnv("PENDING_PURCHASE_TTL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	storeTimeout, err := durationEnv("STORE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := durationEnv("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	gatewayTimeout, err := durationEnv("MPESA_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}

	baseURL := os.Getenv("MPESA_BASE_URL")
	if baseURL == "" {
		baseURL = sandboxBaseURL
		if os.Getenv("MPESA_ENVIRONMENT") == "production" {
			baseURL = productionBaseURL
		}
	}

	return &Config{
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		CRDBDSN:      os.Getenv("CRDB_DSN"),
		MongoURI:     os.Getenv("MONGO_URI"),
		MongoDB:      getEnv("MONGO_DB", "campus"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RabbitURL:    os.Getenv("RABBIT_URL"),
		JWTSecret:    os.Getenv("JWT_SECRET"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AutoMigrate:  boolEnv("AUTO_MIGRATE"),

		PlatformFeeRate:       feeRate,
		PhoneCountryCode:      getEnv("PHONE_COUNTRY_CODE", "254"),
		EventTimezone:         getEnv("EVENT_TIMEZONE", "Africa/Nairobi"),
		PendingPurchaseTTL:    pendingTTL,
		StoreTimeout:          storeTimeout,
		SweepInterval:         sweepInterval,
		CallbackPhoneFallback: boolEnv("CALLBACK_PHONE_FALLBACK"),

		Mpesa: MpesaConfig{
			BaseURL:        baseURL,
			ConsumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
			ShortCode:      getEnv("MPESA_SHORTCODE", "174379"),
			PassKey:        os.Getenv("MPESA_PASSKEY"),
			CallbackURL:    os.Getenv("MPESA_CALLBACK_URL"),
			Timeout:        gatewayTimeout,
		},
	}, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func boolEnv(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	defaultChargePointId       = "CP-1"
	defaultCentralSystemUrl    = "ws://localhost:8887"
	defaultConnectors          = 1
	defaultFailureThreshold    = 20
	defaultMaxDeliveryFailures = 5
	defaultPollInterval        = time.Second
	defaultLinkProbeInterval   = 5 * time.Second
	defaultResetDelay          = 5 * time.Second
	defaultStorageBackend      = "file"
	defaultDataDir             = "./data"
	defaultAuditPath           = "audit.csv"
	defaultRedisAddr           = "localhost:6379"
	defaultNotifier            = "none"
	defaultNatsRequestTimeout  = 30 * time.Second
	defaultMqttBroker          = "tcp://localhost:1883"
	defaultHttpAddr            = ":8080"
	defaultLogLevel            = "info"
)

type Config struct {
	ChargePointId       string        `validate:"required,max=48"`
	CentralSystemUrl    string        `validate:"required,url"`
	Connectors          int           `validate:"gte=1,lte=8"`
	FailureThreshold    int           `validate:"gte=1"`
	MaxDeliveryFailures int           `validate:"gte=1"`
	PollInterval        time.Duration `validate:"gt=0"`
	LinkProbeInterval   time.Duration `validate:"gt=0"`
	// LinkProbeAddress is dialed to tell whether the network is up. Empty
	// means the central system's host.
	LinkProbeAddress    string
	ResetDelay          time.Duration `validate:"gte=0"`

	StorageBackend string `validate:"oneof=file redis"`
	DataDir        string `validate:"required_if=StorageBackend file"`
	AuditPath      string `validate:"required"`
	RedisAddr      string `validate:"required_if=StorageBackend redis"`
	RedisPassword  string
	RedisDB        int `validate:"gte=0"`

	Notifier           string        `validate:"oneof=none nats mqtt"`
	NatsUrl            string        `validate:"required_if=Notifier nats"`
	NatsRequestTimeout time.Duration `validate:"gt=0"`
	MqttBroker         string        `validate:"required_if=Notifier mqtt"`
	MqttClientId       string

	HttpAddr string
	LogLevel string `validate:"oneof=trace debug info warn warning error fatal panic"`
}

// Load reads an optional .env file and then the environment. Unset keys take
// their default; malformed or out-of-range values are reported as ErrInvalid.
func Load(files ...string) (*Config, error) {
	// a missing .env is fine, the environment alone is enough
	_ = godotenv.Load(files...)

	var errs []error
	cfg := &Config{
		ChargePointId:       getEnv("CHARGE_POINT_ID", defaultChargePointId),
		CentralSystemUrl:    getEnv("CENTRAL_SYSTEM_URL", defaultCentralSystemUrl),
		Connectors:          getInt("CONNECTORS", defaultConnectors, &errs),
		FailureThreshold:    getInt("FAILURE_THRESHOLD", defaultFailureThreshold, &errs),
		MaxDeliveryFailures: getInt("MAX_DELIVERY_FAILURES", defaultMaxDeliveryFailures, &errs),
		PollInterval:        getDuration("POLL_INTERVAL", defaultPollInterval, &errs),
		LinkProbeInterval:   getDuration("LINK_PROBE_INTERVAL", defaultLinkProbeInterval, &errs),
		LinkProbeAddress:    getEnv("LINK_PROBE_ADDRESS", ""),
		ResetDelay:          getDuration("RESET_DELAY", defaultResetDelay, &errs),

		StorageBackend: getEnv("STORAGE_BACKEND", defaultStorageBackend),
		DataDir:        getEnv("DATA_DIR", defaultDataDir),
		AuditPath:      getEnv("AUDIT_PATH", defaultAuditPath),
		RedisAddr:      getEnv("REDIS_ADDR", defaultRedisAddr),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getInt("REDIS_DB", 0, &errs),

		Notifier:           getEnv("NOTIFIER", defaultNotifier),
		NatsUrl:            getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		NatsRequestTimeout: getDuration("NATS_REQUEST_TIMEOUT", defaultNatsRequestTimeout, &errs),
		MqttBroker:         getEnv("MQTT_BROKER", defaultMqttBroker),
		MqttClientId:       getEnv("MQTT_CLIENT_ID", ""),

		HttpAddr: getEnv("HTTP_ADDR", defaultHttpAddr),
		LogLevel: getEnv("LOG_LEVEL", defaultLogLevel),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%v: %w", key, err))
		return defaultValue
	}
	return n
}

// getDuration accepts Go durations ("1500ms") or a bare number of seconds.
func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%v: %w", key, err))
		return defaultValue
	}
	return d
}

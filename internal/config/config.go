package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// matching
	SearchRadiusKm    float64
	MaxCandidates     int
	OfferTTL          time.Duration
	OfferSweepEvery   time.Duration
	ArrivalSpeedKmh   float64
	LocationFreshness time.Duration

	// cancellation policy
	CustomerCancelGrace time.Duration
	CustomerCancelFee   float64
	DriverCancelFee     float64

	// payments and push
	PaymentCurrency string
	PushEndpoint    string
	FCMEndpoint     string
	FCMKey          string
	OSRMEndpoint    string

	// fare
	FareRates          map[string]FareRate
	FareSurgeWindows   []FareSurgeWindow
	FareNightStart     int
	FareNightEnd       int
	FareNightChargePct float64
	FareVATPct         float64
	FareMinDistanceKm  float64
	FareMaxDistanceKm  float64
	FareBufferMin      int
	FareMinDurationMin int

	LogLevel      string
	RunMigrations bool
}

// FareRate is one category's tariff line: base fare, per-km and
// per-minute rates, and the speed constant used for duration estimates.
type FareRate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
	SpeedKmh  float64
}

// FareSurgeWindow is an inclusive wall-clock hour range with its
// multiplier. StartHour > EndHour wraps past midnight.
type FareSurgeWindow struct {
	StartHour  int
	EndHour    int
	Multiplier float64
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		KafkaTopic:          "driver-locations",
		SearchRadiusKm:      10,
		MaxCandidates:       5,
		OfferTTL:            30 * time.Second,
		OfferSweepEvery:     5 * time.Second,
		ArrivalSpeedKmh:     30,
		LocationFreshness:   2 * time.Minute,
		CustomerCancelGrace: 2 * time.Minute,
		CustomerCancelFee:   500,
		DriverCancelFee:     1000,
		PaymentCurrency:     "rwf",
		FareRates: map[string]FareRate{
			"standard": {Base: 500, PerKm: 300, PerMinute: 10, SpeedKmh: 30},
			"economy":  {Base: 300, PerKm: 200, PerMinute: 5, SpeedKmh: 15},
			"premium":  {Base: 1000, PerKm: 500, PerMinute: 15, SpeedKmh: 25},
			"delivery": {Base: 800, PerKm: 400, PerMinute: 12, SpeedKmh: 25},
			"express":  {Base: 1200, PerKm: 600, PerMinute: 20, SpeedKmh: 35},
		},
		FareSurgeWindows: []FareSurgeWindow{
			{StartHour: 7, EndHour: 9, Multiplier: 1.2},
			{StartHour: 17, EndHour: 19, Multiplier: 1.2},
			{StartHour: 22, EndHour: 5, Multiplier: 1.1},
		},
		FareNightStart:     22,
		FareNightEnd:       6,
		FareNightChargePct: 10,
		FareVATPct:         18,
		FareMinDistanceKm:  0.1,
		FareMaxDistanceKm:  500,
		FareBufferMin:      5,
		FareMinDurationMin: 10,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.SearchRadiusKm, "MATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "MATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "MATCH_OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.OfferSweepEvery, "MATCH_OFFER_SWEEP", &errs)
	setFloatFromEnv(&cfg.ArrivalSpeedKmh, "MATCH_ARRIVAL_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.LocationFreshness, "DRIVER_LOCATION_FRESHNESS", &errs)

	setDurationFromEnv(&cfg.CustomerCancelGrace, "CANCEL_CUSTOMER_GRACE", &errs)
	setFloatFromEnv(&cfg.CustomerCancelFee, "CANCEL_CUSTOMER_FEE", &errs)
	setFloatFromEnv(&cfg.DriverCancelFee, "CANCEL_DRIVER_FEE", &errs)

	for cat := range cfg.FareRates {
		key := "FARE_RATES_" + strings.ToUpper(cat)
		if v := os.Getenv(key); v != "" {
			r, err := parseFareRate(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
				continue
			}
			cfg.FareRates[cat] = r
		}
	}
	if v := os.Getenv("FARE_SURGE_WINDOWS"); v != "" {
		ws, err := parseSurgeWindows(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FARE_SURGE_WINDOWS: %w", err))
		} else {
			cfg.FareSurgeWindows = ws
		}
	}
	if v := os.Getenv("FARE_NIGHT_WINDOW"); v != "" {
		start, end, err := parseHourRange(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FARE_NIGHT_WINDOW: %w", err))
		} else {
			cfg.FareNightStart, cfg.FareNightEnd = start, end
		}
	}
	setFloatFromEnv(&cfg.FareNightChargePct, "FARE_NIGHT_CHARGE_PCT", &errs)
	setFloatFromEnv(&cfg.FareVATPct, "FARE_VAT_PCT", &errs)
	setFloatFromEnv(&cfg.FareMinDistanceKm, "FARE_MIN_DISTANCE_KM", &errs)
	setFloatFromEnv(&cfg.FareMaxDistanceKm, "FARE_MAX_DISTANCE_KM", &errs)
	setIntFromEnv(&cfg.FareBufferMin, "FARE_BUFFER_MIN", &errs)
	setIntFromEnv(&cfg.FareMinDurationMin, "FARE_MIN_DURATION_MIN", &errs)

	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_KM must be > 0"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_OFFER_TTL must be > 0"))
	}
	if cfg.FareVATPct < 0 {
		errs = append(errs, fmt.Errorf("FARE_VAT_PCT must be >= 0"))
	}
	if cfg.FareMinDistanceKm <= 0 || cfg.FareMaxDistanceKm <= cfg.FareMinDistanceKm {
		errs = append(errs, fmt.Errorf("fare distance bounds must satisfy 0 < min < max"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

// parseFareRate reads "base,per_km,per_minute,speed_kmh".
func parseFareRate(v string) (FareRate, error) {
	parts := splitAndTrim(v)
	if len(parts) != 4 {
		return FareRate{}, fmt.Errorf("want base,per_km,per_minute,speed_kmh, got %q", v)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return FareRate{}, err
		}
		if f < 0 {
			return FareRate{}, fmt.Errorf("negative value in %q", v)
		}
		vals[i] = f
	}
	return FareRate{Base: vals[0], PerKm: vals[1], PerMinute: vals[2], SpeedKmh: vals[3]}, nil
}

// parseSurgeWindows reads "7-9:1.2,17-19:1.2,22-5:1.1".
func parseSurgeWindows(v string) ([]FareSurgeWindow, error) {
	var out []FareSurgeWindow
	for _, part := range splitAndTrim(v) {
		seg := strings.SplitN(part, ":", 2)
		if len(seg) != 2 {
			return nil, fmt.Errorf("want start-end:multiplier, got %q", part)
		}
		start, end, err := parseHourRange(seg[0])
		if err != nil {
			return nil, err
		}
		mult, err := strconv.ParseFloat(seg[1], 64)
		if err != nil {
			return nil, err
		}
		if mult <= 0 {
			return nil, fmt.Errorf("multiplier must be > 0 in %q", part)
		}
		out = append(out, FareSurgeWindow{StartHour: start, EndHour: end, Multiplier: mult})
	}
	return out, nil
}

func parseHourRange(v string) (int, int, error) {
	seg := strings.SplitN(strings.TrimSpace(v), "-", 2)
	if len(seg) != 2 {
		return 0, 0, fmt.Errorf("want start-end hours, got %q", v)
	}
	start, err := strconv.Atoi(seg[0])
	if err != nil {
		return 0, 0, err
	}
	end, err := strconv.Atoi(seg[1])
	if err != nil {
		return 0, 0, err
	}
	if start < 0 || start > 23 || end < 0 || end > 23 {
		return 0, 0, fmt.Errorf("hours must be within 0-23 in %q", v)
	}
	return start, end, nil
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

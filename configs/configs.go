package configs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/ovhl/bidding-server/pkg/types"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      string
		Env       string
		LogLevel  string
		Dashboard bool
	}
	Database struct {
		Host     string
		Port     string
		User     string
		Password string
		Name     string
		SSLMode  string
	}
	Redis struct {
		Addr      string
		Password  string
		DB        int
		KeyPrefix string
	}
	WebSocket struct {
		PingInterval   string
		MaxMessageSize int
	}
	Auth struct {
		SecretKey string
	}
	Features struct {
		EnableLogging  bool
		AllowedOrigins []string
	}
	Auction AuctionConfig
	Roster  RosterConfig
	Notify  struct {
		QueueSize int
		Workers   int
	}
}

type AuctionConfig struct {
	Store                string
	BidIncrement         int64
	DefaultContractFloor int64
	InitialWindow        time.Duration
	AntiSnipeFloor       time.Duration
	LeagueWindow         time.Duration
	LeagueCooldown       time.Duration
	MaxCASRetries        int
	LeagueOrder          []string
	SweepInterval        time.Duration
}

type RosterConfig struct {
	MinForwards   int
	MinDefense    int
	MinGoalies    int
	MinSlotSalary int64
}

// Rules converts the roster section into the validator's rules.
func (r RosterConfig) Rules() types.RosterRules {
	return types.RosterRules{
		MinForwards:   r.MinForwards,
		MinDefense:    r.MinDefense,
		MinGoalies:    r.MinGoalies,
		MinSlotSalary: r.MinSlotSalary,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "dev")
	v.SetDefault("server.logLevel", "info")
	v.SetDefault("server.dashboard", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "ovhl")
	v.SetDefault("database.sslMode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "ovhl:")

	v.SetDefault("websocket.pingInterval", "30s")
	v.SetDefault("websocket.maxMessageSize", 4096)

	v.SetDefault("auth.secretKey", "")

	v.SetDefault("features.enableLogging", true)
	v.SetDefault("features.allowedOrigins", []string{})

	v.SetDefault("auction.store", "redis")
	v.SetDefault("auction.bidIncrement", 250000)
	v.SetDefault("auction.defaultContractFloor", 500000)
	v.SetDefault("auction.initialWindow", "8h")
	v.SetDefault("auction.antiSnipeFloor", "6h")
	v.SetDefault("auction.leagueWindow", "48h")
	v.SetDefault("auction.leagueCooldown", "24h")
	v.SetDefault("auction.maxCASRetries", 5)
	v.SetDefault("auction.leagueOrder", []string{"nhl", "ahl", "echl", "chl"})
	v.SetDefault("auction.sweepInterval", "1m")

	v.SetDefault("roster.minForwards", 9)
	v.SetDefault("roster.minDefense", 6)
	v.SetDefault("roster.minGoalies", 2)
	v.SetDefault("roster.minSlotSalary", 500000)

	v.SetDefault("notify.queueSize", 256)
	v.SetDefault("notify.workers", 2)
}

// LoadConfig reads config.yaml from dir (optional), the .env file next to it and
// the environment. Environment variables use "_" for nesting, e.g. AUCTION_BIDINCREMENT.
func LoadConfig(dir string) (*Config, error) {
	// Load .env file
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil {
		log.Info("No .env file found")
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config") // Name of the config file (without extension)
	v.SetConfigType("yaml")   // Config file type
	v.AddConfigPath(dir)      // Path to look for the config file
	v.AutomaticEnv()          // Automatically map environment variables

	// Allow dots in environment variables to map to nested keys
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("No config file found, using defaults", "dir", dir)
	}

	substituteEnvVarsInConfig(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	a := c.Auction
	switch {
	case a.BidIncrement <= 0:
		return errors.New("auction.bidIncrement must be positive")
	case a.InitialWindow <= 0 || a.AntiSnipeFloor <= 0:
		return errors.New("auction windows must be positive")
	case a.MaxCASRetries < 1:
		return errors.New("auction.maxCASRetries must be at least 1")
	case len(a.LeagueOrder) == 0:
		return errors.New("auction.leagueOrder must name at least one league")
	case a.Store != "redis" && a.Store != "memory":
		return errors.New("auction.store must be redis or memory")
	}
	for i, id := range a.LeagueOrder {
		a.LeagueOrder[i] = strings.ToLower(strings.TrimSpace(id))
	}
	return nil
}

// Replace ${VAR} references in string values with the environment.
func substituteEnvVarsInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		v.Set(key, os.Expand(value, os.Getenv))
	}
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Data       DataConfig       `mapstructure:"data"`
	Boundaries BoundariesConfig `mapstructure:"boundaries"`
	Join       JoinConfig       `mapstructure:"join"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Server     ServerConfig     `mapstructure:"server"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Export     ExportConfig     `mapstructure:"export"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DataConfig holds the locations of the hotspot inputs and the materialized output
type DataConfig struct {
	HotspotsCSV      string `mapstructure:"hotspots_csv"`
	PreprocessedPath string `mapstructure:"preprocessed_path"`
	Layer            string `mapstructure:"layer"`
}

// LayerConfig describes one remote WFS boundary layer
type LayerConfig struct {
	URL       string `mapstructure:"url"`
	Layer     string `mapstructure:"layer"`
	Version   string `mapstructure:"version"`
	NameField string `mapstructure:"name_field"`
	SRSName   string `mapstructure:"srs_name"`
}

// LandCoverConfig describes the optional land-cover polygon layer read from a GeoPackage
type LandCoverConfig struct {
	Path       string `mapstructure:"path"`
	Table      string `mapstructure:"table"`
	ClassField string `mapstructure:"class_field"`
	Predicate  string `mapstructure:"predicate"`
}

// Enabled reports whether a land-cover layer has been configured
func (l LandCoverConfig) Enabled() bool {
	return l.Path != ""
}

// BoundariesConfig groups every boundary layer the pipeline joins against
type BoundariesConfig struct {
	Conservation LayerConfig     `mapstructure:"conservation"`
	Canton       LayerConfig     `mapstructure:"canton"`
	LandCover    LandCoverConfig `mapstructure:"land_cover"`
}

// JoinConfig controls how spatial joins are evaluated and composed
type JoinConfig struct {
	Predicate   string `mapstructure:"predicate"`
	Composition string `mapstructure:"composition"`
}

// HTTPConfig holds outbound HTTP client settings
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// ServerConfig holds dashboard API settings
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	Map               MapConfig     `mapstructure:"map"`
}

// MapConfig holds the defaults handed to the dashboard maps
type MapConfig struct {
	CenterLat       float64 `mapstructure:"center_lat"`
	CenterLon       float64 `mapstructure:"center_lon"`
	Zoom            int     `mapstructure:"zoom"`
	TileURL         string  `mapstructure:"tile_url"`
	TileAttribution string  `mapstructure:"tile_attribution"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// PostgresConfig holds the optional PostgreSQL export target
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// ExportConfig groups secondary sinks for the joined dataset
type ExportConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable override, e.g. FIRMSCR_TELEGRAM_BOT_TOKEN
	v.SetEnvPrefix("FIRMSCR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Data defaults
	v.SetDefault("data.hotspots_csv", "data/incendios_2020-2024_costa_rica.csv")
	v.SetDefault("data.preprocessed_path", "data/datos_completos_preprocesados.gpkg")
	v.SetDefault("data.layer", "datos_incendios_completo")

	// Boundary defaults
	v.SetDefault("boundaries.conservation.url", "http://geos1pne.sirefor.go.cr/wfs")
	v.SetDefault("boundaries.conservation.layer", "PNE:areas_conservacion")
	v.SetDefault("boundaries.conservation.version", "1.1.0")
	v.SetDefault("boundaries.conservation.name_field", "nombre_ac")
	v.SetDefault("boundaries.canton.url", "https://geos.snitcr.go.cr/be/IGN_5_CO/wfs")
	v.SetDefault("boundaries.canton.layer", "IGN_5_CO:limitecantonal_5k")
	v.SetDefault("boundaries.canton.version", "1.1.0")
	v.SetDefault("boundaries.canton.name_field", "CANTÓN")
	v.SetDefault("boundaries.conservation.srs_name", "")
	v.SetDefault("boundaries.canton.srs_name", "")
	v.SetDefault("boundaries.land_cover.path", "")
	v.SetDefault("boundaries.land_cover.table", "cobertura")
	v.SetDefault("boundaries.land_cover.class_field", "clase")
	v.SetDefault("boundaries.land_cover.predicate", "within")

	// Join defaults
	v.SetDefault("join.predicate", "intersects")
	v.SetDefault("join.composition", "chained")

	// HTTP client defaults
	v.SetDefault("http.timeout", "2m")
	v.SetDefault("http.user_agent", "firmscr/1.0")

	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.request_timeout", "3m")
	v.SetDefault("server.map.center_lat", 9.7489)
	v.SetDefault("server.map.center_lon", -83.7534)
	v.SetDefault("server.map.zoom", 7)
	v.SetDefault("server.map.tile_url", "https://tiles-cobertura-2023.s3.amazonaws.com/TILES/{z}/{x}/{y}.png")
	v.SetDefault("server.map.tile_attribution", "Cobertura forestal 2023 SINAC")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Export defaults
	v.SetDefault("export.postgres.enabled", false)
	v.SetDefault("export.postgres.dsn", "")
	v.SetDefault("export.postgres.table", "focos_calor")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Data config
	if c.Data.HotspotsCSV == "" && c.Data.PreprocessedPath == "" {
		return fmt.Errorf("data.hotspots_csv or data.preprocessed_path is required")
	}
	if c.Data.Layer == "" {
		return fmt.Errorf("data.layer is required")
	}

	// Validate boundary layers
	if err := c.Boundaries.Conservation.validate("boundaries.conservation"); err != nil {
		return err
	}
	if err := c.Boundaries.Canton.validate("boundaries.canton"); err != nil {
		return err
	}
	if c.Boundaries.LandCover.Enabled() {
		if c.Boundaries.LandCover.Table == "" {
			return fmt.Errorf("boundaries.land_cover.table is required when land cover is enabled")
		}
		if c.Boundaries.LandCover.ClassField == "" {
			return fmt.Errorf("boundaries.land_cover.class_field is required when land cover is enabled")
		}
		if !validPredicates[c.Boundaries.LandCover.Predicate] {
			return fmt.Errorf("boundaries.land_cover.predicate must be one of: intersects, within")
		}
	}

	// Validate Join config
	if !validPredicates[c.Join.Predicate] {
		return fmt.Errorf("join.predicate must be one of: intersects, within")
	}
	validCompositions := map[string]bool{"chained": true, "independent": true}
	if !validCompositions[c.Join.Composition] {
		return fmt.Errorf("join.composition must be one of: chained, independent")
	}

	// Validate HTTP config
	if c.HTTP.Timeout < time.Second {
		return fmt.Errorf("http.timeout must be at least 1 second")
	}

	// Validate Server config
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Server.Map.Zoom < 0 || c.Server.Map.Zoom > 22 {
		return fmt.Errorf("server.map.zoom must be between 0 and 22")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Export config
	if c.Export.Postgres.Enabled {
		if c.Export.Postgres.DSN == "" {
			return fmt.Errorf("export.postgres.dsn is required when postgres export is enabled")
		}
		if c.Export.Postgres.Table == "" {
			return fmt.Errorf("export.postgres.table is required when postgres export is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

var validPredicates = map[string]bool{"intersects": true, "within": true}

func (l LayerConfig) validate(prefix string) error {
	if l.URL == "" {
		return fmt.Errorf("%s.url is required", prefix)
	}
	if l.Layer == "" {
		return fmt.Errorf("%s.layer is required", prefix)
	}
	if l.NameField == "" {
		return fmt.Errorf("%s.name_field is required", prefix)
	}
	validVersions := map[string]bool{"1.0.0": true, "1.1.0": true, "2.0.0": true}
	if !validVersions[l.Version] {
		return fmt.Errorf("%s.version must be one of: 1.0.0, 1.1.0, 2.0.0", prefix)
	}
	return nil
}

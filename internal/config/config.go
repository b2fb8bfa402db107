// Package config loads engine configuration: defaults, an optional YAML
// property file, and environment overrides for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	// Property timezones must resolve inside minimal containers.
	_ "time/tzdata"
)

// Config is the full engine configuration.
type Config struct {
	Server            Server     `yaml:"server"`
	Log               Log        `yaml:"log"`
	DefaultPropertyID string     `yaml:"default_property_id" validate:"required"`
	Properties        []Property `yaml:"properties" validate:"dive"`
	Codes             Codes      `yaml:"codes"`
	Providers         Providers  `yaml:"providers"`
	Lifecycle         Lifecycle  `yaml:"lifecycle"`
	Sweeper           Sweeper    `yaml:"sweeper"`
	GuestToken        GuestToken `yaml:"guest_token"`
	SMTP              SMTP       `yaml:"smtp"`
	Lodgify           Lodgify    `yaml:"lodgify"`
}

type Server struct {
	Addr          string   `yaml:"addr" validate:"required"`
	DataDir       string   `yaml:"data_dir" validate:"required"`
	StaticDir     string   `yaml:"static_dir"`
	CORSOrigins   []string `yaml:"cors_origins"`
	WebhookSecret string   `yaml:"webhook_secret"`
}

type Log struct {
	Level     string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	File      string `yaml:"file"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxAge    int    `yaml:"max_age_days"`
	JSON      bool   `yaml:"json"`
}

// Property holds per-property buffers and the locks installed there.
type Property struct {
	ID          string         `yaml:"id" validate:"required"`
	Name        string         `yaml:"name"`
	Timezone    string         `yaml:"timezone"`
	EarlyBuffer *time.Duration `yaml:"early_buffer" validate:"omitempty,gte=0"`
	LateBuffer  *time.Duration `yaml:"late_buffer" validate:"omitempty,gte=0"`
	// Local times applied to date-only check-in and check-out values.
	CheckinTime  string `yaml:"checkin_time" validate:"omitempty,datetime=15:04"`
	CheckoutTime string `yaml:"checkout_time" validate:"omitempty,datetime=15:04"`
	Locks        []Lock `yaml:"locks" validate:"dive"`
}

type Lock struct {
	ID           string `yaml:"id" validate:"required"`
	Provider     string `yaml:"provider" validate:"required,oneof=tuya ring home_assistant"`
	DeviceID     string `yaml:"device_id" validate:"required"`
	NameIT       string `yaml:"name_it"`
	NameEN       string `yaml:"name_en"`
	DisplayOrder int    `yaml:"display_order"`
	Active       *bool  `yaml:"active"`
}

// IsActive defaults to true when the flag is omitted.
func (l Lock) IsActive() bool {
	return l.Active == nil || *l.Active
}

type Codes struct {
	MinLength int `yaml:"min_length" validate:"gte=4,lte=10"`
	MaxLength int `yaml:"max_length" validate:"gtefield=MinLength,lte=10"`
}

type Providers struct {
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
	BreakerTrips   uint32        `yaml:"breaker_trips"`
	Tuya           Tuya          `yaml:"tuya"`
	Ring           Ring          `yaml:"ring"`
	HomeAssistant  HomeAssistant `yaml:"home_assistant"`
}

// Adapter timeouts left at zero inherit Providers.Timeout.
type Tuya struct {
	BaseURL  string        `yaml:"base_url"`
	ClientID string        `yaml:"client_id"`
	Secret   string        `yaml:"secret"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Ring struct {
	BaseURL      string        `yaml:"base_url"`
	OAuthURL     string        `yaml:"oauth_url"`
	RefreshToken string        `yaml:"refresh_token"`
	ButtonEntity string        `yaml:"button_entity"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
}

type HomeAssistant struct {
	BaseURL         string        `yaml:"base_url"`
	Token           string        `yaml:"token"`
	SupervisorToken string        `yaml:"-"`
	SlotMin         int           `yaml:"slot_min" validate:"gte=1"`
	SlotMax         int           `yaml:"slot_max" validate:"gtefield=SlotMin"`
	Timeout         time.Duration `yaml:"timeout" validate:"gte=0"`
}

// AuthToken prefers the Supervisor token when running as an addon.
func (h HomeAssistant) AuthToken() string {
	if h.SupervisorToken != "" {
		return h.SupervisorToken
	}
	return h.Token
}

type Lifecycle struct {
	RetryBackoff   []time.Duration `yaml:"retry_backoff"`
	MaxConcurrency int             `yaml:"max_concurrency" validate:"gte=1"`
}

type Sweeper struct {
	Interval           time.Duration `yaml:"interval" validate:"gt=0"`
	FailedRetryCeiling time.Duration `yaml:"failed_retry_ceiling" validate:"gt=0"`
	MaxRevokeAttempts  int           `yaml:"max_revoke_attempts" validate:"gte=1"`
	DeviceRefresh      time.Duration `yaml:"device_refresh"`
}

type GuestToken struct {
	Secret        string `yaml:"secret"`
	PortalBaseURL string `yaml:"portal_base_url"`
}

type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled reports whether outbound email is configured.
func (s SMTP) Enabled() bool {
	return s.Host != "" && s.From != ""
}

type Lodgify struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	PropertyID   string        `yaml:"property_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Horizon      time.Duration `yaml:"horizon"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: Server{
			Addr:        ":8099",
			DataDir:     "/data",
			StaticDir:   "./static",
			CORSOrigins: []string{"*"},
		},
		Log: Log{
			Level:     "info",
			MaxSizeMB: 10,
			MaxAge:    30,
		},
		DefaultPropertyID: "alcova_landolina_fi",
		Properties: []Property{{
			ID:       "alcova_landolina_fi",
			Name:     "Alcova Landolina",
			Timezone: "Europe/Rome",
		}},
		Codes: Codes{MinLength: 4, MaxLength: 6},
		Providers: Providers{
			Timeout:        10 * time.Second,
			BreakerTimeout: 60 * time.Second,
			BreakerTrips:   5,
			Tuya:           Tuya{BaseURL: "https://openapi.tuyaeu.com"},
			Ring: Ring{
				BaseURL:      "https://api.ring.com",
				OAuthURL:     "https://oauth.ring.com/oauth/token",
				ButtonEntity: "button.ring_intercom_unlock",
			},
			HomeAssistant: HomeAssistant{
				BaseURL: "http://supervisor/core",
				SlotMin: 10,
				SlotMax: 29,
			},
		},
		Lifecycle: Lifecycle{
			RetryBackoff:   []time.Duration{time.Second, 3 * time.Second, 9 * time.Second},
			MaxConcurrency: 8,
		},
		Sweeper: Sweeper{
			Interval:           5 * time.Minute,
			FailedRetryCeiling: 24 * time.Hour,
			MaxRevokeAttempts:  5,
			DeviceRefresh:      15 * time.Minute,
		},
		GuestToken: GuestToken{
			PortalBaseURL: "http://localhost:8099/guest",
		},
		SMTP: SMTP{Port: 587},
		Lodgify: Lodgify{
			BaseURL:      "https://api.lodgify.com",
			PollInterval: 15 * time.Minute,
			Horizon:      90 * 24 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.Providers.inheritTimeout()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.WebhookSecret, "WEBHOOK_SECRET")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")
	setString(&c.DefaultPropertyID, "DEFAULT_PROPERTY_ID")

	setString(&c.Providers.HomeAssistant.BaseURL, "HA_URL")
	setString(&c.Providers.HomeAssistant.Token, "HA_TOKEN")
	setString(&c.Providers.HomeAssistant.SupervisorToken, "SUPERVISOR_TOKEN")
	setString(&c.Providers.Tuya.BaseURL, "TUYA_BASE_URL")
	setString(&c.Providers.Tuya.ClientID, "TUYA_CLIENT_ID")
	setString(&c.Providers.Tuya.Secret, "TUYA_SECRET")
	setString(&c.Providers.Ring.RefreshToken, "RING_REFRESH_TOKEN")
	setString(&c.Providers.Ring.ButtonEntity, "RING_BUTTON_ENTITY_ID")

	setString(&c.GuestToken.Secret, "JWT_SECRET")
	setString(&c.GuestToken.PortalBaseURL, "PORTAL_BASE_URL")

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")

	setString(&c.Lodgify.APIKey, "LODGIFY_API_KEY")
	setString(&c.Lodgify.PropertyID, "LODGIFY_PROPERTY_ID")
}

func (p *Providers) inheritTimeout() {
	for _, t := range []*time.Duration{&p.Tuya.Timeout, &p.Ring.Timeout, &p.HomeAssistant.Timeout} {
		if *t == 0 {
			*t = p.Timeout
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints and cross-references between
// properties and locks.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]string)
	for _, p := range c.Properties {
		for _, l := range p.Locks {
			if other, ok := seen[l.ID]; ok {
				return fmt.Errorf("invalid config: lock %q listed under %q and %q", l.ID, other, p.ID)
			}
			seen[l.ID] = p.ID
		}
	}

	if _, ok := c.Property(c.DefaultPropertyID); !ok {
		return fmt.Errorf("invalid config: default property %q is not defined", c.DefaultPropertyID)
	}
	return nil
}

// Property looks up a property by id.
func (c Config) Property(id string) (Property, bool) {
	for _, p := range c.Properties {
		if p.ID == id {
			return p, true
		}
	}
	return Property{}, false
}

// Default stay buffers, applied when a property leaves them unset.
const (
	DefaultEarlyBuffer = 2 * time.Hour
	DefaultLateBuffer  = time.Hour
)

// Buffers returns the early and late buffers for the property.
func (p Property) Buffers() (early, late time.Duration) {
	early, late = DefaultEarlyBuffer, DefaultLateBuffer
	if p.EarlyBuffer != nil {
		early = *p.EarlyBuffer
	}
	if p.LateBuffer != nil {
		late = *p.LateBuffer
	}
	return early, late
}

// StayTimes returns the local check-in and check-out times as "15:04".
func (p Property) StayTimes() (checkin, checkout string) {
	checkin, checkout = "15:00", "11:00"
	if p.CheckinTime != "" {
		checkin = p.CheckinTime
	}
	if p.CheckoutTime != "" {
		checkout = p.CheckoutTime
	}
	return checkin, checkout
}

// Location returns the property's timezone, falling back to UTC.
func (p Property) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil {
		*dst = v
	}
}

package handlers

import (
	"net/http"

	"github.com/guest-lock-manager/access-engine/internal/config"
)

// PropertySettings is the effective configuration of one property.
type PropertySettings struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Timezone     string `json:"timezone"`
	EarlyBuffer  string `json:"early_buffer"`
	LateBuffer   string `json:"late_buffer"`
	CheckinTime  string `json:"checkin_time"`
	CheckoutTime string `json:"checkout_time"`
	Locks        int    `json:"locks"`
}

// SettingsResponse represents settings in API responses. Secrets are never
// included.
type SettingsResponse struct {
	DefaultPropertyID  string             `json:"default_property_id"`
	Properties         []PropertySettings `json:"properties"`
	MinCodeLength      int                `json:"min_code_length"`
	MaxCodeLength      int                `json:"max_code_length"`
	ProviderTimeout    string             `json:"provider_timeout"`
	RetryBackoff       []string           `json:"retry_backoff"`
	SweepInterval      string             `json:"sweep_interval"`
	FailedRetryCeiling string             `json:"failed_retry_ceiling"`
	MaxRevokeAttempts  int                `json:"max_revoke_attempts"`
	EmailEnabled       bool               `json:"email_enabled"`
	LodgifyEnabled     bool               `json:"lodgify_enabled"`
}

// GetSettings returns the effective configuration.
func GetSettings(cfg config.Config) http.HandlerFunc {
	resp := SettingsResponse{
		DefaultPropertyID:  cfg.DefaultPropertyID,
		Properties:         []PropertySettings{},
		MinCodeLength:      cfg.Codes.MinLength,
		MaxCodeLength:      cfg.Codes.MaxLength,
		ProviderTimeout:    cfg.Providers.Timeout.String(),
		RetryBackoff:       []string{},
		SweepInterval:      cfg.Sweeper.Interval.String(),
		FailedRetryCeiling: cfg.Sweeper.FailedRetryCeiling.String(),
		MaxRevokeAttempts:  cfg.Sweeper.MaxRevokeAttempts,
		EmailEnabled:       cfg.SMTP.Enabled(),
		LodgifyEnabled:     cfg.Lodgify.APIKey != "",
	}
	for _, d := range cfg.Lifecycle.RetryBackoff {
		resp.RetryBackoff = append(resp.RetryBackoff, d.String())
	}
	for _, p := range cfg.Properties {
		early, late := p.Buffers()
		checkin, checkout := p.StayTimes()
		resp.Properties = append(resp.Properties, PropertySettings{
			ID:           p.ID,
			Name:         p.Name,
			Timezone:     p.Location().String(),
			EarlyBuffer:  early.String(),
			LateBuffer:   late.String(),
			CheckinTime:  checkin,
			CheckoutTime: checkout,
			Locks:        len(p.Locks),
		})
	}

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, resp)
	}
}

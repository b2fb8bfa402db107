package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

const ringClientID = "ring_official_android"

// Ring models the building intercom. Ring exposes no code API, so codes are
// virtual ledger entries and the door is opened through a Home Assistant
// button instead.
type Ring struct {
	config     config.Ring
	httpClient *http.Client
	relay      ButtonPresser
	now        func() time.Time

	mu           sync.Mutex
	refreshToken string
	token        string
	tokenExpiry  time.Time
}

// ButtonPresser presses a momentary relay entity.
type ButtonPresser interface {
	PressButton(ctx context.Context, entityID string) error
}

// NewRing creates a Ring client. relay is used by OpenNow.
func NewRing(cfg config.Ring, relay ButtonPresser) *Ring {
	return &Ring{
		config:       cfg,
		httpClient:   newHTTPClient(cfg.Timeout),
		relay:        relay,
		now:          time.Now,
		refreshToken: cfg.RefreshToken,
	}
}

// Name implements Provider.
func (r *Ring) Name() string {
	return string(models.ProviderRing)
}

// CreateCode records a virtual credential; nothing is sent to the device.
func (r *Ring) CreateCode(_ context.Context, _ models.Lock, _ Window) (Credential, error) {
	return Credential{Ref: "ring-virtual-" + uuid.NewString()}, nil
}

// RevokeCode is a no-op for virtual credentials.
func (r *Ring) RevokeCode(_ context.Context, _ models.Lock, _ string) error {
	return nil
}

// OpenNow triggers the intercom relay. It bypasses the ledger and the
// breaker, so it carries its own deadline.
func (r *Ring) OpenNow(ctx context.Context) error {
	if r.relay == nil || r.config.ButtonEntity == "" {
		return fmt.Errorf("intercom relay not configured")
	}
	timeout := r.config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return r.relay.PressButton(ctx, r.config.ButtonEntity)
}

// QueryDevice finds the intercom among the account's devices.
func (r *Ring) QueryDevice(ctx context.Context, lock models.Lock) (DeviceStatus, error) {
	token, err := r.accessToken(ctx)
	if err != nil {
		return DeviceStatus{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(r.config.BaseURL, "/")+"/clients_api/ring_devices", nil)
	if err != nil {
		return DeviceStatus{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var devices struct {
		Intercoms []struct {
			ID          json.Number `json:"id"`
			BatteryLife any         `json:"battery_life"`
			Alerts      struct {
				Connection string `json:"connection"`
			} `json:"alerts"`
		} `json:"intercoms"`
	}
	if err := doJSON(r.httpClient, req, &devices); err != nil {
		return DeviceStatus{}, err
	}

	for _, d := range devices.Intercoms {
		if d.ID.String() != lock.DeviceID {
			continue
		}
		status := DeviceStatus{Online: d.Alerts.Connection == "online"}
		if d.BatteryLife != nil {
			status.Battery = batteryValue(d.BatteryLife)
		}
		return status, nil
	}
	return DeviceStatus{}, fmt.Errorf("intercom %s not found", lock.DeviceID)
}

// accessToken refreshes the OAuth token five minutes before it expires.
func (r *Ring) accessToken(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && r.now().Before(r.tokenExpiry) {
		return r.token, nil
	}
	if r.refreshToken == "" {
		return "", fmt.Errorf("ring refresh token not configured")
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": r.refreshToken,
		"client_id":     ringClientID,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.OAuthURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := doJSON(r.httpClient, req, &tok); err != nil {
		return "", fmt.Errorf("refreshing ring token: %w", err)
	}
	if tok.ExpiresIn == 0 {
		tok.ExpiresIn = 3600
	}

	r.token = tok.AccessToken
	if tok.RefreshToken != "" {
		r.refreshToken = tok.RefreshToken
	}
	r.tokenExpiry = r.now().Add(time.Duration(tok.ExpiresIn-300) * time.Second)
	return r.token, nil
}

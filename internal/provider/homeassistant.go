package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// HomeAssistant drives Z-Wave and Zigbee keypads bridged into Home Assistant.
// Codes live in numbered user-code slots; the slot number is the ref.
type HomeAssistant struct {
	config     config.HomeAssistant
	httpClient *http.Client
	codes      CodeIndex
	pins       *PINGenerator
	claims     *claims
}

// NewHomeAssistant creates a Home Assistant client. codes may be nil when the
// client is only used for button presses and health checks.
func NewHomeAssistant(cfg config.HomeAssistant, codes CodeIndex, pins *PINGenerator) *HomeAssistant {
	return &HomeAssistant{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		codes:      codes,
		pins:       pins,
		claims:     newClaims(),
	}
}

// Name implements Provider.
func (c *HomeAssistant) Name() string {
	return string(models.ProviderHomeAssistant)
}

// Windowless implements WindowlessDevice. User-code slots have no schedule.
func (c *HomeAssistant) Windowless() bool {
	return true
}

// CreateCode writes a fresh PIN into the lowest free slot on the lock. The
// slot is live as soon as it is written; w is not sent to the device.
func (c *HomeAssistant) CreateCode(ctx context.Context, lock models.Lock, _ Window) (Credential, error) {
	taken, live, err := takenCodes(ctx, c.codes, lock.ID)
	if err != nil {
		return Credential{}, err
	}

	used := make(map[int]bool)
	for _, code := range live {
		if code.HasRef() {
			if slot, err := strconv.Atoi(*code.ProviderRef); err == nil {
				used[slot] = true
			}
		}
	}

	slot := 0
	for s := c.config.SlotMin; s <= c.config.SlotMax; s++ {
		if !used[s] && c.claims.claim(lock.ID, "slot:"+strconv.Itoa(s)) {
			slot = s
			break
		}
	}
	if slot == 0 {
		return Credential{}, fmt.Errorf("no free code slot on %s", lock.DeviceID)
	}
	ref := strconv.Itoa(slot)

	pin, err := c.drawPIN(lock.ID, taken)
	if err != nil {
		c.claims.release(lock.ID, "slot:"+ref)
		return Credential{}, err
	}

	if err := c.SetUserCode(ctx, lock.DeviceID, slot, pin); err != nil {
		c.claims.release(lock.ID, "slot:"+ref)
		c.claims.release(lock.ID, pin)
		return Credential{}, err
	}
	return Credential{Code: pin, Ref: ref}, nil
}

func (c *HomeAssistant) drawPIN(lockID string, taken map[string]bool) (string, error) {
	for i := 0; i < maxDraws; i++ {
		pin, err := c.pins.Generate(taken)
		if err != nil {
			return "", err
		}
		if c.claims.claim(lockID, pin) {
			return pin, nil
		}
		taken[pin] = true
	}
	return "", ErrPINSpaceExhausted
}

// RevokeCode clears the slot named by ref.
func (c *HomeAssistant) RevokeCode(ctx context.Context, lock models.Lock, ref string) error {
	slot, err := strconv.Atoi(ref)
	if err != nil {
		return fmt.Errorf("invalid slot ref %q: %w", ref, err)
	}
	err = c.ClearUserCode(ctx, lock.DeviceID, slot)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return ErrCodeNotFound
	}
	return err
}

// entityState is the subset of /api/states we read.
type entityState struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// QueryDevice reads the entity state and battery attribute.
func (c *HomeAssistant) QueryDevice(ctx context.Context, lock models.Lock) (DeviceStatus, error) {
	state, err := c.GetState(ctx, lock.DeviceID)
	if err != nil {
		return DeviceStatus{}, err
	}
	status := DeviceStatus{Online: state.State != "unavailable" && state.State != "unknown"}
	if v, ok := state.Attributes["battery_level"]; ok {
		status.Battery = batteryValue(v)
	}
	return status, nil
}

// GetState retrieves one entity's state.
func (c *HomeAssistant) GetState(ctx context.Context, entityID string) (*entityState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil)
	if err != nil {
		return nil, err
	}
	var state entityState
	if err := doJSON(c.httpClient, req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetUserCode sets a user code on a lock.
func (c *HomeAssistant) SetUserCode(ctx context.Context, entityID string, slot int, code string) error {
	data := map[string]any{
		"entity_id": entityID,
		"code_slot": slot,
		"usercode":  code,
	}

	return c.callService(ctx, "lock", "set_usercode", data)
}

// ClearUserCode removes a user code from a lock.
func (c *HomeAssistant) ClearUserCode(ctx context.Context, entityID string, slot int) error {
	data := map[string]any{
		"entity_id": entityID,
		"code_slot": slot,
	}

	return c.callService(ctx, "lock", "clear_usercode", data)
}

// PressButton presses a button entity, e.g. the intercom relay.
func (c *HomeAssistant) PressButton(ctx context.Context, entityID string) error {
	return c.callService(ctx, "button", "press", map[string]any{"entity_id": entityID})
}

// Ping checks that the API answers.
func (c *HomeAssistant) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/", nil)
	if err != nil {
		return err
	}
	return doJSON(c.httpClient, req, nil)
}

// callService calls a Home Assistant service.
func (c *HomeAssistant) callService(ctx context.Context, domain, service string, data any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}

	return doJSON(c.httpClient, req, nil)
}

// newRequest creates a new HTTP request with authentication.
func (c *HomeAssistant) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := strings.TrimRight(c.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.config.AuthToken())
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// batteryValue accepts the numeric and string forms devices report.
func batteryValue(v any) *int {
	var n int
	switch b := v.(type) {
	case float64:
		n = int(b)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(b), "%"))
		if err != nil {
			return nil
		}
		n = parsed
	case json.Number:
		parsed, err := b.Int64()
		if err != nil {
			return nil
		}
		n = int(parsed)
	default:
		return nil
	}
	return &n
}

package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

// Tuya drives smart locks through the Tuya Cloud OpenAPI. Codes are pushed
// as temporary passwords bounded by the validity window.
type Tuya struct {
	config     config.Tuya
	httpClient *http.Client
	codes      CodeIndex
	pins       *PINGenerator
	claims     *claims
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewTuya creates a Tuya Cloud client.
func NewTuya(cfg config.Tuya, codes CodeIndex, pins *PINGenerator) *Tuya {
	return &Tuya{
		config:     cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		codes:      codes,
		pins:       pins,
		claims:     newClaims(),
		now:        time.Now,
	}
}

// Name implements Provider.
func (t *Tuya) Name() string {
	return string(models.ProviderTuya)
}

type tuyaResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	Result  json.RawMessage `json:"result"`
}

type tuyaCommand struct {
	Code  string `json:"code"`
	Value any    `json:"value"`
}

// CreateCode pushes a fresh temporary password to the lock.
func (t *Tuya) CreateCode(ctx context.Context, lock models.Lock, w Window) (Credential, error) {
	taken, _, err := takenCodes(ctx, t.codes, lock.ID)
	if err != nil {
		return Credential{}, err
	}

	var pin string
	for i := 0; i < maxDraws && pin == ""; i++ {
		candidate, err := t.pins.Generate(taken)
		if err != nil {
			return Credential{}, err
		}
		if t.claims.claim(lock.ID, candidate) {
			pin = candidate
		} else {
			taken[candidate] = true
		}
	}
	if pin == "" {
		return Credential{}, ErrPINSpaceExhausted
	}

	value := map[string]any{
		"password":       pin,
		"effective_time": w.From.Unix(),
		"invalid_time":   w.Until.Unix(),
		"name":           "Guest",
	}
	result, err := t.sendCommand(ctx, lock.DeviceID, tuyaCommand{Code: "temporary_password", Value: value})
	if err != nil {
		t.claims.release(lock.ID, pin)
		return Credential{}, err
	}

	ref := "pwd_" + pin
	var created struct {
		ID any `json:"id"`
	}
	if json.Unmarshal(result, &created) == nil && created.ID != nil {
		switch id := created.ID.(type) {
		case string:
			if id != "" {
				ref = id
			}
		case float64:
			ref = strconv.FormatInt(int64(id), 10)
		}
	}
	return Credential{Code: pin, Ref: ref}, nil
}

// RevokeCode deletes the temporary password named by ref.
func (t *Tuya) RevokeCode(ctx context.Context, lock models.Lock, ref string) error {
	_, err := t.sendCommand(ctx, lock.DeviceID, tuyaCommand{
		Code:  "delete_temporary_password",
		Value: map[string]any{"id": ref},
	})
	if err != nil && isTuyaNotFound(err) {
		return ErrCodeNotFound
	}
	return err
}

// QueryDevice reads online state and the residual battery level.
func (t *Tuya) QueryDevice(ctx context.Context, lock models.Lock) (DeviceStatus, error) {
	raw, err := t.call(ctx, http.MethodGet, "/v1.0/devices/"+lock.DeviceID, nil)
	if err != nil {
		return DeviceStatus{}, err
	}

	var device struct {
		Online bool `json:"online"`
		Status []struct {
			Code  string `json:"code"`
			Value any    `json:"value"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &device); err != nil {
		return DeviceStatus{}, fmt.Errorf("decoding device: %w", err)
	}

	status := DeviceStatus{Online: device.Online}
	for _, s := range device.Status {
		if s.Code == "residual_electricity" {
			status.Battery = batteryValue(s.Value)
		}
	}
	return status, nil
}

func (t *Tuya) sendCommand(ctx context.Context, deviceID string, cmd tuyaCommand) (json.RawMessage, error) {
	body := map[string]any{"commands": []tuyaCommand{cmd}}
	return t.call(ctx, http.MethodPost, "/v1.0/iot-03/devices/"+deviceID+"/commands", body)
}

// tuyaError is a business-level failure (HTTP 200, success=false).
type tuyaError struct {
	Code int
	Msg  string
}

func (e *tuyaError) Error() string {
	return fmt.Sprintf("tuya error %d: %s", e.Code, e.Msg)
}

// tuyaTokenInvalid is returned when the cloud no longer accepts a token.
const tuyaTokenInvalid = 1010

func isTuyaNotFound(err error) bool {
	var te *tuyaError
	if !errors.As(err, &te) {
		return false
	}
	msg := strings.ToLower(te.Msg)
	return strings.Contains(msg, "not exist") || strings.Contains(msg, "not found")
}

// call performs a signed business request and returns the result payload.
func (t *Tuya) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	token, err := t.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := t.do(ctx, method, path, body, token)
	var te *tuyaError
	if errors.As(err, &te) && te.Code == tuyaTokenInvalid {
		t.dropToken(token)
	}
	return raw, err
}

// dropToken forgets token so the next call fetches a fresh one.
func (t *Tuya) dropToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token == token {
		t.token = ""
	}
}

func (t *Tuya) do(ctx context.Context, method, path string, body any, token string) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(t.config.BaseURL, "/")+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	t.sign(req, payload, token)

	var resp tuyaResponse
	if err := doJSON(t.httpClient, req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &tuyaError{Code: resp.Code, Msg: resp.Msg}
	}
	return resp.Result, nil
}

// sign adds the HMAC-SHA256 signature headers. The string to sign is
// client_id + access_token + t + nonce + METHOD\nsha256(body)\n\nurl.
func (t *Tuya) sign(req *http.Request, body []byte, token string) {
	ts := strconv.FormatInt(t.now().UnixMilli(), 10)
	nonce := uuid.NewString()

	sum := sha256.Sum256(body)
	stringToSign := strings.Join([]string{
		req.Method,
		hex.EncodeToString(sum[:]),
		"",
		req.URL.RequestURI(),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(t.config.Secret))
	mac.Write([]byte(t.config.ClientID + token + ts + nonce + stringToSign))
	signature := strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))

	req.Header.Set("client_id", t.config.ClientID)
	req.Header.Set("sign", signature)
	req.Header.Set("t", ts)
	req.Header.Set("nonce", nonce)
	req.Header.Set("sign_method", "HMAC-SHA256")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("access_token", token)
	}
}

// accessToken returns the cached token, fetching a new one 60s before expiry.
func (t *Tuya) accessToken(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.tokenExpiry) {
		return t.token, nil
	}

	raw, err := t.do(ctx, http.MethodGet, "/v1.0/token?grant_type=1", nil, "")
	if err != nil {
		return "", fmt.Errorf("fetching token: %w", err)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpireTime  int64  `json:"expire_time"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", fmt.Errorf("decoding token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("fetching token: empty access token")
	}

	t.token = tok.AccessToken
	t.tokenExpiry = t.now().Add(time.Duration(tok.ExpireTime)*time.Second - time.Minute)
	return t.token, nil
}

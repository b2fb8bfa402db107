package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guest-lock-manager/access-engine/internal/config"
	"github.com/guest-lock-manager/access-engine/internal/storage/models"
)

type fakeTuya struct {
	t           *testing.T
	mu          sync.Mutex
	tokenCalls  int
	issued      string
	commands    []map[string]any
	commandResp string
}

func (f *fakeTuya) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	token := r.Header.Get("access_token")

	sum := sha256.Sum256(body)
	stringToSign := r.Method + "\n" + hex.EncodeToString(sum[:]) + "\n\n" + r.URL.RequestURI()
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("client" + token + r.Header.Get("t") + r.Header.Get("nonce") + stringToSign))
	if r.Header.Get("sign") != strings.ToUpper(hex.EncodeToString(mac.Sum(nil))) {
		_, _ = w.Write([]byte(`{"success":false,"code":1004,"msg":"sign invalid"}`))
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/v1.0/token":
		f.tokenCalls++
		f.issued = fmt.Sprintf("tok%d", f.tokenCalls)
		_, _ = fmt.Fprintf(w, `{"success":true,"result":{"access_token":%q,"expire_time":7200}}`, f.issued)
	case token != f.issued:
		_, _ = w.Write([]byte(`{"success":false,"code":1010,"msg":"token invalid"}`))
	case strings.HasSuffix(r.URL.Path, "/commands"):
		var cmd map[string]any
		require.NoError(f.t, json.Unmarshal(body, &cmd))
		f.commands = append(f.commands, cmd)
		resp := f.commandResp
		if resp == "" {
			resp = `{"success":true,"result":{"id":"98765"}}`
		}
		_, _ = w.Write([]byte(resp))
	case r.URL.Path == "/v1.0/devices/dev1":
		_, _ = w.Write([]byte(`{"success":true,"result":{"online":true,"status":[{"code":"residual_electricity","value":64}]}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTuya(t *testing.T, index CodeIndex) (*Tuya, *fakeTuya) {
	t.Helper()
	fake := &fakeTuya{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewTuya(config.Tuya{BaseURL: srv.URL, ClientID: "client", Secret: "secret"}, index, NewPINGenerator(4, 6)), fake
}

func TestTuya_CreateCode(t *testing.T) {
	tuya, fake := newTuya(t, nil)
	lock := models.Lock{ID: "front", Provider: models.ProviderTuya, DeviceID: "dev1"}
	w := Window{
		From:  time.Date(2025, 12, 15, 13, 0, 0, 0, time.UTC),
		Until: time.Date(2025, 12, 18, 12, 0, 0, 0, time.UTC),
	}

	cred, err := tuya.CreateCode(context.Background(), lock, w)
	require.NoError(t, err)
	assert.Equal(t, "98765", cred.Ref)
	assert.NoError(t, NewPINGenerator(4, 6).validate(cred.Code))

	require.Len(t, fake.commands, 1)
	cmds := fake.commands[0]["commands"].([]any)
	cmd := cmds[0].(map[string]any)
	assert.Equal(t, "temporary_password", cmd["code"])
	value := cmd["value"].(map[string]any)
	assert.Equal(t, cred.Code, value["password"])
	assert.Equal(t, float64(w.From.Unix()), value["effective_time"])
	assert.Equal(t, float64(w.Until.Unix()), value["invalid_time"])

	// The token is cached across calls.
	_, err = tuya.QueryDevice(context.Background(), lock)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.tokenCalls)
}

func TestTuya_CreateCodeFallbackRef(t *testing.T) {
	tuya, fake := newTuya(t, nil)
	fake.commandResp = `{"success":true,"result":true}`

	cred, err := tuya.CreateCode(context.Background(), models.Lock{ID: "front", DeviceID: "dev1"}, Window{})
	require.NoError(t, err)
	assert.Equal(t, "pwd_"+cred.Code, cred.Ref)
}

func TestTuya_CreateCodeAvoidsLivePINs(t *testing.T) {
	var index staticIndex
	for n := 1000; n < 9999; n++ {
		index = append(index, models.AccessCode{LockID: "front", Code: itoa(n)})
	}
	tuya, _ := newTuya(t, index)
	tuya.pins = NewPINGenerator(4, 4)

	cred, err := tuya.CreateCode(context.Background(), models.Lock{ID: "front", DeviceID: "dev1"}, Window{})
	require.NoError(t, err)
	assert.Equal(t, "9999", cred.Code)
}

func TestTuya_BusinessError(t *testing.T) {
	tuya, fake := newTuya(t, nil)
	fake.commandResp = `{"success":false,"code":2001,"msg":"device is offline"}`

	_, err := tuya.CreateCode(context.Background(), models.Lock{ID: "front", DeviceID: "dev1"}, Window{})
	assert.ErrorContains(t, err, "device is offline")
}

func TestTuya_RejectedTokenIsRefetched(t *testing.T) {
	tuya, fake := newTuya(t, nil)
	lock := models.Lock{ID: "front", Provider: models.ProviderTuya, DeviceID: "dev1"}
	ctx := context.Background()

	_, err := tuya.QueryDevice(ctx, lock)
	require.NoError(t, err)

	// The cloud revokes the token long before its advertised expiry.
	fake.mu.Lock()
	fake.issued = "rotated"
	fake.mu.Unlock()

	_, err = tuya.QueryDevice(ctx, lock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1010")

	status, err := tuya.QueryDevice(ctx, lock)
	require.NoError(t, err)
	assert.True(t, status.Online)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 2, fake.tokenCalls)
}

func TestTuya_RevokeCode(t *testing.T) {
	tuya, fake := newTuya(t, nil)
	lock := models.Lock{ID: "front", DeviceID: "dev1"}

	require.NoError(t, tuya.RevokeCode(context.Background(), lock, "98765"))
	cmd := fake.commands[0]["commands"].([]any)[0].(map[string]any)
	assert.Equal(t, "delete_temporary_password", cmd["code"])
	assert.Equal(t, "98765", cmd["value"].(map[string]any)["id"])

	fake.commandResp = `{"success":false,"code":2008,"msg":"password does not exist"}`
	assert.ErrorIs(t, tuya.RevokeCode(context.Background(), lock, "98765"), ErrCodeNotFound)
}

func TestTuya_QueryDevice(t *testing.T) {
	tuya, _ := newTuya(t, nil)

	status, err := tuya.QueryDevice(context.Background(), models.Lock{DeviceID: "dev1"})
	require.NoError(t, err)
	assert.True(t, status.Online)
	require.NotNil(t, status.Battery)
	assert.Equal(t, 64, *status.Battery)
}

package sipgoua

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/softphone"
)

// TestParseWebsocketURL разбор websocket endpoint провайдера
func TestParseWebsocketURL(t *testing.T) {
	tests := []struct {
		in            string
		wantTransport string
		wantHost      string
		wantPort      int
	}{
		{"wss://sip.telnyx.com:443", "wss", "sip.telnyx.com", 443},
		{"wss://pbx.example.com", "wss", "pbx.example.com", 443},
		{"ws://pbx.example.com", "ws", "pbx.example.com", 80},
		{"ws://pbx.example.com:5060", "ws", "pbx.example.com", 5060},
	}

	for _, tt := range tests {
		transport, host, port, err := parseWebsocketURL(tt.in)
		require.NoError(t, err, "url %q", tt.in)
		assert.Equal(t, tt.wantTransport, transport)
		assert.Equal(t, tt.wantHost, host)
		assert.Equal(t, tt.wantPort, port)
	}
}

// TestParseWebsocketURLRejectsOtherSchemes не-websocket схемы отклоняются
func TestParseWebsocketURLRejectsOtherSchemes(t *testing.T) {
	for _, in := range []string{"http://example.com", "sip:alice@example.com", "://bad"} {
		_, _, _, err := parseWebsocketURL(in)
		assert.Error(t, err, "url %q", in)
	}
}

// TestRefreshInterval интервал обновления регистрации не бывает нулевым
// даже при минимальном сроке
func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, 300*time.Second, refreshInterval(600))
	assert.Equal(t, time.Second, refreshInterval(2))
	assert.Equal(t, time.Second, refreshInterval(1), "one-second expiry must not yield a zero ticker interval")
	assert.Equal(t, time.Second, refreshInterval(0))
}

// TestNewUserAgentConfig агент собирается из конфигурации клиента
func TestNewUserAgentConfig(t *testing.T) {
	eng := NewEngine(Config{})

	ua, err := eng.NewUserAgent(softphone.AgentConfig{
		URI:          "sip:alice@sip.telnyx.com",
		Username:     "alice",
		Password:     "secret",
		WebsocketURL: "wss://sip.telnyx.com:443",
		Registrar:    "sip.telnyx.com",
	}, softphone.AgentCallbacks{})
	require.NoError(t, err)
	require.NotNil(t, ua)

	agent := ua.(*userAgent)
	assert.Equal(t, "sip.telnyx.com", agent.regHost)
	assert.Equal(t, 443, agent.regPort)
	assert.Equal(t, "wss", agent.transport)
}

// TestNewUserAgentBadURI некорректный адрес записи — синхронная ошибка
func TestNewUserAgentBadURI(t *testing.T) {
	eng := NewEngine(Config{})

	_, err := eng.NewUserAgent(softphone.AgentConfig{
		URI:          "not a uri",
		WebsocketURL: "wss://sip.telnyx.com",
	}, softphone.AgentCallbacks{})
	assert.Error(t, err)
}

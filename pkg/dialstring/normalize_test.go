package dialstring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/dialstring"
	"github.com/arzzra/webphone/pkg/profile"
)

func telnyxProfile() *profile.Profile {
	return &profile.Profile{
		Label:     "main",
		Username:  "alice",
		Password:  "secret",
		Domain:    "sip.telnyx.com",
		Transport: profile.TransportWSS,
		Provider:  profile.ProviderTelnyx,
	}
}

func customProfile() *profile.Profile {
	return &profile.Profile{
		Label:     "pbx",
		Username:  "alice",
		Password:  "secret",
		Domain:    "pbx.example.com",
		Transport: profile.TransportUDP,
		Provider:  profile.ProviderCustom,
	}
}

// TestNormalizeTelnyx проверяет все правила нормализации для профиля Telnyx
func TestNormalizeTelnyx(t *testing.T) {
	p := telnyxProfile()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sip uri passthrough", "sip:bob@example.com", "sip:bob@example.com"},
		{"sip uri with spaces around", "  sip:bob@example.com  ", "sip:bob@example.com"},
		{"user at host", "bob@example.com", "sip:bob@example.com"},
		{"user at host with spaces", "bob smith@example.com", "sip:bobsmith@example.com"},
		{"alphabetic input", "bob", "sip:bob@sip.telnyx.com"},
		{"service code star", "*72", "sip:*72@sip.telnyx.com"},
		{"service code hash", "#31#", "sip:#31#@sip.telnyx.com"},
		{"service code with digits", "*724155551234", "sip:*724155551234@sip.telnyx.com"},
		{"international plus", "+442071234567", "sip:+442071234567@sip.telnyx.com"},
		{"international plus formatted", "+1 (555) 123-4567", "sip:+15551234567@sip.telnyx.com"},
		{"short extension", "1234", "sip:1234@sip.telnyx.com"},
		{"six digit extension", "123456", "sip:123456@sip.telnyx.com"},
		{"ten digit national", "5551234567", "sip:15551234567@sip.telnyx.com"},
		{"ten digit formatted", "(555) 123-4567", "sip:15551234567@sip.telnyx.com"},
		{"ten digit with dashes", "555-123-4567", "sip:15551234567@sip.telnyx.com"},
		{"eleven digit with country code", "15551234567", "sip:15551234567@sip.telnyx.com"},
		{"double zero prefix", "00442071234567", "sip:442071234567@sip.telnyx.com"},
		{"seven digit number", "5551234", "sip:5551234@sip.telnyx.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dialstring.Normalize(tt.in, p)
			require.NoError(t, err, "Normalize should succeed")
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestNormalizeCustomProvider проверяет, что политика Telnyx не применяется
// к произвольному провайдеру
func TestNormalizeCustomProvider(t *testing.T) {
	p := customProfile()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ten digit stays national", "5551234567", "sip:5551234567@pbx.example.com"},
		{"double zero kept", "00442071234567", "sip:00442071234567@pbx.example.com"},
		{"extension", "100", "sip:100@pbx.example.com"},
		{"service code", "*72", "sip:*72@pbx.example.com"},
		{"alphabetic", "reception", "sip:reception@pbx.example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dialstring.Normalize(tt.in, p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestNormalizeTelnyxByDomain политика Telnyx включается и по домену,
// без явного тега провайдера
func TestNormalizeTelnyxByDomain(t *testing.T) {
	p := customProfile()
	p.Domain = "myaccount.sip.telnyx.com"

	got, err := dialstring.Normalize("5551234567", p)
	require.NoError(t, err)
	assert.Equal(t, "sip:15551234567@myaccount.sip.telnyx.com", got)
}

// TestNormalizeEmptyTarget пустой ввод и ввод из одних пробелов — ошибка
func TestNormalizeEmptyTarget(t *testing.T) {
	p := telnyxProfile()

	for _, in := range []string{"", "   ", "\t \t"} {
		_, err := dialstring.Normalize(in, p)
		assert.ErrorIs(t, err, dialstring.ErrEmptyTarget, "input %q", in)
	}
}

// TestNormalizeEmptyDomain пустой домен профиля заменяется доменом Telnyx
func TestNormalizeEmptyDomain(t *testing.T) {
	p := telnyxProfile()
	p.Domain = "  "

	got, err := dialstring.Normalize("1234", p)
	require.NoError(t, err)
	assert.Equal(t, "sip:1234@sip.telnyx.com", got)
}

// TestNormalizeDeterministic повторный вызов с тем же вводом дает тот же
// результат
func TestNormalizeDeterministic(t *testing.T) {
	p := telnyxProfile()

	first, err := dialstring.Normalize("(555) 123-4567", p)
	require.NoError(t, err)
	second, err := dialstring.Normalize("(555) 123-4567", p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

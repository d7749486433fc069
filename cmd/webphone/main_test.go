package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/profile"
)

// fakeStore хранилище профилей в памяти для проверки стартовой логики
type fakeStore struct {
	profiles []*profile.Profile
}

func (s *fakeStore) List(context.Context) ([]*profile.Profile, error) {
	return s.profiles, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*profile.Profile, error) {
	for _, p := range s.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, profile.ErrNotFound
}

func (s *fakeStore) Create(_ context.Context, p *profile.Profile) error {
	if p.ID == "" {
		p.ID = "generated"
	}
	s.profiles = append(s.profiles, p)
	return nil
}

func (s *fakeStore) SetPrimary(_ context.Context, id string) error {
	found := false
	for _, p := range s.profiles {
		p.IsPrimary = p.ID == id
		found = found || p.IsPrimary
	}
	if !found {
		return profile.ErrNotFound
	}
	return nil
}

func (s *fakeStore) Primary(context.Context) (*profile.Profile, error) {
	for _, p := range s.profiles {
		if p.IsPrimary {
			return p, nil
		}
	}
	return nil, profile.ErrNotFound
}

func storedProfile(id, label string, primary bool) *profile.Profile {
	return &profile.Profile{
		ID:        id,
		Label:     label,
		Username:  "alice",
		Password:  "secret",
		Domain:    "sip.telnyx.com",
		Transport: profile.TransportWSS,
		Provider:  profile.ProviderTelnyx,
		IsPrimary: primary,
	}
}

// TestBootstrapProfilePrefersStoredPrimary основной профиль хранилища
// имеет приоритет над переменными окружения
func TestBootstrapProfilePrefersStoredPrimary(t *testing.T) {
	store := &fakeStore{profiles: []*profile.Profile{
		storedProfile("p-1", "office", false),
		storedProfile("p-2", "home", true),
	}}
	env := storedProfile("", "default", false)

	prof, err := bootstrapProfile(context.Background(), store, env)
	require.NoError(t, err)
	assert.Equal(t, "p-2", prof.ID)
	assert.Equal(t, "home", prof.Label)
}

// TestBootstrapProfileSeedsStore пустое хранилище заполняется профилем из
// окружения, он становится основным
func TestBootstrapProfileSeedsStore(t *testing.T) {
	store := &fakeStore{}
	env := storedProfile("", "default", false)

	prof, err := bootstrapProfile(context.Background(), store, env)
	require.NoError(t, err)
	assert.True(t, prof.IsPrimary)
	require.Len(t, store.profiles, 1)
	assert.True(t, store.profiles[0].IsPrimary, "seeded profile must be marked primary in the store")

	// Повторный старт берет уже сохраненный профиль
	again, err := bootstrapProfile(context.Background(), store, nil)
	require.NoError(t, err)
	assert.Equal(t, prof.ID, again.ID)
}

// TestBootstrapProfileWithoutAnything без хранилища и учетных данных —
// ошибка
func TestBootstrapProfileWithoutAnything(t *testing.T) {
	_, err := bootstrapProfile(context.Background(), nil, nil)
	assert.Error(t, err)

	store := &fakeStore{}
	_, err = bootstrapProfile(context.Background(), store, nil)
	assert.Error(t, err, "empty store without env credentials cannot produce a profile")
}

// TestBootstrapProfileEnvOnly без хранилища используется профиль из
// окружения
func TestBootstrapProfileEnvOnly(t *testing.T) {
	env := storedProfile("", "default", false)
	prof, err := bootstrapProfile(context.Background(), nil, env)
	require.NoError(t, err)
	assert.Equal(t, "default", prof.Label)
}

// TestSwitchProfile переключение делает выбранный профиль основным
func TestSwitchProfile(t *testing.T) {
	store := &fakeStore{profiles: []*profile.Profile{
		storedProfile("p-1", "office", true),
		storedProfile("p-2", "home", false),
	}}

	prof, err := switchProfile(context.Background(), store, "p-2")
	require.NoError(t, err)
	assert.Equal(t, "home", prof.Label)
	assert.True(t, prof.IsPrimary)
	assert.False(t, store.profiles[0].IsPrimary, "previous primary must be demoted")

	_, err = switchProfile(context.Background(), store, "missing")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	_, err = switchProfile(context.Background(), nil, "p-1")
	assert.Error(t, err)
}

// TestEnvProfile профиль из окружения собирается только при полных
// учетных данных
func TestEnvProfile(t *testing.T) {
	cfg := &appConfig{
		SIPUsername: "alice",
		SIPPassword: "secret",
		SIPDomain:   "sip.telnyx.com",
		Provider:    profile.ProviderTelnyx,
	}
	prof := cfg.envProfile()
	require.NotNil(t, prof)
	assert.True(t, prof.AutoRegister)
	require.NoError(t, prof.Validate())

	cfg.SIPPassword = ""
	assert.Nil(t, cfg.envProfile())
}

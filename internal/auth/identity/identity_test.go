package identity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Run("standard-claims", func(t *testing.T) {
		assert := assert.New(t)
		u := Map(Claims{
			"sub":                   "u-123",
			"email":                 "ada@example.com",
			"given_name":            "Ada",
			"family_name":           "Lovelace",
			"preferred_username":    "neo",
			"phone_number":          "+33 1 02 03 04 05",
			"picture":               "https://cdn.example.com/u-123.png",
			"verification_identite": "true",
			"created_at":            "2021-06-01T10:00:00Z",
		})

		want := &User{
			ID:           "u-123",
			Email:        "ada@example.com",
			FirstName:    "Ada",
			LastName:     "Lovelace",
			Username:     "neo",
			Phone:        "+33 1 02 03 04 05",
			Photo:        "https://cdn.example.com/u-123.png",
			RegisteredAt: time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC),
			FullName:     "Ada Lovelace",
			IsVerified:   true,
		}
		if diff := cmp.Diff(want, u, cmpopts.IgnoreUnexported(User{})); diff != "" {
			t.Errorf("Map() mismatch (-want +got):\n%s", diff)
		}
		assert.True(u.IsVerified)
	})

	t.Run("fallback-chains", func(t *testing.T) {
		assert := assert.New(t)
		u := Map(Claims{
			"id":        "legacy-7",
			"firstName": "Grace",
			"lastName":  "Hopper",
			"email":     "grace@example.com",
		})
		assert.Equal("legacy-7", u.ID)
		assert.Equal("Grace", u.FirstName)
		assert.Equal("Hopper", u.LastName)
		// No preferred_username claim: falls back to the email local part.
		assert.Equal("grace", u.Username)
		assert.Equal("Grace Hopper", u.FullName)
		assert.False(u.IsVerified)
	})

	t.Run("verification-variants", func(t *testing.T) {
		assert := assert.New(t)
		assert.True(Map(Claims{"verification_identite": true}).IsVerified)
		assert.True(Map(Claims{"verification_identite": "true"}).IsVerified)
		assert.False(Map(Claims{"verification_identite": "True"}).IsVerified)
		assert.False(Map(Claims{"verification_identite": 1.0}).IsVerified)
		assert.False(Map(Claims{}).IsVerified)
	})

	t.Run("defaults", func(t *testing.T) {
		assert := assert.New(t)
		before := time.Now()
		u := Map(Claims{})
		assert.Empty(u.FirstName)
		assert.Empty(u.FullName)
		// Registration timestamp defaults to now when the claim is absent.
		assert.False(u.RegisteredAt.Before(before))
	})

	t.Run("epoch-registration", func(t *testing.T) {
		u := Map(Claims{"registration_date": float64(1622541600)})
		assert.Equal(t, time.Unix(1622541600, 0), u.RegisteredAt)
	})

	t.Run("preferences", func(t *testing.T) {
		u := Map(Claims{"preferences": map[string]any{"lang": "fr", "bad": 3}})
		assert.Equal(t, map[string]string{"lang": "fr"}, u.Preferences)
	})
}

func TestUserApply(t *testing.T) {
	t.Run("derived-fields-recomputed", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		u := Map(Claims{})

		require.NoError(u.Apply(FieldFirstName, "Ada"))
		assert.Equal("Ada", u.FullName)

		require.NoError(u.Apply(FieldLastName, "Lovelace"))
		assert.Equal("Ada Lovelace", u.FullName)
	})

	t.Run("verification-survives-update", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		u := Map(Claims{"verification_identite": "true"})
		require.NoError(u.Apply(FieldUsername, "neo"))
		assert.True(u.IsVerified)
	})

	t.Run("unknown-field", func(t *testing.T) {
		u := Map(Claims{})
		err := u.Apply(Field("password"), "nope")
		require.ErrorIs(t, err, ErrUnknownField)
	})
}

func TestUserClone(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	u := Map(Claims{
		"sub":         "u-1",
		"given_name":  "Test",
		"family_name": "User",
		"preferences": map[string]any{"theme": "dark"},
	})

	c := u.Clone()
	require.Empty(cmp.Diff(u, c, cmpopts.IgnoreUnexported(User{})))

	// Mutating the clone's preferences never reaches the original.
	c.Preferences["theme"] = "light"
	c.FirstName = "Other"
	assert.Equal("dark", u.Preferences["theme"])
	assert.Equal("Test", u.FirstName)

	// A user without preferences clones to one without preferences.
	assert.Nil(Map(Claims{"sub": "u-2"}).Clone().Preferences)
}

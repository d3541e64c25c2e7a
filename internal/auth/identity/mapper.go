package identity

import (
	"strings"
	"time"
)

// Claims is the raw key/value assertions from a userinfo response or a
// decoded access token.
type Claims map[string]any

// Map normalizes IdP claims into a User. Missing claims degrade through
// per-field fallback chains and fixed defaults; Map never fails.
func Map(claims Claims) *User {
	u := &User{
		ID:           str(claims, "sub", "id"),
		Email:        str(claims, "email"),
		FirstName:    str(claims, "given_name", "firstName"),
		LastName:     str(claims, "family_name", "lastName"),
		Username:     str(claims, "preferred_username", "username"),
		Phone:        str(claims, "phone_number", "phone"),
		Location:     str(claims, "location", "locale"),
		Description:  str(claims, "description"),
		Photo:        str(claims, "picture", "photo"),
		Preferences:  preferences(claims),
		RegisteredAt: registeredAt(claims),
		verification: claims["verification_identite"],
	}
	if u.Username == "" && u.Email != "" {
		if at := strings.Index(u.Email, "@"); at > 0 {
			u.Username = u.Email[:at]
		}
	}
	u.recompute()
	return u
}

// str returns the first non-empty string claim among keys.
func str(claims Claims, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func preferences(claims Claims) map[string]string {
	raw, ok := claims["preferences"].(map[string]any)
	if !ok {
		return nil
	}
	prefs := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			prefs[k] = s
		}
	}
	return prefs
}

// registeredAt reads the registration timestamp, accepting RFC 3339 strings
// or numeric epoch seconds. Absent or malformed values default to now.
func registeredAt(claims Claims) time.Time {
	for _, k := range []string{"created_at", "registration_date"} {
		switch v := claims[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		case float64:
			return time.Unix(int64(v), 0)
		}
	}
	return time.Now()
}

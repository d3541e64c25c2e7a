package identity

import (
	"errors"
	"strings"
	"time"
)

// ErrUnknownField indicates an attribute update for a field outside the
// closed set of updatable fields.
var ErrUnknownField = errors.New("unknown user field")

// User is the agent's normalized view of the authenticated person. FullName
// and IsVerified are derived and never stored independently; recompute()
// rebuilds them after every mutation.
type User struct {
	ID           string            `yaml:"id"`
	Email        string            `yaml:"email"`
	FirstName    string            `yaml:"first_name"`
	LastName     string            `yaml:"last_name"`
	Username     string            `yaml:"username"`
	Phone        string            `yaml:"phone,omitempty"`
	Location     string            `yaml:"location,omitempty"`
	Description  string            `yaml:"description,omitempty"`
	Photo        string            `yaml:"photo,omitempty"`
	Preferences  map[string]string `yaml:"preferences,omitempty"`
	RegisteredAt time.Time         `yaml:"registered_at"`

	// Derived.
	FullName   string `yaml:"full_name"`
	IsVerified bool   `yaml:"is_verified"`

	// verification holds the raw verification claim so IsVerified can be
	// recomputed rather than cached.
	verification any
}

// Field enumerates the user attributes that UpdateAttribute may mutate.
type Field string

const (
	FieldFirstName   Field = "firstName"
	FieldLastName    Field = "lastName"
	FieldUsername    Field = "username"
	FieldPhone       Field = "phone"
	FieldLocation    Field = "location"
	FieldDescription Field = "description"
	FieldPhoto       Field = "photo"
)

// Clone returns an independent copy. The preferences map is copied, not
// aliased, so mutating the clone never reaches the original.
func (u *User) Clone() *User {
	c := *u
	if u.Preferences != nil {
		c.Preferences = make(map[string]string, len(u.Preferences))
		for k, v := range u.Preferences {
			c.Preferences[k] = v
		}
	}
	return &c
}

// Apply sets a single updatable field and recomputes the derived fields.
func (u *User) Apply(field Field, value string) error {
	switch field {
	case FieldFirstName:
		u.FirstName = value
	case FieldLastName:
		u.LastName = value
	case FieldUsername:
		u.Username = value
	case FieldPhone:
		u.Phone = value
	case FieldLocation:
		u.Location = value
	case FieldDescription:
		u.Description = value
	case FieldPhoto:
		u.Photo = value
	default:
		return ErrUnknownField
	}
	u.recompute()
	return nil
}

// recompute rebuilds every derived field from its sources. Called after any
// mutation; the derived values are never trusted across a mutation.
func (u *User) recompute() {
	u.FullName = strings.TrimSpace(u.FirstName + " " + u.LastName)
	u.IsVerified = verified(u.verification)
}

// verified accepts a boolean true or the string "true"; anything else,
// including absence, is unverified.
func verified(claim any) bool {
	switch v := claim.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

package domain

import "strings"

const unknownUserName = "Unknown User"

// Profile is the directory record of a marketplace user.
type Profile struct {
	UserID     string
	ExternalID string
	FirstName  string
	LastName   string
	ImageURL   string
	Email      string
}

// DisplayName joins first and last name, falling back to a placeholder.
func (p Profile) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
	if name == "" {
		return unknownUserName
	}
	return name
}

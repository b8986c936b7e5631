package model

import "time"

// ReviewSource identifies where an unrecognized record came from.
type ReviewSource string

const (
	ReviewSourceExcel ReviewSource = "excel"
	ReviewSourceForm  ReviewSource = "form"
)

// Client is a persisted client record. PhoneNumber holds one or more
// canonical numbers joined with ", " and is never empty once stored.
type Client struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phoneNumber"`
	DateOfBirth time.Time `json:"dateOfBirth"` // year is a placeholder
	BirthMonth  int       `json:"birthMonth"`
	BirthDay    int       `json:"birthDay"`
	Branch      string    `json:"branch"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ReviewEntry holds a row whose phone data could not be fully normalized.
// It is later promoted to a Client or deleted by the review workflow.
type ReviewEntry struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	PhoneNumber      string       `json:"phoneNumber"` // original, unnormalized
	InvalidFragments []string     `json:"invalidFragments"`
	DateOfBirth      *time.Time   `json:"dateOfBirth,omitempty"`
	BirthMonth       int          `json:"birthMonth,omitempty"`
	BirthDay         int          `json:"birthDay,omitempty"`
	Branch           string       `json:"branch"`
	Reason           string       `json:"reason"`
	Source           ReviewSource `json:"source"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Branch is a named business location.
type Branch struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

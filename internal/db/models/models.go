package models

const (
	// DefaultLimit is the max number of rows retrieved from the DB per listing API call
	DefaultLimit = 50

	// RecentLogEntries is how many log entries a job status read returns
	RecentLogEntries = 50
	// RecentProgressEntries is how many progress entries a job status read returns
	RecentProgressEntries = 10
)

// ListOptions represents pagination options for list operations
type ListOptions struct {
	Limit  int `json:"limit"`  // Number of items to return
	Offset int `json:"offset"` // Number of items to skip
}

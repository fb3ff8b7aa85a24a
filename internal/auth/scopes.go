package auth

// OAuth scopes understood by the API. Write implies read.
const (
	ScopeActivitiesWrite = "activities:write"
	ScopeActivitiesRead  = "activities:read"
)

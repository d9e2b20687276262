package metadata

// UserContext represents the authenticated user, set by auth middleware.
// It carries identity only; grants are resolved per request.
type UserContext struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

package models

// TokenPayload is verified bearer token content
type TokenPayload struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the token grants administrative access
func (tp *TokenPayload) IsAdmin() bool {
	return tp != nil && tp.Role == RoleAdmin
}

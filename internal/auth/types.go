package auth

import "errors"

// AuthMethod represents the type of authentication
type AuthMethod string

const (
	AuthMethodNone   AuthMethod = "none"
	AuthMethodBasic  AuthMethod = "basic"  // username/password
	AuthMethodBearer AuthMethod = "bearer" // static token
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials are the static secrets accepted by the ingress.
// An empty value disables the corresponding method.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Enabled reports whether any method is configured.
func (c Credentials) Enabled() bool {
	return c.Token != "" || (c.Username != "" && c.Password != "")
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Success  bool       `json:"success"`
	Method   AuthMethod `json:"method"`
	Username string     `json:"username,omitempty"`
}

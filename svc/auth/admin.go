package auth

import (
	"context"

	"pastelink/pkg/domain"
	"pastelink/svc/util"
)

// Admin authenticates the single operator account configured through
// ADMIN_USER and ADMIN_HASH.
type Admin struct {
	user     string
	hash     string
	hasher   *PasswordHasher
	sessions *SessionGuard
}

func NewAdmin(user, hash string, hasher *PasswordHasher, sessions *SessionGuard) *Admin {
	return &Admin{user: user, hash: hash, hasher: hasher, sessions: sessions}
}

// Enabled reports whether an admin hash is configured.
func (a *Admin) Enabled() bool {
	return a.hash != ""
}

// Login checks the credentials and, on success, returns the session under a
// new id with the admin flag bound to clientIP.
func (a *Admin) Login(ctx context.Context, s *Session, user, password, clientIP string) (*Session, error) {
	if !a.Enabled() {
		return nil, domain.ErrUnauthorized
	}
	userOK := util.TokensEqual(user, a.user)
	passOK := a.hasher.Verify(password, a.hash)
	if !userOK || !passOK {
		util.Warn().Str("client", util.RedactIP(clientIP)).Msg("admin login failed")
		return nil, domain.ErrInvalidCredentials
	}
	ns, err := a.sessions.Regenerate(ctx, s)
	if err != nil {
		return nil, err
	}
	ns.Admin = true
	ns.AdminIP = clientIP
	if err := a.sessions.Save(ctx, ns); err != nil {
		return nil, err
	}
	util.Info().Str("client", util.RedactIP(clientIP)).Msg("admin logged in")
	return ns, nil
}

// IsAdmin requires the admin flag and a request from the address that
// logged in.
func (a *Admin) IsAdmin(s *Session, clientIP string) bool {
	return s != nil && s.Admin && s.AdminIP != "" && s.AdminIP == clientIP
}
func (a *Admin) Logout(ctx context.Context, s *Session) error {
	return a.sessions.Destroy(ctx, s)
}

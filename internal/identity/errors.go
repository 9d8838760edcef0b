package identity

import "errors"

var (
	ErrEmailExists         = errors.New("identity: email already registered")
	ErrInvalidEmail        = errors.New("identity: invalid email")
	ErrWeakPassword        = errors.New("identity: password must be at least 6 characters")
	ErrInvalidRole         = errors.New("identity: invalid role")
	ErrInvalidCredentials  = errors.New("identity: invalid credentials")
	ErrInvalidIdentity     = errors.New("identity: provider identity incomplete")
	ErrAccountNotFound     = errors.New("identity: account not found")
	ErrRequiresRecentLogin = errors.New("identity: requires recent login")
	ErrGoogleDisabled      = errors.New("identity: google sign-in not configured")
)

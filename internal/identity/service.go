package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	providerGoogle           = "google"
	minPasswordLength        = 6
	defaultRecentLoginWindow = 5 * time.Minute
)

// GoogleTokenVerifier verifies raw Google ID tokens.
type GoogleTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleClaims, error)
}

// ServiceConfig describes the dependencies of the identity service.
type ServiceConfig struct {
	Database          *gorm.DB
	GoogleVerifier    GoogleTokenVerifier
	RecentLoginWindow time.Duration
	BcryptCost        int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Service owns accounts, passwords and linked Google identities.
type Service struct {
	db                *gorm.DB
	google            GoogleTokenVerifier
	recentLoginWindow time.Duration
	bcryptCost        int
	now               func() time.Time
	logger            *zap.Logger
	validate          *validator.Validate
	cache             sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	window := cfg.RecentLoginWindow
	if window <= 0 {
		window = defaultRecentLoginWindow
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("identity: bcrypt cost %d out of range", cost)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:                cfg.Database,
		google:            cfg.GoogleVerifier,
		recentLoginWindow: window,
		bcryptCost:        cost,
		now:               clock,
		logger:            logger,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// SignUp registers a password account. The new account counts as freshly authenticated.
func (s *Service) SignUp(ctx context.Context, request SignUpRequest) (User, error) {
	request.Email = normalizeEmail(request.Email)
	request.DisplayName = strings.TrimSpace(request.DisplayName)
	if err := s.validate.Struct(request); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && validationErrors[0].Field() == "Password" {
			return User{}, ErrWeakPassword
		}
		return User{}, ErrInvalidEmail
	}
	if len(request.Password) < minPasswordLength {
		return User{}, ErrWeakPassword
	}
	role, err := ParseRole(request.Role)
	if err != nil {
		return User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(request.Password), s.bcryptCost)
	if err != nil {
		return User{}, fmt.Errorf("identity: hash password: %w", err)
	}

	displayName := request.DisplayName
	if displayName == "" {
		displayName = request.Email
	}
	account := Account{
		ID:                  uuid.NewString(),
		Email:               request.Email,
		PasswordHash:        string(hash),
		DisplayName:         displayName,
		Role:                string(role),
		LastAuthenticatedAt: s.now().UTC(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&Account{}).Where("email = ?", account.Email).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrEmailExists
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		if errors.Is(err, ErrEmailExists) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrEmailExists
		}
		return User{}, err
	}
	s.logger.Info("account created", zap.String("account_id", account.ID), zap.String("role", account.Role))
	return account.user(), nil
}

// SignIn checks an email and password pair.
func (s *Service) SignIn(ctx context.Context, email, password string) (User, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if !passwordMatches(account.PasswordHash, password) {
		return User{}, ErrInvalidCredentials
	}
	if err := s.touch(ctx, account.ID); err != nil {
		return User{}, err
	}
	return account.user(), nil
}

// SignInWithGoogleToken verifies a Google ID token and signs its owner in.
func (s *Service) SignInWithGoogleToken(ctx context.Context, rawToken string) (User, error) {
	if s.google == nil {
		return User{}, ErrGoogleDisabled
	}
	claims, err := s.google.Verify(ctx, rawToken)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return s.SignInWithGoogle(ctx, claims)
}

// SignInWithGoogle resolves the account linked to verified Google claims, creating one on
// first sign-in. A verified email that matches an existing password account links to it.
func (s *Service) SignInWithGoogle(ctx context.Context, claims auth.GoogleClaims) (User, error) {
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return User{}, ErrInvalidIdentity
	}
	cacheKey := providerGoogle + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if accountID, ok := cached.(string); ok {
			account, err := s.loadAccount(ctx, accountID)
			if err == nil {
				if err := s.touch(ctx, account.ID); err != nil {
					return User{}, err
				}
				return account.user(), nil
			}
			if !errors.Is(err, ErrAccountNotFound) {
				return User{}, err
			}
			s.cache.Delete(cacheKey)
		}
	}

	email := normalizeEmail(claims.Email)
	now := s.now().UTC()
	var account Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link ProviderIdentity
		err := tx.Where("provider = ? AND subject = ?", providerGoogle, subject).First(&link).Error
		switch {
		case err == nil:
			if err := tx.Where("id = ?", link.AccountID).First(&account).Error; err == nil {
				return tx.Model(&ProviderIdentity{}).
					Where("provider = ? AND subject = ?", providerGoogle, subject).
					Updates(map[string]interface{}{"last_seen_at": now, "email": email}).
					Error
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if err := tx.Delete(&link).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if email == "" {
			return ErrInvalidIdentity
		}
		err = tx.Where("email = ?", email).First(&account).Error
		switch {
		case err == nil:
			if !claims.EmailVerified {
				return ErrEmailExists
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			displayName := strings.TrimSpace(claims.Name)
			if displayName == "" {
				displayName = email
			}
			account = Account{
				ID:                  uuid.NewString(),
				Email:               email,
				DisplayName:         displayName,
				Role:                string(RoleDriver),
				LastAuthenticatedAt: now,
			}
			if err := tx.Create(&account).Error; err != nil {
				return err
			}
		default:
			return err
		}
		return tx.Create(&ProviderIdentity{
			Provider:   providerGoogle,
			Subject:    subject,
			AccountID:  account.ID,
			Email:      email,
			LastSeenAt: now,
		}).Error
	})
	if err != nil {
		return User{}, err
	}
	if err := s.touch(ctx, account.ID); err != nil {
		return User{}, err
	}
	s.cache.Store(cacheKey, account.ID)
	return account.user(), nil
}

// CurrentUser returns the account's public view.
func (s *Service) CurrentUser(ctx context.Context, accountID string) (User, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return User{}, err
	}
	return account.user(), nil
}

// Reauthenticate verifies a fresh credential for the account and restarts its recent-login window.
func (s *Service) Reauthenticate(ctx context.Context, accountID string, credential Credential) error {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	switch {
	case credential.Password != "":
		if !passwordMatches(account.PasswordHash, credential.Password) {
			return ErrInvalidCredentials
		}
	case strings.TrimSpace(credential.GoogleIDToken) != "":
		if s.google == nil {
			return ErrGoogleDisabled
		}
		claims, err := s.google.Verify(ctx, credential.GoogleIDToken)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		var linked int64
		err = s.db.WithContext(ctx).Model(&ProviderIdentity{}).
			Where("provider = ? AND subject = ? AND account_id = ?", providerGoogle, claims.Subject, account.ID).
			Count(&linked).Error
		if err != nil {
			return err
		}
		if linked == 0 {
			return ErrInvalidCredentials
		}
	default:
		return ErrInvalidCredentials
	}
	return s.touch(ctx, account.ID)
}

// ChangePassword replaces the password after checking the current one. Accounts without a
// password (Google only) may set one within the recent-login window.
func (s *Service) ChangePassword(ctx context.Context, accountID, currentPassword, nextPassword string) error {
	if len(nextPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.PasswordHash != "" {
		if !passwordMatches(account.PasswordHash, currentPassword) {
			return ErrInvalidCredentials
		}
	} else if !s.recentlyAuthenticated(account) {
		return ErrRequiresRecentLogin
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(nextPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	return s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]interface{}{
			"password_hash":         string(hash),
			"last_authenticated_at": s.now().UTC(),
		}).Error
}

// DeleteAccount removes the account and its linked identities. It refuses with
// ErrRequiresRecentLogin when the last authentication is older than the recent-login window.
func (s *Service) DeleteAccount(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrAccountNotFound
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account Account
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", accountID).First(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		if !s.recentlyAuthenticated(account) {
			return ErrRequiresRecentLogin
		}
		if err := tx.Where("account_id = ?", accountID).Delete(&ProviderIdentity{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", accountID).Delete(&Account{}).Error
	})
	if err != nil {
		return err
	}
	s.cache.Range(func(key, value any) bool {
		if value == accountID {
			s.cache.Delete(key)
		}
		return true
	})
	s.logger.Info("account deleted", zap.String("account_id", accountID))
	return nil
}

func (s *Service) loadAccount(ctx context.Context, accountID string) (Account, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Account{}, ErrAccountNotFound
	}
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *Service) touch(ctx context.Context, accountID string) error {
	return s.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		Update("last_authenticated_at", s.now().UTC()).
		Error
}

func (s *Service) recentlyAuthenticated(account Account) bool {
	return s.now().Sub(account.LastAuthenticatedAt) <= s.recentLoginWindow
}

func passwordMatches(hash, password string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

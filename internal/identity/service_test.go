package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records/recordstest"
	"golang.org/x/crypto/bcrypt"
)

type stubGoogleVerifier struct {
	claims map[string]auth.GoogleClaims
}

func (s stubGoogleVerifier) Verify(_ context.Context, rawToken string) (auth.GoogleClaims, error) {
	claims, ok := s.claims[rawToken]
	if !ok {
		return auth.GoogleClaims{}, errors.New("token rejected")
	}
	return claims, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestService(t *testing.T, verifier GoogleTokenVerifier) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{
		Database:          recordstest.OpenDatabase(t, Models()...),
		GoogleVerifier:    verifier,
		RecentLoginWindow: 5 * time.Minute,
		BcryptCost:        bcrypt.MinCost,
		Clock:             clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, clock
}

func TestSignUpAndSignIn(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	user, err := service.SignUp(ctx, SignUpRequest{Email: " Driver@Example.com ", Password: "secret1", DisplayName: "Dee"})
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if user.Email != "driver@example.com" {
		t.Fatalf("expected normalised email, got %q", user.Email)
	}
	if user.Role != RoleDriver {
		t.Fatalf("expected default driver role, got %q", user.Role)
	}

	signedIn, err := service.SignIn(ctx, "DRIVER@example.com", "secret1")
	if err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("expected same account, got %q vs %q", signedIn.ID, user.ID)
	}

	if _, err := service.SignIn(ctx, "driver@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := service.SignIn(ctx, "nobody@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	testCases := []struct {
		name    string
		request SignUpRequest
		want    error
	}{
		{name: "short password", request: SignUpRequest{Email: "a@example.com", Password: "12345"}, want: ErrWeakPassword},
		{name: "empty password", request: SignUpRequest{Email: "a@example.com"}, want: ErrWeakPassword},
		{name: "bad email", request: SignUpRequest{Email: "not-an-email", Password: "secret1"}, want: ErrInvalidEmail},
		{name: "unknown role", request: SignUpRequest{Email: "a@example.com", Password: "secret1", Role: "owner"}, want: ErrInvalidRole},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := service.SignUp(ctx, testCase.request); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}

	if _, err := service.SignUp(ctx, SignUpRequest{Email: "dup@example.com", Password: "secret1", Role: "manager"}); err != nil {
		t.Fatalf("first sign up failed: %v", err)
	}
	if _, err := service.SignUp(ctx, SignUpRequest{Email: "DUP@example.com", Password: "secret2"}); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestSignInWithGoogleCreatesAndReusesAccount(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()
	claims := auth.GoogleClaims{Subject: "google-1", Email: "g@example.com", EmailVerified: true, Name: "Gee"}

	first, err := service.SignInWithGoogle(ctx, claims)
	if err != nil {
		t.Fatalf("google sign in failed: %v", err)
	}
	if first.DisplayName != "Gee" || first.Role != RoleDriver {
		t.Fatalf("unexpected new account %#v", first)
	}

	second, err := service.SignInWithGoogle(ctx, claims)
	if err != nil {
		t.Fatalf("second google sign in failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the linked account to be reused")
	}

	var identities int64
	if err := service.db.Model(&ProviderIdentity{}).Count(&identities).Error; err != nil {
		t.Fatalf("count identities: %v", err)
	}
	if identities != 1 {
		t.Fatalf("expected one provider identity, got %d", identities)
	}

	if _, err := service.SignInWithGoogle(ctx, auth.GoogleClaims{Email: "x@example.com"}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity without subject, got %v", err)
	}
}

func TestSignInWithGoogleLinksVerifiedEmail(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	existing, err := service.SignUp(ctx, SignUpRequest{Email: "both@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	if _, err := service.SignInWithGoogle(ctx, auth.GoogleClaims{Subject: "g-unverified", Email: "both@example.com"}); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected unverified email to be refused, got %v", err)
	}

	linked, err := service.SignInWithGoogle(ctx, auth.GoogleClaims{Subject: "g-verified", Email: "both@example.com", EmailVerified: true})
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if linked.ID != existing.ID {
		t.Fatalf("expected google identity to link to the password account")
	}
}

func TestDeleteAccountRequiresRecentLogin(t *testing.T) {
	service, clock := newTestService(t, nil)
	ctx := context.Background()

	user, err := service.SignUp(ctx, SignUpRequest{Email: "old@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	clock.now = clock.now.Add(10 * time.Minute)
	if err := service.DeleteAccount(ctx, user.ID); !errors.Is(err, ErrRequiresRecentLogin) {
		t.Fatalf("expected recent login requirement, got %v", err)
	}

	if err := service.Reauthenticate(ctx, user.ID, Credential{Password: "nope-nope"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if err := service.Reauthenticate(ctx, user.ID, Credential{}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected empty credential to be rejected, got %v", err)
	}
	if err := service.Reauthenticate(ctx, user.ID, Credential{Password: "secret1"}); err != nil {
		t.Fatalf("reauthenticate failed: %v", err)
	}

	if err := service.DeleteAccount(ctx, user.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := service.CurrentUser(ctx, user.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected account to be gone, got %v", err)
	}
	if err := service.DeleteAccount(ctx, user.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestReauthenticateWithGoogleToken(t *testing.T) {
	verifier := stubGoogleVerifier{claims: map[string]auth.GoogleClaims{
		"owner-token":    {Subject: "g-owner", Email: "owner@example.com", EmailVerified: true},
		"stranger-token": {Subject: "g-stranger", Email: "stranger@example.com", EmailVerified: true},
	}}
	service, clock := newTestService(t, verifier)
	ctx := context.Background()

	owner, err := service.SignInWithGoogleToken(ctx, "owner-token")
	if err != nil {
		t.Fatalf("google sign in failed: %v", err)
	}
	if _, err := service.SignInWithGoogleToken(ctx, "forged"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected forged token to be rejected, got %v", err)
	}

	clock.now = clock.now.Add(time.Hour)
	if err := service.Reauthenticate(ctx, owner.ID, Credential{GoogleIDToken: "stranger-token"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected token of another user to be rejected, got %v", err)
	}
	if err := service.Reauthenticate(ctx, owner.ID, Credential{GoogleIDToken: "owner-token"}); err != nil {
		t.Fatalf("google reauthentication failed: %v", err)
	}
	if err := service.DeleteAccount(ctx, owner.ID); err != nil {
		t.Fatalf("delete after google reauthentication failed: %v", err)
	}

	recreated, err := service.SignInWithGoogleToken(ctx, "owner-token")
	if err != nil {
		t.Fatalf("sign in after deletion failed: %v", err)
	}
	if recreated.ID == owner.ID {
		t.Fatalf("expected a fresh account after deletion")
	}
}

func TestChangePassword(t *testing.T) {
	service, _ := newTestService(t, nil)
	ctx := context.Background()

	user, err := service.SignUp(ctx, SignUpRequest{Email: "change@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if err := service.ChangePassword(ctx, user.ID, "secret1", "123"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected weak password, got %v", err)
	}
	if err := service.ChangePassword(ctx, user.ID, "wrong1", "secret2"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if err := service.ChangePassword(ctx, user.ID, "secret1", "secret2"); err != nil {
		t.Fatalf("change password failed: %v", err)
	}
	if _, err := service.SignIn(ctx, "change@example.com", "secret2"); err != nil {
		t.Fatalf("sign in with new password failed: %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" Manager "); err != nil || role != RoleManager {
		t.Fatalf("expected manager, got %q %v", role, err)
	}
	if role, err := ParseRole(""); err != nil || role != RoleDriver {
		t.Fatalf("expected driver default, got %q %v", role, err)
	}
	if _, err := ParseRole("root"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected invalid role, got %v", err)
	}
}

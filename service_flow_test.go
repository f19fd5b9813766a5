package tenauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/veldtlabs/tenauth/mfa"
)

func login(t *testing.T, svc *Service, tenantID, email, pass string) *AuthResponse {
	t.Helper()

	resp, err := svc.Authenticate(context.Background(), tenantID, LoginRequest{Email: email, Password: pass})
	if err != nil {
		t.Fatalf("Authenticate(%s/%s): %v", tenantID, email, err)
	}
	return resp
}

func TestRefreshRotation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	resp := login(t, svc, "t1", "alice@example.com", testPassword)

	pair, err := svc.RefreshTokens(ctx, resp.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if pair.RefreshToken == resp.Tokens.RefreshToken {
		t.Fatal("refresh token must rotate")
	}

	// The new access token verifies against the same tenant and session.
	grant, err := svc.VerifyAccess(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess: %v", err)
	}
	if grant.TenantID != "t1" || grant.SessionID != resp.SessionID {
		t.Fatalf("rotation changed identity: %+v", grant)
	}
}

func TestRefreshReuseRevokesSession(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	resp := login(t, svc, "t1", "alice@example.com", testPassword)

	fresh, err := svc.RefreshTokens(ctx, resp.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("first rotation: %v", err)
	}

	// Replaying the superseded token is treated as theft evidence.
	if _, err := svc.RefreshTokens(ctx, resp.Tokens.RefreshToken); !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("got %v, want ErrRefreshReuse", err)
	}

	// The whole session dies with it, including the fresh line.
	if _, err := svc.RefreshTokens(ctx, fresh.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("fresh token after revocation: got %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, fresh.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("access after revocation: got %v", err)
	}
	if got := svc.Metrics().Value(MetricRefreshReuse); got != 1 {
		t.Fatalf("reuse counter = %d", got)
	}
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	resp := login(t, svc, "t1", "alice@example.com", testPassword)

	if _, err := svc.RefreshTokens(ctx, resp.Tokens.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
	if _, err := svc.VerifyAccess(ctx, resp.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("got %v, want ErrTokenInvalid", err)
	}
}

func TestChangePasswordWrongCurrentIsSilent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	ok, err := svc.ChangePassword(ctx, "t1", user.ID, "Wrong#Pass99", "Fresh#Word123")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if ok {
		t.Fatal("wrong current password must not succeed")
	}

	// Unknown user looks exactly the same.
	ok, err = svc.ChangePassword(ctx, "t1", "missing-user", testPassword, "Fresh#Word123")
	if err != nil || ok {
		t.Fatalf("unknown user: ok=%v err=%v", ok, err)
	}

	// The original password still works.
	login(t, svc, "t1", "alice@example.com", testPassword)
}

func TestChangePasswordRevokesSessions(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	resp := login(t, svc, "t1", "alice@example.com", testPassword)

	ok, err := svc.ChangePassword(ctx, "t1", user.ID, testPassword, "Fresh#Word123")
	if err != nil || !ok {
		t.Fatalf("ChangePassword: ok=%v err=%v", ok, err)
	}

	if _, err := svc.VerifyAccess(ctx, resp.Tokens.AccessToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("old session after change: got %v", err)
	}
	login(t, svc, "t1", "alice@example.com", "Fresh#Word123")
}

func TestChangePasswordRejectsReuse(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	if _, err := svc.ChangePassword(ctx, "t1", user.ID, testPassword, testPassword); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("got %v, want ErrPasswordPolicy", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	resetToken, err := svc.RequestPasswordReset(ctx, "t1", "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if resetToken == "" {
		t.Fatal("expected a reset token for a known email")
	}

	ok, err := svc.ResetPassword(ctx, "t1", resetToken, "Fresh#Word123")
	if err != nil || !ok {
		t.Fatalf("ResetPassword: ok=%v err=%v", ok, err)
	}
	login(t, svc, "t1", "alice@example.com", "Fresh#Word123")

	// Single use: the same token never works twice.
	ok, err = svc.ResetPassword(ctx, "t1", resetToken, "Again#Word456")
	if err != nil {
		t.Fatalf("second ResetPassword: %v", err)
	}
	if ok {
		t.Fatal("reset token must be single-use")
	}
}

func TestPasswordResetUnknownEmailIsSilent(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")

	resetToken, err := svc.RequestPasswordReset(ctx, "t1", "nobody@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if resetToken != "" {
		t.Fatal("unknown email must not yield a token")
	}
}

func TestPasswordResetMalformedToken(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")

	for _, bad := range []string{"", "garbage", "!!!not-base64!!!"} {
		ok, err := svc.ResetPassword(ctx, "t1", bad, "Fresh#Word123")
		if err != nil || ok {
			t.Fatalf("token %q: ok=%v err=%v", bad, ok, err)
		}
	}
}

func TestPasswordResetClearsLockout(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	seedUser(t, svc, "t1", "alice@example.com")

	for i := 0; i < 5; i++ {
		_, _ = svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: "Wrong#Pass99"})
	}
	if _, err := svc.Authenticate(ctx, "t1", LoginRequest{Email: "alice@example.com", Password: testPassword}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lockout, got %v", err)
	}

	resetToken, err := svc.RequestPasswordReset(ctx, "t1", "alice@example.com")
	if err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	ok, err := svc.ResetPassword(ctx, "t1", resetToken, "Fresh#Word123")
	if err != nil || !ok {
		t.Fatalf("ResetPassword: ok=%v err=%v", ok, err)
	}

	// Mailbox control outranks the guess-based lockout.
	login(t, svc, "t1", "alice@example.com", "Fresh#Word123")
}

func TestMFALoginFlow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	setup, err := svc.SetupMFA(ctx, "t1", user.ID, MFAMethodTOTP, "")
	if err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}
	if setup.Secret == "" || setup.OTPAuthURI == "" || len(setup.QRCodePNG) == 0 {
		t.Fatalf("incomplete enrollment material: %+v", setup)
	}
	if len(setup.BackupCodes) != mfa.BackupCodeCount {
		t.Fatalf("backup codes = %d", len(setup.BackupCodes))
	}

	resp := login(t, svc, "t1", "alice@example.com", testPassword)
	if !resp.MFARequired || resp.ChallengeID == "" {
		t.Fatalf("expected an MFA challenge, got %+v", resp)
	}
	if resp.Tokens != nil {
		t.Fatal("no tokens before the second factor")
	}

	// A wrong code burns an attempt but leaves the challenge alive.
	if _, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodTOTP, "000000"); !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("wrong code: got %v", err)
	}

	code, err := mfa.Code(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	done, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodTOTP, code)
	if err != nil {
		t.Fatalf("ConfirmMFA: %v", err)
	}
	if !done.Success || done.Tokens == nil {
		t.Fatalf("expected tokens after MFA: %+v", done)
	}

	// The challenge is consumed with the login.
	if _, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodTOTP, code); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("spent challenge: got %v", err)
	}
}

func TestMFABackupCodeLogin(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	setup, err := svc.SetupMFA(ctx, "t1", user.ID, MFAMethodTOTP, "")
	if err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}
	backup := setup.BackupCodes[0]

	resp := login(t, svc, "t1", "alice@example.com", testPassword)
	done, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodBackup, backup)
	if err != nil {
		t.Fatalf("ConfirmMFA with backup code: %v", err)
	}
	if !done.Success {
		t.Fatalf("got %+v", done)
	}

	// The code is burned; a second login cannot replay it.
	resp2 := login(t, svc, "t1", "alice@example.com", testPassword)
	if _, err := svc.ConfirmMFA(ctx, "t1", resp2.ChallengeID, MFAMethodBackup, backup); !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("replayed backup code: got %v", err)
	}
}

func TestMFAChallengeAttemptBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MFA.ChallengeMaxAttempts = 2
	svc, _ := newTestService(t, cfg)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	if _, err := svc.SetupMFA(ctx, "t1", user.ID, MFAMethodTOTP, ""); err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}
	resp := login(t, svc, "t1", "alice@example.com", testPassword)

	if _, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodTOTP, "000000"); !errors.Is(err, ErrMFAInvalid) {
		t.Fatalf("first miss: got %v", err)
	}
	// The second miss exhausts the budget and voids the challenge.
	if _, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodTOTP, "000000"); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("exhausted challenge: got %v", err)
	}
}

func TestMFASMSCodeDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dispatch := mfa.NewStubDispatcher()
	svc, err := New().
		WithStore(newMockStore()).
		WithRedis(client).
		WithConfig(testConfig()).
		WithMFADispatcher(dispatch).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(svc.Close)

	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	if _, err := svc.SetupMFA(ctx, "t1", user.ID, MFAMethodSMS, "+15551230000"); err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}

	resp := login(t, svc, "t1", "alice@example.com", testPassword)
	deliveries := dispatch.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("deliveries = %d", len(deliveries))
	}
	if deliveries[0].Method != MFAMethodSMS || deliveries[0].Destination != "+15551230000" {
		t.Fatalf("unexpected delivery: %+v", deliveries[0])
	}

	done, err := svc.ConfirmMFA(ctx, "t1", resp.ChallengeID, MFAMethodSMS, deliveries[0].Code)
	if err != nil {
		t.Fatalf("ConfirmMFA: %v", err)
	}
	if !done.Success {
		t.Fatalf("got %+v", done)
	}
}

func TestVerifyMFAStandalone(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	setup, err := svc.SetupMFA(ctx, "t1", user.ID, MFAMethodTOTP, "")
	if err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}

	code, err := mfa.Code(setup.Secret, time.Now())
	if err != nil {
		t.Fatalf("Code: %v", err)
	}
	ok, err := svc.VerifyMFA(ctx, "t1", user.ID, MFAMethodTOTP, code)
	if err != nil || !ok {
		t.Fatalf("VerifyMFA: ok=%v err=%v", ok, err)
	}

	// Same window, same code: the replay counter rejects it.
	ok, err = svc.VerifyMFA(ctx, "t1", user.ID, MFAMethodTOTP, code)
	if err != nil {
		t.Fatalf("replay VerifyMFA: %v", err)
	}
	if ok {
		t.Fatal("same-window code must not verify twice")
	}
}

func TestDisableMFA(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()
	seedTenant(t, svc, "t1")
	user := seedUser(t, svc, "t1", "alice@example.com")

	if _, err := svc.SetupMFA(ctx, "t1", user.ID, MFAMethodTOTP, ""); err != nil {
		t.Fatalf("SetupMFA: %v", err)
	}
	if err := svc.DisableMFA(ctx, "t1", user.ID); err != nil {
		t.Fatalf("DisableMFA: %v", err)
	}

	// Login is back to password-only.
	resp := login(t, svc, "t1", "alice@example.com", testPassword)
	if resp.MFARequired {
		t.Fatal("MFA still required after disable")
	}
	if _, err := svc.VerifyMFA(ctx, "t1", user.ID, MFAMethodTOTP, "123456"); !errors.Is(err, ErrMFANotConfigured) {
		t.Fatalf("got %v, want ErrMFANotConfigured", err)
	}
}

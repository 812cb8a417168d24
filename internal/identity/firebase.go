package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// IDTokenVerifier is the part of the Firebase auth client used here.
// *auth.Client satisfies it.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens for one project.  The SDK
// caches Google's signing certificates and refetches them when they rotate.
type FirebaseVerifier struct {
	Tokens  IDTokenVerifier
	Timeout time.Duration
}

// NewFirebaseVerifier builds a verifier for projectID.  credentialsFile is
// optional: checking ID tokens needs only Google's public certificates, so
// without it the client runs unauthenticated.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string, timeout time.Duration) (*FirebaseVerifier, error) {
	opt := option.WithoutAuthentication()
	if credentialsFile != "" {
		opt = option.WithCredentialsFile(credentialsFile)
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opt)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return &FirebaseVerifier{Tokens: client, Timeout: timeout}, nil
}

// VerifyAssertion checks the signature, audience, issuer and expiry of an ID
// token and returns its verified phone number.
func (v *FirebaseVerifier) VerifyAssertion(ctx context.Context, assertion string) (Claims, error) {
	if strings.TrimSpace(assertion) == "" {
		return Claims{}, invalid(ReasonMalformed, errors.New("empty token"))
	}
	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}

	tok, err := v.Tokens.VerifyIDToken(ctx, assertion)
	if err != nil {
		return Claims{}, classify(ctx, err)
	}
	if tok.UID == "" {
		return Claims{}, invalid(ReasonMalformed, errors.New("missing subject"))
	}
	phone, _ := tok.Claims["phone_number"].(string)
	if phone == "" {
		return Claims{}, invalid(ReasonNoPhone, nil)
	}
	return Claims{PhoneNumber: phone, Subject: tok.UID}, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case auth.IsIDTokenExpired(err):
		return invalid(ReasonExpired, err)
	case auth.IsCertificateFetchFailed(err),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		ctx.Err() != nil:
		return invalid(ReasonUnavailable, err)
	default:
		return invalid(ReasonMalformed, err)
	}
}

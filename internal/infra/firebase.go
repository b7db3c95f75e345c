// README: Firebase ID-token verification resolving a request to a rider or driver caller.
package infra

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"robotaxi/internal/modules/order"
)

// roleClaim is the custom claim naming which side of the trip a user acts for.
const roleClaim = "role"

var ErrRoleClaim = errors.New("role claim is neither rider nor driver")

// Caller is who a verified ID token identifies.
type Caller struct {
	UID string
	// Role is empty when the token carries no role claim; such callers may
	// act for either role.
	Role order.Role
}

// TokenVerifier turns a bearer ID token into a Caller.
type TokenVerifier interface {
	Verify(ctx context.Context, idToken string) (*Caller, error)
}

type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseVerifier returns nil, nil when projectID is empty: the API then
// runs without auth. credentialsFile falls back to application-default
// credentials when empty.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (TokenVerifier, error) {
	if projectID == "" {
		return nil, nil
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase auth client: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) Verify(ctx context.Context, idToken string) (*Caller, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return nil, err
	}
	return callerFromToken(token)
}

func callerFromToken(token *auth.Token) (*Caller, error) {
	caller := &Caller{UID: token.UID}
	raw, ok := token.Claims[roleClaim]
	if !ok {
		return caller, nil
	}
	s, _ := raw.(string)
	role, err := order.ParseRole(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRoleClaim, raw)
	}
	caller.Role = role
	return caller, nil
}

package testutil

import (
	"context"
	"net/http"

	core "github.com/creditgate/creditgate/internal"
)

// FakeAuth always authenticates successfully with admin permissions against
// a synthetic principal with a large credit balance.
type FakeAuth struct{}

// Authenticate returns a test AdmissionToken with admin permissions.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*core.AdmissionToken, error) {
	return &core.AdmissionToken{
		Principal: &core.Principal{
			ID:         "test-principal",
			BalanceUSD: 1000,
			IsActive:   true,
			TrialState: core.TrialConverted,
		},
		Credential: &core.Credential{
			ID:          "test-credential",
			PrincipalID: "test-principal",
			IsActive:    true,
		},
		Scope: core.RolePermissions["admin"],
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*core.AdmissionToken, error) {
	return nil, core.ErrUnauthorized
}

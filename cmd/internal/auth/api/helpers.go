package authapi

import (
	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/session"
)

func toAccountResponse(a identity.Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		IdentityDigest: a.IdentityDigest,
		IsActive:       a.Active,
		Role:           a.Role.Name,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func toTokenResponse(p session.Pair) tokenResponse {
	return tokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        p.TokenType,
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
	}
}

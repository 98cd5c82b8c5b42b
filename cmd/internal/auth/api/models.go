package authapi

import "time"

type loginRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type roleRequest struct {
	Role string `json:"role" validate:"required,max=64"`
}

type updateUserRequest struct {
	Role     *string `json:"role" validate:"omitempty,max=64"`
	IsActive *bool   `json:"is_active"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type accountResponse struct {
	ID             string    `json:"id"`
	IdentityDigest string    `json:"identity_digest"`
	IsActive       bool      `json:"is_active"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type accountListResponse struct {
	Users []accountResponse `json:"users"`
}

type rolesResponse struct {
	Roles []string `json:"roles"`
}

type logoutAllResponse struct {
	Revoked int64 `json:"revoked"`
}

package auth

import (
	"time"

	"tars/cmd/identity"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      userResponse `json:"user"`
}

type userListItem struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Online   bool   `json:"online"`
}

type onlineUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Email: u.Email}
}

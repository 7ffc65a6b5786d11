package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loykin/scriptbatch/internal/auth"
)

// LoginResponse carries the token issued by POST {basePath}/auth/login.
type LoginResponse struct {
	Username string      `json:"username"`
	Roles    []string    `json:"roles"`
	Token    *auth.Token `json:"token"`
}

func (r *Router) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Method == "" {
		req.Method = auth.MethodBasic
		if req.ClientID != "" {
			req.Method = auth.MethodClientSecret
		}
	}
	if req.Method == auth.MethodJWT {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "login requires basic or client_secret credentials"})
		return
	}
	res, err := r.authSvc.Authenticate(c.Request.Context(), req)
	if err != nil || !res.Success {
		if err != nil && !errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "invalid credentials"})
		return
	}
	writeJSON(c, http.StatusOK, LoginResponse{Username: res.Username, Roles: res.Roles, Token: res.Token})
}

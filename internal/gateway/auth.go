package gateway

import (
	"net/http"

	"github.com/vilaca/gitlabfleet/internal/session"
)

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}{Status: "ok", Sessions: g.sessions.Stats().Total})
}

type loginRequest struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token" validate:"required"`
}

type loginResponse struct {
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	WebURL    string `json:"webUrl"`
}

// handleLogin validates a personal access token against GitLab's /user
// endpoint and, on success, opens a session and sets the session cookie.
// The token is never echoed back to the client.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	baseURL := req.BaseURL
	if baseURL == "" {
		baseURL = g.cfg.GitLabDefaultBaseURL
	}

	sess, err := g.sessions.Create(r.Context(), baseURL, req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	session.SetCookie(w, sess.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		Username:  sess.User.Username,
		Name:      sess.User.Name,
		AvatarURL: sess.User.AvatarURL,
		WebURL:    sess.User.WebURL,
	})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	g.sessions.Revoke(sess.ID)
	session.ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	writeJSON(w, http.StatusOK, loginResponse{
		Username:  sess.User.Username,
		Name:      sess.User.Name,
		AvatarURL: sess.User.AvatarURL,
		WebURL:    sess.User.WebURL,
	})
}

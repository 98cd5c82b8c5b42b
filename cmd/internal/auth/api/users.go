package authapi

import (
	"net/http"
	"strconv"

	"secureapi/cmd/identity"
	"secureapi/cmd/internal/auth/session"
)

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	a, err := h.accounts.Register(ctx, req.Email, req.Password)
	if err != nil {
		h.audit(ctx, "users.create", clientIP(r, h.cfg.TrustProxy), "", err)
		h.writeFailure(w, err)
		return
	}

	h.audit(ctx, "users.create", clientIP(r, h.cfg.TrustProxy), a.ID, nil)
	writeJSON(w, http.StatusCreated, toAccountResponse(a))
}

func (h *Handler) handleListUsers(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	page, ok := parsePage(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "offset and limit must be non-negative integers")
		return
	}

	accts, err := h.accounts.List(r.Context(), page)
	if err != nil {
		h.audit(r.Context(), "users.list", clientIP(r, h.cfg.TrustProxy), "", err)
		h.writeFailure(w, err)
		return
	}

	out := accountListResponse{Users: make([]accountResponse, 0, len(accts))}
	for _, a := range accts {
		out.Users = append(out.Users, toAccountResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	a, err := h.accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.audit(r.Context(), "users.get", clientIP(r, h.cfg.TrustProxy), "", err)
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	id := r.PathValue("id")
	if err := h.accounts.Delete(r.Context(), id); err != nil {
		h.audit(r.Context(), "users.delete", clientIP(r, h.cfg.TrustProxy), id, err)
		h.writeFailure(w, err)
		return
	}
	h.audit(r.Context(), "users.delete", clientIP(r, h.cfg.TrustProxy), id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetRole(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	var req roleRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "role is required")
		return
	}

	id := r.PathValue("id")
	a, err := h.accounts.SetRole(r.Context(), id, req.Role)
	if err != nil {
		h.audit(r.Context(), "users.set_role", clientIP(r, h.cfg.TrustProxy), id, err)
		h.writeFailure(w, err)
		return
	}
	h.audit(r.Context(), "users.set_role", clientIP(r, h.cfg.TrustProxy), id, nil)
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

func (h *Handler) handleUpdateUser(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	var req updateUserRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid update")
		return
	}

	id := r.PathValue("id")
	a, err := h.accounts.Update(r.Context(), id, req.Role, req.IsActive)
	if err != nil {
		h.audit(r.Context(), "users.update", clientIP(r, h.cfg.TrustProxy), id, err)
		h.writeFailure(w, err)
		return
	}
	h.audit(r.Context(), "users.update", clientIP(r, h.cfg.TrustProxy), id, nil)
	writeJSON(w, http.StatusOK, toAccountResponse(a))
}

func (h *Handler) handleRoles(w http.ResponseWriter, r *http.Request, _ session.Claims) {
	roles, err := h.accounts.Roles(r.Context())
	if err != nil {
		h.audit(r.Context(), "roles.list", clientIP(r, h.cfg.TrustProxy), "", err)
		h.writeFailure(w, err)
		return
	}
	out := rolesResponse{Roles: make([]string, 0, len(roles))}
	for _, role := range roles {
		out.Roles = append(out.Roles, role.Name)
	}
	writeJSON(w, http.StatusOK, out)
}

func parsePage(r *http.Request) (identity.Page, bool) {
	var p identity.Page
	q := r.URL.Query()
	for key, dst := range map[string]*int{"offset": &p.Offset, "limit": &p.Limit} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return identity.Page{}, false
		}
		*dst = n
	}
	return p, true
}

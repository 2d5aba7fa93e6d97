package api

import (
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zephy0808/mailcampaign/internal/models"
)

// ClientRequest is the request body for creating or updating a client
type ClientRequest struct {
	Name    string `json:"nome"`
	Surname string `json:"sobrenome"`
	Email   string `json:"email"`
	Phone   string `json:"telefone"`
	Active  *bool  `json:"ativo"`
}

// GroupRequest is the request body for creating or updating a group
type GroupRequest struct {
	Name        string `json:"nome"`
	Description string `json:"descricao"`
}

// MembersRequest lists clients to add to or remove from a group
type MembersRequest struct {
	ClientIDs []string `json:"cliente_ids"`
}

// MembersResponse is the response for group membership changes
type MembersResponse struct {
	Status  string `json:"status"`
	Changed int    `json:"alterados"`
}

func (req *ClientRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "nome is required"
	}
	if req.Email == "" {
		return "email is required"
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return "invalid email"
	}
	return ""
}

// handleListClients handles GET /api/clientes
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(r)
	filter := models.ClientListFilter{
		Search:  q.Get("search"),
		GroupID: q.Get("grupo"),
		Limit:   limit,
		Offset:  offset,
	}
	if v := q.Get("ativo"); v != "" {
		if active, err := strconv.ParseBool(v); err == nil {
			filter.Active = &active
		}
	}

	clients, total, err := s.Clients.List(filter)
	if err != nil {
		s.logger.Error("failed to list clients", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list clients")
		return
	}

	s.sendJSON(w, http.StatusOK, ListResponse{Items: clients, Total: total, Limit: limit, Offset: offset})
}

// handleCreateClient handles POST /api/clientes
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req ClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := s.Clients.GetByEmail(req.Email)
	if err != nil {
		s.logger.Error("failed to look up client", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create client")
		return
	}
	if existing != nil {
		s.sendError(w, http.StatusConflict, "A client with this email already exists")
		return
	}

	client := &models.Client{
		Name:    req.Name,
		Surname: req.Surname,
		Email:   req.Email,
		Phone:   req.Phone,
		Active:  req.Active == nil || *req.Active,
	}
	if err := s.Clients.Create(client); err != nil {
		s.logger.Error("failed to create client", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create client")
		return
	}

	s.sendJSON(w, http.StatusCreated, client)
}

// handleGetClient handles GET /api/clientes/{id}
func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	client, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, client)
}

// handleUpdateClient handles PUT /api/clientes/{id}
func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	client, ok := s.loadClient(w, r)
	if !ok {
		return
	}

	var req ClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		s.sendError(w, http.StatusBadRequest, msg)
		return
	}

	if !strings.EqualFold(strings.TrimSpace(req.Email), client.Email) {
		other, err := s.Clients.GetByEmail(req.Email)
		if err != nil {
			s.logger.Error("failed to look up client", "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to update client")
			return
		}
		if other != nil {
			s.sendError(w, http.StatusConflict, "A client with this email already exists")
			return
		}
	}

	client.Name = req.Name
	client.Surname = req.Surname
	client.Email = req.Email
	client.Phone = req.Phone
	if req.Active != nil {
		client.Active = *req.Active
	}

	if err := s.Clients.Update(client); err != nil {
		s.logger.Error("failed to update client", "client_id", client.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update client")
		return
	}

	s.sendJSON(w, http.StatusOK, client)
}

// handleDeleteClient handles DELETE /api/clientes/{id}
func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	client, ok := s.loadClient(w, r)
	if !ok {
		return
	}
	if err := s.Clients.Delete(client.ID); err != nil {
		s.logger.Error("failed to delete client", "client_id", client.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadClient(w http.ResponseWriter, r *http.Request) (*models.Client, bool) {
	id := chi.URLParam(r, "id")
	client, err := s.Clients.GetByID(id)
	if err != nil {
		s.logger.Error("failed to get client", "client_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get client")
		return nil, false
	}
	if client == nil {
		s.sendError(w, http.StatusNotFound, "Client not found")
		return nil, false
	}
	return client, true
}

// handleListGroups handles GET /api/grupos
func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.Groups.List()
	if err != nil {
		s.logger.Error("failed to list groups", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list groups")
		return
	}
	s.sendJSON(w, http.StatusOK, ListResponse{Items: groups, Total: len(groups)})
}

// handleCreateGroup handles POST /api/grupos
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "nome is required")
		return
	}

	group := &models.ClientGroup{Name: req.Name, Description: req.Description}
	if err := s.Groups.Create(group); err != nil {
		s.logger.Error("failed to create group", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create group")
		return
	}

	s.sendJSON(w, http.StatusCreated, group)
}

// handleGetGroup handles GET /api/grupos/{id}
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}
	s.sendJSON(w, http.StatusOK, group)
}

// handleUpdateGroup handles PUT /api/grupos/{id}
func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	var req GroupRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.sendError(w, http.StatusBadRequest, "nome is required")
		return
	}

	group.Name = req.Name
	group.Description = req.Description
	if err := s.Groups.Update(group); err != nil {
		s.logger.Error("failed to update group", "group_id", group.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update group")
		return
	}

	s.sendJSON(w, http.StatusOK, group)
}

// handleDeleteGroup handles DELETE /api/grupos/{id}
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}
	if err := s.Groups.Delete(group.ID); err != nil {
		s.logger.Error("failed to delete group", "group_id", group.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAddGroupMembers handles POST /api/grupos/{id}/adicionar_clientes
func (s *Server) handleAddGroupMembers(w http.ResponseWriter, r *http.Request) {
	s.changeMembers(w, r, s.Groups.AddMembers, "Clientes adicionados ao grupo")
}

// handleRemoveGroupMembers handles POST /api/grupos/{id}/remover_clientes
func (s *Server) handleRemoveGroupMembers(w http.ResponseWriter, r *http.Request) {
	s.changeMembers(w, r, s.Groups.RemoveMembers, "Clientes removidos do grupo")
}

func (s *Server) changeMembers(w http.ResponseWriter, r *http.Request, change func(string, []string) (int, error), status string) {
	group, ok := s.loadGroup(w, r)
	if !ok {
		return
	}

	var req MembersRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	n, err := change(group.ID, req.ClientIDs)
	if err != nil {
		s.logger.Error("failed to change group members", "group_id", group.ID, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to change group members")
		return
	}

	s.sendJSON(w, http.StatusOK, MembersResponse{Status: status, Changed: n})
}

func (s *Server) loadGroup(w http.ResponseWriter, r *http.Request) (*models.ClientGroup, bool) {
	id := chi.URLParam(r, "id")
	group, err := s.Groups.GetByID(id)
	if err != nil {
		s.logger.Error("failed to get group", "group_id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get group")
		return nil, false
	}
	if group == nil {
		s.sendError(w, http.StatusNotFound, "Group not found")
		return nil, false
	}
	return group, true
}

// Package handler содержит HTTP-обработчики API сервиса стерносол.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/sternosol-system/internal/middleware"
	"github.com/mmeshcher/sternosol-system/internal/model"
	"github.com/mmeshcher/sternosol-system/internal/payment"
	"github.com/mmeshcher/sternosol-system/internal/repository"
	"github.com/mmeshcher/sternosol-system/internal/service"
	"github.com/mmeshcher/sternosol-system/internal/storage"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, in service.RegisterInput) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (*model.User, error)

	CreateGroup(ctx context.Context, in service.CreateGroupInput) (int64, error)
	ListGroups(ctx context.Context) ([]model.Group, error)
	GetGroup(ctx context.Context, id int64) (*model.Group, error)
	JoinGroup(ctx context.Context, userID, groupeID int64) (int64, error)
	GroupForUser(ctx context.Context, userID int64) (*model.Group, error)
	GroupMembers(ctx context.Context, groupeID int64) ([]repository.Member, error)

	RecordOfflineContribution(ctx context.Context, userID, groupeID int64, period int, filename string) (int64, error)
	RecordOnlineContribution(ctx context.Context, chargeID string, amountCentimes int64, metadata map[string]string) (bool, error)
	ListContributions(ctx context.Context, userID, groupeID int64) ([]model.Payment, error)
	ListAllContributions(ctx context.Context) ([]model.LedgerEntry, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status model.PaymentStatus) error
	RecordPayout(ctx context.Context, userID, groupeID int64, amount float64) (int64, error)
	EligibleForPayout(ctx context.Context, userID, groupeID int64) (bool, error)
	NextPeriod(ctx context.Context, userID, groupeID int64) (int, error)
	Stats(ctx context.Context) (*model.Stats, error)
}

// PaymentAuthority определяет контракт внешней платёжной системы.
type PaymentAuthority interface {
	CreateIntent(amountCentimes int64, currency string, meta payment.IntentMetadata) (string, error)
	ParseEvent(payload []byte, sigHeader string) (*payment.SucceededIntent, error)
}

// Handler реализует HTTP-обработчики API сервиса стерносол.
type Handler struct {
	service        Service
	authority      PaymentAuthority
	files          *storage.FileStore
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, authority PaymentAuthority, files *storage.FileStore, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		authority:      authority,
		files:          files,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func urlID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

type registerRequest struct {
	Nom       string `json:"nom"`
	Prenom    string `json:"prenom"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	Telephone string `json:"telephone"`
	Banque    string `json:"banque"`
	Role      string `json:"role"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), service.RegisterInput{
		Nom:       req.Nom,
		Prenom:    req.Prenom,
		Email:     req.Email,
		Password:  req.Password,
		Telephone: req.Telephone,
		Banque:    req.Banque,
		Role:      model.Role(req.Role),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "Champs manquants.")
		case errors.Is(err, repository.ErrEmailTaken):
			writeError(w, http.StatusConflict, "Cet email est déjà utilisé.")
		default:
			h.logger.Error("register user error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "OK", "userId": userID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID     int64  `json:"id"`
	Nom    string `json:"nom"`
	Prenom string `json:"prenom"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// Login выполняет аутентификацию пользователя, установку cookie
// и возвращает публичные поля пользователя.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Champs manquants.")
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "Utilisateur non trouvé")
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "Mot de passe incorrect")
		default:
			h.logger.Error("login user error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "OK",
		"user": userResponse{
			ID:     u.ID,
			Nom:    u.Nom,
			Prenom: u.Prenom,
			Email:  u.Email,
			Role:   string(u.Role),
		},
	})
}

type createGroupRequest struct {
	NomSol             string  `json:"nomSol"`
	MontantParPeriode  float64 `json:"montantParPeriode"`
	Frequence          int     `json:"frequence"`
	Statut             string  `json:"statut"`
	CreatedBy          string  `json:"createdBy"`
	NombreParticipants int     `json:"nombreParticipants"`
}

// CreateGroup создаёт новую группу.
func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	id, err := h.service.CreateGroup(r.Context(), service.CreateGroupInput{
		NomSol:             req.NomSol,
		MontantParPeriode:  req.MontantParPeriode,
		Frequence:          req.Frequence,
		Statut:             req.Statut,
		CreatedBy:          req.CreatedBy,
		NombreParticipants: req.NombreParticipants,
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "Tous les champs sont obligatoires.")
			return
		}
		h.logger.Error("create group error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"message": "Groupe créé", "groupId": id})
}

type groupResponse struct {
	ID                 int64   `json:"id"`
	NomSol             string  `json:"nomSol"`
	MontantParPeriode  float64 `json:"montantParPeriode"`
	Frequence          int     `json:"frequence"`
	Statut             string  `json:"statut"`
	CreatedBy          string  `json:"createdBy"`
	NombreParticipants int     `json:"nombreParticipants"`
	DateCreation       string  `json:"dateCreation"`
}

func toGroupResponse(g *model.Group) groupResponse {
	return groupResponse{
		ID:                 g.ID,
		NomSol:             g.NomSol,
		MontantParPeriode:  g.MontantParPeriode,
		Frequence:          g.Frequence,
		Statut:             g.Statut,
		CreatedBy:          g.CreatedBy,
		NombreParticipants: g.NombreParticipants,
		DateCreation:       g.DateCreation.Format("2006-01-02"),
	}
}

// ListGroups возвращает все группы, новые первыми.
func (h *Handler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.service.ListGroups(r.Context())
	if err != nil {
		h.logger.Error("list groups error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	resp := make([]groupResponse, 0, len(groups))
	for i := range groups {
		resp = append(resp, toGroupResponse(&groups[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetGroup возвращает одну группу.
func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	g, err := h.service.GetGroup(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrGroupNotFound) {
			writeError(w, http.StatusNotFound, "Groupe introuvable")
			return
		}
		h.logger.Error("get group error", zap.Error(err), zap.Int64("groupID", id))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	writeJSON(w, http.StatusOK, toGroupResponse(g))
}

type joinRequest struct {
	UserID   int64 `json:"userId"`
	GroupeID int64 `json:"groupeId"`
}

// Join записывает пользователя в группу.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Requête invalide")
		return
	}

	if req.UserID == 0 || req.GroupeID == 0 {
		writeError(w, http.StatusBadRequest, "Champs manquants.")
		return
	}

	id, err := h.service.JoinGroup(r.Context(), req.UserID, req.GroupeID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrAlreadyJoined):
			writeError(w, http.StatusBadRequest, "Déjà inscrit.")
		case errors.Is(err, repository.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "Utilisateur non trouvé")
		case errors.Is(err, repository.ErrGroupNotFound):
			writeError(w, http.StatusNotFound, "Groupe introuvable")
		default:
			h.logger.Error("join group error", zap.Error(err), zap.Int64("userID", req.UserID), zap.Int64("groupID", req.GroupeID))
			writeError(w, http.StatusInternalServerError, "Erreur serveur")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"message": "Participation enregistrée", "participationId": id})
}

// GroupForUser возвращает группу пользователя либо пустой объект.
func (h *Handler) GroupForUser(w http.ResponseWriter, r *http.Request) {
	userID, err := urlID(r, "userId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	g, err := h.service.GroupForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("group for user error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	if g == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	writeJSON(w, http.StatusOK, toGroupResponse(g))
}

type memberResponse struct {
	ID     int64  `json:"id"`
	Nom    string `json:"nom"`
	Prenom string `json:"prenom"`
	Email  string `json:"email"`
}

// Members возвращает участников группы.
func (h *Handler) Members(w http.ResponseWriter, r *http.Request) {
	groupeID, err := urlID(r, "groupeId")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Identifiant invalide")
		return
	}

	members, err := h.service.GroupMembers(r.Context(), groupeID)
	if err != nil {
		h.logger.Error("group members error", zap.Error(err), zap.Int64("groupID", groupeID))
		writeError(w, http.StatusInternalServerError, "Erreur serveur")
		return
	}

	resp := make([]memberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, memberResponse{ID: m.ID, Nom: m.Nom, Prenom: m.Prenom, Email: m.Email})
	}

	writeJSON(w, http.StatusOK, resp)
}

type paymentResponse struct {
	ID             int64   `json:"id"`
	UserID         int64   `json:"userId"`
	GroupeID       int64   `json:"groupeId"`
	PeriodNumber   int     `json:"periodNumber"`
	Amount         float64 `json:"amount"`
	Method         string  `json:"method"`
	FilePath       string  `json:"filePath"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"createdAt"`
	StripeChargeID string  `json:"stripeChargeId,omitempty"`
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		ID:             p.ID,
		UserID:         p.UserID,
		GroupeID:       p.GroupeID,
		PeriodNumber:   p.PeriodNumber,
		Amount:         p.Amount,
		Method:         string(p.Method),
		FilePath:       p.FilePath,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		StripeChargeID: p.StripeChargeID,
	}
}

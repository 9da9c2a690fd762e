// Package service реализует бизнес-логику сервиса стерносол.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/bcrypt"

	"github.com/mmeshcher/sternosol-system/internal/model"
	"github.com/mmeshcher/sternosol-system/internal/repository"
)

// ErrInvalidCredentials возвращается при неверном пароле.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput возвращается при отсутствующих или некорректных полях запроса.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса платежа.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, u *model.User) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)

	CreateGroup(ctx context.Context, nomSol string, montantCentimes int64, frequence int, statut, createdBy string, nombreParticipants int) (int64, error)
	ListGroups(ctx context.Context) ([]model.Group, error)
	GetGroup(ctx context.Context, id int64) (*model.Group, error)

	CreateParticipation(ctx context.Context, userID, groupeID int64) (int64, error)
	GetGroupForUser(ctx context.Context, userID int64) (*model.Group, error)
	GetGroupMembers(ctx context.Context, groupeID int64) ([]repository.Member, error)

	CreatePayment(ctx context.Context, userID, groupeID int64, period int, amountCentimes int64, method model.PaymentMethod, filePath string, status model.PaymentStatus) (int64, error)
	CreateStripePayment(ctx context.Context, userID, groupeID int64, period int, amountCentimes int64, chargeID string) (bool, error)
	CreatePayout(ctx context.Context, userID, groupeID int64, amountCentimes int64) (int64, error)
	GetPaymentsByUserAndGroup(ctx context.Context, userID, groupeID int64) ([]model.Payment, error)
	GetAllPayments(ctx context.Context) ([]model.LedgerEntry, error)
	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id int64, from, to model.PaymentStatus) error
	HasActiveContribution(ctx context.Context, userID, groupeID int64) (bool, error)
	HasActivePayout(ctx context.Context, userID, groupeID int64) (bool, error)
}

// Service содержит бизнес-логику сервиса стерносол.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterInput — данные регистрации нового пользователя.
type RegisterInput struct {
	Nom       string
	Prenom    string
	Email     string
	Password  string
	Telephone string
	Banque    string
	Role      model.Role
}

// RegisterUser регистрирует нового пользователя с хэшированным паролем.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (int64, error) {
	if in.Nom == "" || in.Prenom == "" || in.Email == "" || in.Password == "" {
		return 0, fmt.Errorf("%w: nom, prenom, email and password are required", ErrInvalidInput)
	}

	role := in.Role
	if role == "" {
		role = model.RoleMember
	}
	if role != model.RoleMember && role != model.RoleAdmin {
		return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	return s.repo.CreateUser(ctx, &model.User{
		Nom:          in.Nom,
		Prenom:       in.Prenom,
		Email:        in.Email,
		PasswordHash: hashed,
		Telephone:    in.Telephone,
		Banque:       in.Banque,
		Role:         role,
	})
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// CreateGroupInput — данные для создания группы.
type CreateGroupInput struct {
	NomSol             string
	MontantParPeriode  float64
	Frequence          int
	Statut             string
	CreatedBy          string
	NombreParticipants int
}

// CreateGroup создаёт группу. Дата создания проставляется на стороне сервера.
func (s *Service) CreateGroup(ctx context.Context, in CreateGroupInput) (int64, error) {
	if in.NomSol == "" || in.Statut == "" || in.CreatedBy == "" ||
		in.MontantParPeriode == 0 || in.Frequence == 0 || in.NombreParticipants == 0 {
		return 0, fmt.Errorf("%w: all group fields are required", ErrInvalidInput)
	}

	montantCentimes := int64(math.Round(in.MontantParPeriode * 100))
	return s.repo.CreateGroup(ctx, in.NomSol, montantCentimes, in.Frequence, in.Statut, in.CreatedBy, in.NombreParticipants)
}

// ListGroups возвращает все группы, новые первыми.
func (s *Service) ListGroups(ctx context.Context) ([]model.Group, error) {
	return s.repo.ListGroups(ctx)
}

// GetGroup возвращает группу по идентификатору.
func (s *Service) GetGroup(ctx context.Context, id int64) (*model.Group, error) {
	return s.repo.GetGroup(ctx, id)
}

// JoinGroup записывает пользователя в группу. Повторное вступление отклоняется.
func (s *Service) JoinGroup(ctx context.Context, userID, groupeID int64) (int64, error) {
	return s.repo.CreateParticipation(ctx, userID, groupeID)
}

// GroupForUser возвращает группу пользователя либо nil, если он никуда не вступил.
func (s *Service) GroupForUser(ctx context.Context, userID int64) (*model.Group, error) {
	return s.repo.GetGroupForUser(ctx, userID)
}

// GroupMembers возвращает участников группы.
func (s *Service) GroupMembers(ctx context.Context, groupeID int64) ([]repository.Member, error) {
	return s.repo.GetGroupMembers(ctx, groupeID)
}

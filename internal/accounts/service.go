package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/logging"
)

// DateLayout is the wire format for dates of birth.
const DateLayout = "2006-01-02"

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

var (
	ErrNotFound           = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInactive           = errors.New("user account is disabled")
	ErrDuplicate          = errors.New("account already exists")
)

// ValidationError lists the problems found per input field.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msgs := range e.Fields {
		parts = append(parts, field+": "+strings.Join(msgs, ", "))
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Store persists users.
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	IdentificationExists(ctx context.Context, number string) (bool, error)
}

// TokenIssuer signs access tokens for a user id.
type TokenIssuer interface {
	Issue(userID, role string) (string, error)
}

// RegisterRequest is the self-service sign-up payload.
type RegisterRequest struct {
	Email                string `json:"email" binding:"required,email"`
	IdentificationNumber string `json:"identification_number" binding:"required"`
	FirstName            string `json:"first_name" binding:"required"`
	LastName             string `json:"last_name" binding:"required"`
	Gender               string `json:"gender" binding:"required,oneof=Masculino Femenino Otro"`
	Phone                string `json:"phone"`
	DateOfBirth          string `json:"date_of_birth" binding:"required,datetime=2006-01-02"`
	Password             string `json:"password" binding:"required"`
	PasswordConfirmation string `json:"password_confirmation" binding:"required,eqfield=Password"`
}

// Session is returned after a successful login or registration.
type Session struct {
	AccessToken string
	User        *User
}

// Service implements registration, login and profile lookup.
type Service struct {
	store  Store
	tokens TokenIssuer
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(store Store, tokens TokenIssuer, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		logger: logger.Named("accounts"),
	}
}

// Register validates req, creates a patient account and logs it in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	user, err := s.create(ctx, req, RolePatient)
	if err != nil {
		return nil, err
	}
	return s.session(user)
}

// CreateDoctor creates an account with the doctor role.
func (s *Service) CreateDoctor(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.create(ctx, req, RoleDoctor)
}

// Login checks credentials and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	user, err := s.store.FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, logging.NewOperationError("accounts.login", "", err)
	}
	if !user.VerifyPassword(password) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrInactive
	}
	return s.session(user)
}

// Profile returns the active user with the given id.
func (s *Service) Profile(ctx context.Context, id string) (*User, error) {
	user, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactive
	}
	return user, nil
}

func (s *Service) create(ctx context.Context, req RegisterRequest, role string) (*User, error) {
	req.Email = normalizeEmail(req.Email)
	req.IdentificationNumber = strings.TrimSpace(req.IdentificationNumber)
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Phone = strings.TrimSpace(req.Phone)

	birth, verr := validate(req)
	if err := s.checkUnique(ctx, req, verr); err != nil {
		return nil, err
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}

	user := &User{
		ID:                   uuid.NewString(),
		Email:                req.Email,
		IdentificationNumber: req.IdentificationNumber,
		FirstName:            req.FirstName,
		LastName:             req.LastName,
		Gender:               req.Gender,
		Phone:                req.Phone,
		DateOfBirth:          birth,
		Role:                 role,
		IsActive:             true,
	}
	if err := user.SetPassword(req.Password); err != nil {
		return nil, err
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		wrapped := logging.NewOperationError("accounts.create_user", user.ID, err)
		s.logger.Error("failed to create user", zap.Error(wrapped))
		return nil, wrapped
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", role))
	return user, nil
}

func (s *Service) checkUnique(ctx context.Context, req RegisterRequest, verr *ValidationError) error {
	if req.Email != "" {
		exists, err := s.store.EmailExists(ctx, req.Email)
		if err != nil {
			return logging.NewOperationError("accounts.email_exists", "", err)
		}
		if exists {
			verr.add("email", "Este correo ya está registrado.")
		}
	}
	if req.IdentificationNumber != "" {
		exists, err := s.store.IdentificationExists(ctx, req.IdentificationNumber)
		if err != nil {
			return logging.NewOperationError("accounts.identification_exists", "", err)
		}
		if exists {
			verr.add("identification_number", "Este número de identificación ya está registrado.")
		}
	}
	return nil
}

func (s *Service) session(user *User) (*Session, error) {
	token, err := s.tokens.Issue(user.ID, user.Role)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{AccessToken: token, User: user}, nil
}

// validate applies the binding tags plus the password rules the tags cannot
// express. Uniqueness is checked separately against the store.
func validate(req RegisterRequest) (time.Time, *ValidationError) {
	verr := FieldErrors(requestValidator.Struct(req))
	if verr == nil {
		verr = &ValidationError{}
	}
	if req.Password != "" {
		for _, msg := range passwordProblems(req.Password) {
			verr.add("password", msg)
		}
	}

	birth, _ := time.Parse(DateLayout, req.DateOfBirth)
	return birth, verr
}

func normalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return email[:at] + strings.ToLower(email[at:])
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"termtalk/internal/config"
	"termtalk/internal/database"
	"termtalk/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("either username or password was bad")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing token")
	ErrUserExists         = errors.New("user already exists")
)

// ValidationError is returned for malformed registration input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Claims is what a verified token tells the connection boundary.
type Claims struct {
	Username string
	IssuedAt time.Time
}

type Service struct {
	db  database.UserRepository
	cfg *config.Config
	now func() time.Time
}

func NewService(db database.UserRepository, cfg *config.Config) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
		now: time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *models.RegisterRequest) (*models.User, error) {
	// Validate input
	if err := s.validateRegistrationRequest(req); err != nil {
		return nil, err
	}

	user, err := s.db.CreateUser(ctx, req)
	if errors.Is(err, database.ErrConflict) {
		return nil, ErrUserExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	user.PasswordHash = ""
	return user, nil
}

func (s *Service) Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResponse, error) {
	user, err := s.db.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.GenerateToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	// Remove sensitive data
	user.PasswordHash = ""

	return &models.LoginResponse{
		Token: token,
		User:  *user,
	}, nil
}

// Verify checks the token signature and expiry and returns its subject.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.JWT.Secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	username, _ := (*claims)["username"].(string)
	if username == "" {
		return nil, fmt.Errorf("%w: missing username", ErrInvalidToken)
	}

	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return nil, fmt.Errorf("%w: missing issued at", ErrInvalidToken)
	}

	return &Claims{Username: username, IssuedAt: issuedAt.Time}, nil
}

// VerifyRequest reads the token from "Authorization: Bearer <token>", falling
// back to the token query parameter for browser clients that cannot set
// headers on a WebSocket handshake.
func (s *Service) VerifyRequest(r *http.Request) (*Claims, error) {
	tokenStr := ""
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return nil, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		tokenStr = parts[1]
	} else {
		tokenStr = r.URL.Query().Get("token")
	}
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(tokenStr)
}

func (s *Service) GenerateToken(user *models.User) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"email":    user.Email,
		"exp":      now.Add(s.cfg.JWT.ExpiresIn).Unix(),
		"iat":      now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWT.Secret)
}

func (s *Service) validateRegistrationRequest(req *models.RegisterRequest) error {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)

	if req.Username == "" || req.Email == "" || req.Password == "" {
		return &ValidationError{"missing required fields"}
	}

	if !isValidEmail(req.Email) {
		return &ValidationError{"invalid email format"}
	}

	if len(req.Password) < 6 {
		return &ValidationError{"password must be at least 6 characters long"}
	}

	if len(req.Username) < 4 || len(req.Username) > 30 {
		return &ValidationError{"username must be 4-30 characters long"}
	}

	// Direct channel names join two usernames with '_', so usernames may not contain it.
	if !usernameRegex.MatchString(req.Username) {
		return &ValidationError{"username may only contain letters, digits, '-' and '.'"}
	}

	return nil
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
)

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

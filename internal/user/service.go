package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrInactiveAccount   = errors.New("account is not active")
)

// Store is the persistence the service needs; *Repository satisfies it.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
}

type Service struct {
	repo      Store
	jwtSecret []byte
	tokenTTL  time.Duration
}

type MyJWTClaims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

const issuer = "marketchat"

func NewService(repo Store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(secret),
		tokenTTL:  24 * time.Hour,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.Username == "" || req.Password == "" {
		return nil, errors.New("username and password are required")
	}
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u, err := s.repo.CreateUser(ctx, &User{
		Username: req.Username,
		Password: string(hashedPwd),
	})
	if err != nil {
		return nil, err
	}

	return &RegisterResponse{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *RegisterRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if !u.Active {
		return nil, ErrInactiveAccount
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredential
	}

	ss, err := s.IssueToken(u)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
	}, nil
}

func (s *Service) IssueToken(u *User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))

	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if !token.Valid {
		return 0, "", ErrInvalidCredential
	}

	return claims.ID, claims.Username, nil
}

// Authenticate resolves a raw socket credential to an active user id.
func (s *Service) Authenticate(ctx context.Context, credential string) (int64, error) {
	if credential == "" {
		return 0, ErrInvalidCredential
	}
	id, _, err := s.ValidateToken(credential)
	if err != nil {
		return 0, err
	}

	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return 0, ErrInvalidCredential
		}
		return 0, err
	}
	if !u.Active {
		return 0, ErrInactiveAccount
	}
	return u.ID, nil
}

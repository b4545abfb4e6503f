// Package auth issues and validates owner tokens and manages owner
// credentials.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"

	"github.com/fetchrelay/backend/internal/db"
)

const (
	TokenExpiry = 24 * time.Hour

	// PBKDF2 parameters for credential hashing
	PBKDF2Iterations = 100_000
	saltLength       = 16
	keyLength        = 32
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

type Claims struct {
	OwnerID string `json:"owner_id"`
	jwt.RegisteredClaims
}

type TokenResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	OwnerID     string `json:"ownerId"`
}

type Service struct {
	creds     *db.CredentialRepository
	jwtSecret []byte
}

func NewService(creds *db.CredentialRepository, jwtSecret string) *Service {
	return &Service{
		creds:     creds,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register derives and stores the owner's credential, then issues a token.
func (s *Service) Register(ctx context.Context, ownerID, password string) (*TokenResponse, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	hash := deriveKey(password, salt, PBKDF2Iterations)

	cred := &db.Credential{
		OwnerID:      ownerID,
		PasswordHash: hash,
		Salt:         salt,
		Iterations:   PBKDF2Iterations,
	}
	if err := s.creds.Upsert(ctx, cred); err != nil {
		return nil, err
	}

	return s.issueToken(ownerID)
}

// Login verifies the password against the stored derived key in constant
// time and issues a token.
func (s *Service) Login(ctx context.Context, ownerID, password string) (*TokenResponse, error) {
	cred, err := s.creds.Get(ctx, ownerID)
	if err != nil {
		if errors.Is(err, db.ErrCredentialNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	derived := deriveKey(password, cred.Salt, cred.Iterations)
	if subtle.ConstantTimeCompare(derived, cred.PasswordHash) != 1 {
		return nil, ErrInvalidCredentials
	}

	return s.issueToken(ownerID)
}

// ValidateToken parses and verifies an access token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.OwnerID == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (s *Service) issueToken(ownerID string) (*TokenResponse, error) {
	claims := &Claims{
		OwnerID: ownerID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "fetchrelay",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken: signed,
		ExpiresIn:   int(TokenExpiry.Seconds()),
		OwnerID:     ownerID,
	}, nil
}

func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keyLength, sha256.New)
}

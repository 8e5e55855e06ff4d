package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/ecatmaster/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Permission string

const (
	// PermOperator may switch outputs.
	PermOperator Permission = "operator"
	// PermTechnician may also calibrate.
	PermTechnician Permission = "technician"
	PermAdmin      Permission = "admin"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthService checks operator logins and machine tokens against the
// configuration. There is no user store; accounts live in the config file.
type AuthService struct {
	enabled        bool
	jwtHandler     *JWTHandler
	passwordHasher *PasswordHasher
	users          map[string]config.UserConfig
	machineHashes  []string
	logger         *zap.Logger
}

func NewAuthService(cfg config.AuthConfig, logger *zap.Logger) *AuthService {
	a := &AuthService{
		enabled:        cfg.Enabled,
		jwtHandler:     NewJWTHandler(cfg.GetJWTSecret(), cfg.AccessTokenTTL),
		passwordHasher: NewPasswordHasher(),
		users:          make(map[string]config.UserConfig, len(cfg.Users)),
		logger:         logger,
	}
	for _, u := range cfg.Users {
		a.users[u.Username] = u
	}
	for _, h := range cfg.MachineTokenHashes {
		a.machineHashes = append(a.machineHashes, strings.ToLower(strings.TrimSpace(h)))
	}

	switch {
	case !a.enabled:
		logger.Warn("Authentication disabled, output and calibration endpoints are open")
	case !cfg.IsProductionReady():
		logger.Warn("Using development JWT secret", zap.String("env", cfg.JWTSecretEnv))
	}
	return a
}

func (a *AuthService) Enabled() bool { return a.enabled }

// LoginUser verifies a configured user's password and returns an access
// token with its expiry.
func (a *AuthService) LoginUser(username, password string) (string, time.Time, error) {
	user, ok := a.users[username]
	if !ok {
		a.logger.Info("Login failed", zap.String("username", username), zap.String("reason", "user not found"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	valid, err := a.passwordHasher.VerifyPassword(password, user.PasswordHash)
	if err != nil || !valid {
		a.logger.Info("Login failed", zap.String("username", username), zap.String("reason", "invalid password"))
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, expires, err := a.jwtHandler.GenerateAccessToken(UserID(username), username, user.Role)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate access token: %w", err)
	}

	a.logger.Info("Login succeeded", zap.String("username", username), zap.String("role", user.Role))
	return token, expires, nil
}

// ValidateMachineToken checks a machine token against the configured
// digests. Machine tokens carry operator permission only.
func (a *AuthService) ValidateMachineToken(token string) ([]Permission, error) {
	mt, err := ParseMachineToken(token)
	if err != nil {
		return nil, err
	}

	digest := mt.Digest()
	for _, h := range a.machineHashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(digest)) == 1 {
			return []Permission{PermOperator}, nil
		}
	}
	return nil, fmt.Errorf("invalid token")
}

// ValidateToken validates any token (JWT or Machine Token)
func (a *AuthService) ValidateToken(token string) ([]Permission, *JWTClaims, error) {
	if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
		return roleToPermissions(claims.Role), claims, nil
	}

	perms, err := a.ValidateMachineToken(token)
	return perms, nil, err
}

func roleToPermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	default:
		return []Permission{PermOperator}
	}
}

// UserID derives a stable subject for a configured username.
func UserID(username string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("ecatmaster:user:"+username))
}

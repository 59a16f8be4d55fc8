package middleware

import (
	"context"
	"strconv"
	"strings"

	"carelink/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer and TokenAudience are the claims expected on patient tokens.
const (
	TokenIssuer   = "carelink-auth"
	TokenAudience = "carelink-patient"
)

// PatientAuth verifies the bearer token issued by the identity provider and
// stores the patient id in c.Locals("patientID"). Tokens are accepted from the
// Authorization header or, for websocket upgrades, the token query parameter.
func PatientAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := bearerToken(c.Get("Authorization"))
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthorizedError("Authorization required"))
		}

		patientID, err := ParsePatientToken(tokenString, secret)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized, err)
		}

		c.Locals("patientID", patientID)
		ctx := context.WithValue(c.UserContext(), PatientIDKey, patientID)
		c.SetUserContext(ctx)

		return c.Next()
	}
}

// ParsePatientToken validates an HMAC token and returns the patient id in its
// subject claim.
func ParsePatientToken(tokenString, secret string) (uint, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fiber.NewError(fiber.StatusUnauthorized, "Invalid signing method")
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(TokenIssuer), jwt.WithAudience(TokenAudience))
	if err != nil || !token.Valid {
		return 0, models.NewUnauthorizedError("Invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, models.NewUnauthorizedError("Invalid token claims")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return 0, models.NewUnauthorizedError("Invalid subject claim")
	}

	patientID, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || patientID == 0 {
		return 0, models.NewUnauthorizedError("Invalid patient ID in token")
	}

	return uint(patientID), nil
}

func bearerToken(header string) string {
	parts := strings.Split(header, " ")
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

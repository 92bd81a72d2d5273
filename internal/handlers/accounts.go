package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/skin-check/internal/accounts"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func registerAccountRoutes(api *gin.RouterGroup, users AccountService, authMiddleware gin.HandlerFunc) {
	group := api.Group("/auth")

	group.POST("/register/", func(c *gin.Context) {
		var req accounts.RegisterRequest
		// tag failures are reported by Register together with the password
		// and uniqueness rules
		if err := c.ShouldBindJSON(&req); err != nil && accounts.FieldErrors(err) == nil {
			respondBadRequest(c, "invalid request body")
			return
		}
		session, err := users.Register(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sessionResponse(session))
	})

	group.POST("/login/", func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if verr := accounts.FieldErrors(err); verr != nil {
				respondError(c, verr)
				return
			}
			respondBadRequest(c, "invalid request body")
			return
		}
		session, err := users.Login(c.Request.Context(), req.Email, req.Password)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionResponse(session))
	})

	group.GET("/profile/", authMiddleware, CurrentUser(users), func(c *gin.Context) {
		c.JSON(http.StatusOK, userResponse(currentUser(c)))
	})
}

func sessionResponse(s *accounts.Session) gin.H {
	return gin.H{
		"access_token": s.AccessToken,
		"user":         userResponse(s.User),
	}
}

func userResponse(u *accounts.User) gin.H {
	var birth string
	if !u.DateOfBirth.IsZero() {
		birth = u.DateOfBirth.Format(accounts.DateLayout)
	}
	return gin.H{
		"id":                    u.ID,
		"email":                 u.Email,
		"identification_number": u.IdentificationNumber,
		"first_name":            u.FirstName,
		"last_name":             u.LastName,
		"gender":                u.Gender,
		"phone":                 u.Phone,
		"date_of_birth":         birth,
		"role":                  u.Role,
		"is_active":             u.IsActive,
	}
}

package handlers

import (
	"net/http"

	"github.com/borisigal/towerofbabel-sub003/internal/security"
	"github.com/borisigal/towerofbabel-sub003/internal/settings"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AdminSettingsHandler reloads the runtime settings snapshot on demand.
type AdminSettingsHandler struct {
	db           *gorm.DB
	passwordHash string
}

// NewAdminSettingsHandler constructs an AdminSettingsHandler with the
// operator's bcrypt password hash.
func NewAdminSettingsHandler(db *gorm.DB, passwordHash string) *AdminSettingsHandler {
	return &AdminSettingsHandler{db: db, passwordHash: passwordHash}
}

type adminSettingsRequest struct {
	Password string `json:"password" binding:"required"`
}

// Refresh handles POST /v0/admin/settings/refresh.
func (h *AdminSettingsHandler) Refresh(c *gin.Context) {
	if h.passwordHash == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "operator access not configured"})
		return
	}

	var req adminSettingsRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !security.CheckPassword(h.passwordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	if errRefresh := settings.Refresh(c.Request.Context(), h.db); errRefresh != nil {
		respondError(c, errRefresh)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated_at": settings.UpdatedAt().UTC()})
}

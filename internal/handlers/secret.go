package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"lastwill/internal/auth"
	"lastwill/internal/database"
	"lastwill/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreateSecretRequest represents the data needed to register a new secret
type CreateSecretRequest struct {
	OwnerName   string             `json:"owner_name" binding:"required"`
	OwnerEmail  string             `json:"owner_email" binding:"required,email"`
	Recipients  []models.Recipient `json:"recipients" binding:"required,min=1,dive"`
	Payload     string             `json:"payload" binding:"required"`
	CheckInDays int                `json:"check_in_days" binding:"required,min=1,max=365"`
}

// CreateSecret registers a new check-in subject. The payload is encrypted
// before it is stored; the response never echoes it back.
func CreateSecret(c *gin.Context) {
	var request CreateSecretRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		handleError(c, http.StatusBadRequest, "Invalid input: "+err.Error(), err)
		return
	}

	encrypted, err := auth.EncryptPayload(request.Payload)
	if err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to encrypt payload", err)
		return
	}

	recipients, err := json.Marshal(request.Recipients)
	if err != nil {
		handleError(c, http.StatusBadRequest, "Invalid recipients", err)
		return
	}

	secret := models.Secret{
		OwnerName:        request.OwnerName,
		OwnerEmail:       request.OwnerEmail,
		Recipients:       datatypes.JSON(recipients),
		EncryptedPayload: encrypted,
		CheckInDays:      request.CheckInDays,
	}

	db := database.GetDB()
	if err := db.Create(&secret).Error; err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to create secret", err)
		return
	}

	c.JSON(http.StatusCreated, secret)
}

// GetSecret returns a secret's scheduling state (never its payload)
func GetSecret(c *gin.Context) {
	db := database.GetDB()

	var secret models.Secret
	if err := db.First(&secret, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			handleError(c, http.StatusNotFound, "Secret not found", err)
			return
		}
		handleError(c, http.StatusInternalServerError, "Failed to load secret", err)
		return
	}

	c.JSON(http.StatusOK, secret)
}

// CheckIn confirms the owner is still around and advances the deadline.
// Moving last_check_in forward is also what voids the current period's
// reminder history: the period guard bounds its queries by this value, so
// no row updates are needed to reset dedup state.
func CheckIn(c *gin.Context) {
	db := database.GetDB()

	var secret models.Secret
	if err := db.First(&secret, "id = ?", c.Param("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			handleError(c, http.StatusNotFound, "Secret not found", err)
			return
		}
		handleError(c, http.StatusInternalServerError, "Failed to load secret", err)
		return
	}

	secret.CheckIn(time.Now().UTC())
	if err := db.Model(&secret).Updates(map[string]interface{}{
		"last_check_in": secret.LastCheckIn,
		"next_check_in": secret.NextCheckIn,
	}).Error; err != nil {
		handleError(c, http.StatusInternalServerError, "Failed to record check-in", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            secret.ID,
		"last_check_in": secret.LastCheckIn,
		"next_check_in": secret.NextCheckIn,
	})
}

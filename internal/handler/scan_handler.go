package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hasini383/attend-api/internal/dto"
	"github.com/hasini383/attend-api/internal/models"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
	"github.com/hasini383/attend-api/pkg/response"
)

type scanLedger interface {
	Scan(ctx context.Context, studentID string, opts models.MarkOptions) (*models.MarkResult, error)
	ScanByIndexNumber(ctx context.Context, indexNumber string, opts models.MarkOptions) (*models.MarkResult, error)
}

type passVerifier interface {
	VerifyPass(token string) (string, error)
}

// ScanHandler serves the unauthenticated gate scan endpoint. A scan
// carries either a signed pass token or a raw index number; the ledger
// decides whether it means an entry or an exit.
type ScanHandler struct {
	ledger     scanLedger
	passes     passVerifier
	dashboards dashboardInvalidator
}

// NewScanHandler constructs the handler.
func NewScanHandler(ledger scanLedger, passes passVerifier, dashboards dashboardInvalidator) *ScanHandler {
	return &ScanHandler{ledger: ledger, passes: passes, dashboards: dashboards}
}

// Scan godoc
// @Summary Record a gate scan
// @Description Applies an unlabeled scan; entry or exit is inferred from today's record
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body dto.ScanRequest true "Scan payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /scan [post]
func (h *ScanHandler) Scan(c *gin.Context) {
	var req dto.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	token := strings.TrimSpace(req.Token)
	indexNumber := strings.TrimSpace(req.IndexNumber)
	if token == "" && indexNumber == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token or indexNumber is required"))
		return
	}
	if token != "" && indexNumber != "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token and indexNumber are mutually exclusive"))
		return
	}

	opts := models.MarkOptions{
		DeviceInfo:   req.DeviceInfo,
		ScanLocation: req.ScanLocation,
	}

	var result *models.MarkResult
	var err error
	if token != "" {
		var studentID string
		studentID, err = h.passes.VerifyPass(token)
		if err != nil {
			response.Error(c, err)
			return
		}
		result, err = h.ledger.Scan(c.Request.Context(), studentID, opts)
	} else {
		result, err = h.ledger.ScanByIndexNumber(c.Request.Context(), indexNumber, opts)
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	if h.dashboards != nil {
		h.dashboards.InvalidateDay(c.Request.Context(), result.Record.Date)
	}
	response.JSON(c, http.StatusOK, result, nil)
}

package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hasini383/attend-api/pkg/response"
)

type passIssuer interface {
	PassImage(ctx context.Context, studentID string) ([]byte, error)
}

// QRHandler serves student gate passes.
type QRHandler struct {
	passes passIssuer
}

// NewQRHandler constructs the handler.
func NewQRHandler(passes passIssuer) *QRHandler {
	return &QRHandler{passes: passes}
}

// Pass godoc
// @Summary Student QR pass
// @Description Renders the student's signed gate pass as a PNG QR code
// @Tags Students
// @Produce png
// @Param id path string true "Student ID"
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/qr [get]
func (h *QRHandler) Pass(c *gin.Context) {
	png, err := h.passes.PassImage(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/pkg/config"
	appErrors "github.com/hasini383/attend-api/pkg/errors"
)

type qrStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

// QRService issues and verifies the signed gate passes encoded into
// student QR codes. A pass carries the student id plus an expiry, signed
// with an HMAC so gate scanners cannot be fed forged ids.
type QRService struct {
	students qrStudentReader
	secret   []byte
	ttl      time.Duration
	pngSize  int
	logger   *zap.Logger
}

// NewQRService constructs the QR pass service.
func NewQRService(students qrStudentReader, cfg config.QRConfig, logger *zap.Logger) *QRService {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.PNGSize
	if size <= 0 {
		size = 256
	}
	return &QRService{
		students: students,
		secret:   []byte(cfg.Secret),
		ttl:      cfg.TokenTTL,
		pngSize:  size,
		logger:   logger,
	}
}

// IssuePass returns a signed pass token for the student. With no TTL
// configured the pass never expires, which fits passes printed on ID
// cards; expiresAt is zero in that case.
func (s *QRService) IssuePass(ctx context.Context, studentID string) (string, time.Time, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return "", time.Time{}, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to load student")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrInternal, "qr signing secret missing")
	}
	var expiresAt time.Time
	expiry := int64(0)
	if s.ttl > 0 {
		expiresAt = time.Now().Add(s.ttl)
		expiry = expiresAt.Unix()
	}
	encodedID := base64.RawURLEncoding.EncodeToString([]byte(student.ID))
	token := strings.Join([]string{encodedID, fmt.Sprintf("%d", expiry), s.sign(encodedID, expiry)}, ".")
	return token, expiresAt, nil
}

// PassImage renders the student's current pass as a PNG QR code.
func (s *QRService) PassImage(ctx context.Context, studentID string) ([]byte, error) {
	token, _, err := s.IssuePass(ctx, studentID)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(token, qrcode.Medium, s.pngSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render qr code")
	}
	return png, nil
}

// VerifyPass checks a scanned token and returns the student id it
// carries.
func (s *QRService) VerifyPass(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", appErrors.Clone(appErrors.ErrInvalidToken, "malformed pass token")
	}
	encodedID, rawExpiry, signature := parts[0], parts[1], parts[2]
	var expiry int64
	if _, err := fmt.Sscanf(rawExpiry, "%d", &expiry); err != nil {
		return "", appErrors.Clone(appErrors.ErrInvalidToken, "malformed pass token")
	}
	if !hmac.Equal([]byte(s.sign(encodedID, expiry)), []byte(signature)) {
		return "", appErrors.Clone(appErrors.ErrInvalidToken, "pass signature mismatch")
	}
	if expiry > 0 && time.Now().Unix() > expiry {
		return "", appErrors.Clone(appErrors.ErrInvalidToken, "pass expired")
	}
	rawID, err := base64.RawURLEncoding.DecodeString(encodedID)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrInvalidToken, "malformed pass token")
	}
	return string(rawID), nil
}

func (s *QRService) sign(encodedID string, expiry int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", encodedID, expiry)
	return hex.EncodeToString(mac.Sum(nil))
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hasini383/attend-api/internal/models"
	"github.com/hasini383/attend-api/pkg/config"
	"github.com/hasini383/attend-api/pkg/jobs"
)

// ParentMessage is a rendered notification for one guardian.
type ParentMessage struct {
	Email   string
	Phone   string
	Subject string
	Body    string
}

// MessageSender delivers one rendered parent notification.
type MessageSender interface {
	Send(ctx context.Context, message ParentMessage) error
}

// LogSender writes notifications to the application log. It stands in
// for a real SMS or email gateway in deployments that have none.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs the log-backed sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message instead of delivering it.
func (s *LogSender) Send(ctx context.Context, message ParentMessage) error {
	s.logger.Info("parent notification",
		zap.String("email", message.Email),
		zap.String("subject", message.Subject),
		zap.String("body", message.Body))
	return nil
}

// NotifierService fans committed attendance events out to guardians
// through a background queue, so gate scans never wait on a delivery.
type NotifierService struct {
	queue    *jobs.Queue
	sender   MessageSender
	location *time.Location
	enabled  bool
	logger   *zap.Logger
}

// NewNotifierService constructs the notifier. The timezone is used to
// render times in the messages; it should match the ledger timezone.
func NewNotifierService(sender MessageSender, cfg config.NotificationsConfig, timezone string, logger *zap.Logger) *NotifierService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = NewLogSender(logger)
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("unknown notifier timezone, falling back to UTC", zap.String("timezone", timezone))
		location = time.UTC
	}
	svc := &NotifierService{sender: sender, location: location, enabled: cfg.Enabled, logger: logger}
	svc.queue = jobs.NewQueue("notifications", svc.handle, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		Logger:     logger,
	})
	return svc
}

// Start launches the delivery workers.
func (s *NotifierService) Start(ctx context.Context) {
	if !s.enabled {
		return
	}
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *NotifierService) Stop() {
	if !s.enabled {
		return
	}
	s.queue.Stop()
}

// NotifyAttendance enqueues a guardian notification for a ledger event.
// Delivery is best-effort: a full or stopped queue drops the event with
// a log line and never fails the mutation that produced it.
func (s *NotifierService) NotifyAttendance(event models.LedgerEvent) {
	if !s.enabled {
		return
	}
	job := jobs.Job{ID: uuid.NewString(), Type: "attendance_notification", Payload: event}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("dropping attendance notification",
			zap.String("student_id", event.StudentID),
			zap.Error(err))
	}
}

func (s *NotifierService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(models.LedgerEvent)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	return s.sender.Send(ctx, s.render(event))
}

func (s *NotifierService) render(event models.LedgerEvent) ParentMessage {
	local := event.OccurredAt.In(s.location)
	clock := local.Format("15:04")
	date := local.Format("2006-01-02")
	var body string
	switch event.Status {
	case models.AttendanceStatusEntered, models.AttendanceStatusPresent:
		body = fmt.Sprintf("%s (%s) arrived at school at %s on %s (%s).", event.StudentName, event.IndexNumber, clock, date, event.Location)
	case models.AttendanceStatusLeft:
		body = fmt.Sprintf("%s (%s) left school at %s on %s (%s).", event.StudentName, event.IndexNumber, clock, date, event.Location)
	default:
		body = fmt.Sprintf("%s (%s) was marked %s on %s.", event.StudentName, event.IndexNumber, event.Status, date)
	}
	return ParentMessage{
		Email:   event.ParentEmail,
		Phone:   event.ParentPhone,
		Subject: fmt.Sprintf("Attendance update for %s", event.StudentName),
		Body:    body,
	}
}

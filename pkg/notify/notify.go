// Package notify tells a job's owner that results are available.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobline/pkg/job"
	"github.com/3leaps/jobline/pkg/queue"
)

// TimeLayout renders completion times in notifications.
const TimeLayout = "2006-01-02 15:04"

var (
	// ErrUnknownUser indicates the profile lookup found no such user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrNoAddress indicates the profile has no contact address.
	ErrNoAddress = errors.New("profile has no contact address")
)

// Profile is the subset of a user profile the notifier needs.
type Profile struct {
	UserID string `db:"user_id"`
	Name   string `db:"name"`
	Email  string `db:"email"`
}

// Resolver looks up a user's profile.
type Resolver interface {
	Resolve(ctx context.Context, userID string) (Profile, error)
}

// Notification is one outbound message.
type Notification struct {
	To       string
	Subject  string
	HTMLBody string
}

// Sender delivers a notification.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// Config wires a Notifier.
type Config struct {
	Resolver Resolver
	Sender   Sender

	// WebEndpoint is the job-details base URL; the job id is appended.
	WebEndpoint string

	// Location renders completion times. Nil means time.Local.
	Location *time.Location

	Logger *zap.Logger
}

// Notifier handles completion events.
type Notifier struct {
	resolver Resolver
	sender   Sender
	endpoint string
	loc      *time.Location
	logger   *zap.Logger
}

// New validates cfg and builds a Notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("notify: resolver is required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("notify: sender is required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		resolver: cfg.Resolver,
		sender:   cfg.Sender,
		endpoint: strings.TrimRight(cfg.WebEndpoint, "/"),
		loc:      loc,
		logger:   logger,
	}, nil
}

// Handle resolves the recipient and sends one notification. Any error leaves
// the message for redelivery.
func (n *Notifier) Handle(ctx context.Context, m queue.Message, c job.Completion) error {
	log := n.logger.With(zap.String("job_id", c.JobID), zap.String("user_id", c.UserID), zap.String("message_id", m.ID))

	profile, err := n.resolver.Resolve(ctx, c.UserID)
	if err != nil {
		log.Warn("Profile lookup failed", zap.Error(err))
		return fmt.Errorf("resolve %s: %w", c.UserID, err)
	}
	if strings.TrimSpace(profile.Email) == "" {
		return fmt.Errorf("resolve %s: %w", c.UserID, ErrNoAddress)
	}

	msg := n.Format(c)
	msg.To = profile.Email
	if err := n.sender.Send(ctx, msg); err != nil {
		log.Warn("Notification send failed", zap.Error(err))
		return fmt.Errorf("send for %s: %w", c.JobID, err)
	}
	log.Info("Notification sent", zap.String("to", profile.Email))
	return nil
}

// Format renders the subject and body for c. To is left empty.
func (n *Notifier) Format(c job.Completion) Notification {
	at := time.Unix(c.CompleteTime, 0).In(n.loc).Format(TimeLayout)
	link := html.EscapeString(n.endpoint + "/" + c.JobID)
	return Notification{
		Subject: "Results available for job " + c.JobID,
		HTMLBody: fmt.Sprintf(
			"<p>Your job completed at %s. Click here to view job details and results: <a href=%q>view</a></p>",
			at, link),
	}
}

package elmer

/*------------------------------------------------------------------
 *
 * Name:	db_mail
 *
 * Purpose:	Store operations for BBS-style personal mail.
 *
 * Description:	Messages are addressed by base callsign (no SSID).
 *		Deletion is soft and recipient-only: the row keeps its
 *		deleted_at stamp so the sender's outbox still shows what
 *		was sent.  A message is visible to its sender and its
 *		recipient, nobody else.
 *
 *---------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type MailMessage struct {
	ID           int64      `gorm:"primaryKey;autoIncrement"`
	FromCallsign string     `gorm:"index:idx_messages_from;not null"`
	ToCallsign   string     `gorm:"index:idx_messages_to;not null"`
	Subject      string     ``
	Body         string     `gorm:"not null"`
	IsRead       bool       `gorm:"default:false"`
	InReplyTo    *int64     ``
	CreatedAt    time.Time  ``
	ReadAt       *time.Time ``
	DeletedAt    *time.Time ``
}

func (MailMessage) TableName() string { return "messages" }

// SendMessage stores a new message and returns its id.
func (s *Store) SendMessage(from, to, subject, body string, inReplyTo *int64) (int64, error) {
	var row = MailMessage{
		FromCallsign: from,
		ToCallsign:   to,
		Subject:      subject,
		Body:         body,
		InReplyTo:    inReplyTo,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("db: send message: %w", err)
	}

	return row.ID, nil
}

// GetMessages lists a callsign's inbox, newest first, hiding rows the
// recipient has deleted.
func (s *Store) GetMessages(to string, unreadOnly bool) ([]MailMessage, error) {
	var rows []MailMessage

	var q = s.db.Where("to_callsign = ? AND deleted_at IS NULL", to)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}

	if err := q.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("db: list messages: %w", err)
	}

	return rows, nil
}

// GetSentMessages lists a callsign's outbox, newest first.  Recipient
// deletion does not hide a message from its sender.
func (s *Store) GetSentMessages(from string) ([]MailMessage, error) {
	var rows []MailMessage

	var err = s.db.Where("from_callsign = ?", from).
		Order("created_at DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: list sent messages: %w", err)
	}

	return rows, nil
}

// GetMessage fetches one message iff callsign is its sender or its
// recipient.  Returns nil when absent or not visible.
func (s *Store) GetMessage(id int64, callsign string) (*MailMessage, error) {
	var row MailMessage

	var err = s.db.Where("id = ? AND (from_callsign = ? OR to_callsign = ?)",
		id, callsign, callsign).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get message %d: %w", id, err)
	}

	// The recipient's soft delete hides it from the recipient only.
	if row.ToCallsign == callsign && row.DeletedAt != nil {
		return nil, nil
	}

	return &row, nil
}

// MarkMessageRead flips is_read for the recipient.
func (s *Store) MarkMessageRead(id int64, to string) error {
	var now = time.Now().UTC()

	var err = s.db.Model(&MailMessage{}).
		Where("id = ? AND to_callsign = ?", id, to).
		Updates(map[string]any{"is_read": true, "read_at": now}).Error
	if err != nil {
		return fmt.Errorf("db: mark message %d read: %w", id, err)
	}

	return nil
}

// DeleteMessage soft-deletes an inbox message.  Only the recipient may
// delete; returns false when the row is absent, already deleted, or
// owned by someone else.
func (s *Store) DeleteMessage(id int64, to string) (bool, error) {
	var now = time.Now().UTC()

	var res = s.db.Model(&MailMessage{}).
		Where("id = ? AND to_callsign = ? AND deleted_at IS NULL", id, to).
		Update("deleted_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("db: delete message %d: %w", id, res.Error)
	}

	return res.RowsAffected > 0, nil
}

// UnreadCount counts undeleted unread inbox messages.
func (s *Store) UnreadCount(callsign string) (int64, error) {
	var n int64

	var err = s.db.Model(&MailMessage{}).
		Where("to_callsign = ? AND is_read = ? AND deleted_at IS NULL", callsign, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("db: unread count: %w", err)
	}

	return n, nil
}

package elmer

/*------------------------------------------------------------------
 *
 * Name:	db_chat
 *
 * Purpose:	Store operations for multi-user chat channels.
 *
 * Description:	Channels in the spirit of CB Simulator and the
 *		conference mode of classic BBSes.  A channel springs
 *		into existence the first time someone joins it; presence
 *		rows track who is "in" each channel.  Chat is not a live
 *		push medium here, stations poll recent history, so
 *		presence going stale is normal and a sweep clears rows
 *		older than an hour.
 *
 *---------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Channel struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	ChannelName string `gorm:"uniqueIndex:idx_channels_name;not null"`
	Topic       string
	CreatedBy   string
	CreatedAt   time.Time
}

func (Channel) TableName() string { return "channels" }

type ChatMessage struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	ChannelID int64     `gorm:"index:idx_chat_messages_channel;not null"`
	Callsign  string    `gorm:"not null"`
	Message   string    `gorm:"not null"`
	Timestamp time.Time `gorm:"index:idx_chat_messages_time"`
}

func (ChatMessage) TableName() string { return "chat_messages" }

type ChannelPresence struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ChannelID int64  `gorm:"uniqueIndex:idx_presence_channel_cs;not null"`
	Callsign  string `gorm:"uniqueIndex:idx_presence_channel_cs;not null"`
	JoinedAt  time.Time
}

func (ChannelPresence) TableName() string { return "channel_presence" }

// ChannelInfo is the list_channels row: channel plus live user count.
type ChannelInfo struct {
	ID          int64
	ChannelName string
	Topic       string
	UserCount   int64
}

// GetOrCreateChannel returns the id of the named channel, creating it
// (attributed to creator) when new.  Names are stored upper-case.
func (s *Store) GetOrCreateChannel(name, creator string) (int64, error) {
	name = strings.ToUpper(name)

	var row Channel

	var err = s.db.Where("channel_name = ?", name).First(&row).Error
	if err == nil {
		return row.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("db: get channel %s: %w", name, err)
	}

	row = Channel{
		ChannelName: name,
		CreatedBy:   creator,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return 0, fmt.Errorf("db: create channel %s: %w", name, err)
	}

	return row.ID, nil
}

// GetChannelByName fetches a channel; nil when absent.
func (s *Store) GetChannelByName(name string) (*Channel, error) {
	var row Channel

	var err = s.db.Where("channel_name = ?", strings.ToUpper(name)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db: get channel %s: %w", name, err)
	}

	return &row, nil
}

// JoinChannel adds callsign to the channel.  Joining twice refreshes
// the joined_at stamp.
func (s *Store) JoinChannel(channelID int64, callsign string) error {
	var row = ChannelPresence{
		ChannelID: channelID,
		Callsign:  callsign,
		JoinedAt:  time.Now().UTC(),
	}

	var err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "callsign"}},
		DoUpdates: clause.AssignmentColumns([]string{"joined_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("db: join channel %d: %w", channelID, err)
	}

	return nil
}

// LeaveChannel drops callsign's presence in the channel.
func (s *Store) LeaveChannel(channelID int64, callsign string) error {
	var err = s.db.Where("channel_id = ? AND callsign = ?", channelID, callsign).
		Delete(&ChannelPresence{}).Error
	if err != nil {
		return fmt.Errorf("db: leave channel %d: %w", channelID, err)
	}

	return nil
}

// LeaveAllChannels drops every presence row for callsign.  Called when
// the station disconnects.
func (s *Store) LeaveAllChannels(callsign string) error {
	var err = s.db.Where("callsign = ?", callsign).Delete(&ChannelPresence{}).Error
	if err != nil {
		return fmt.Errorf("db: leave all channels: %w", err)
	}

	return nil
}

// PostChatMessage appends a line to the channel.
func (s *Store) PostChatMessage(channelID int64, callsign, message string) error {
	var row = ChatMessage{
		ChannelID: channelID,
		Callsign:  callsign,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("db: post chat message: %w", err)
	}

	return nil
}

// GetRecentChatMessages returns up to limit messages from the last
// hours hours, oldest first (display order).
func (s *Store) GetRecentChatMessages(channelID int64, limit, hours int) ([]ChatMessage, error) {
	var rows []ChatMessage

	var since = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var err = s.db.Where("channel_id = ? AND timestamp > ?", channelID, since).
		Order("timestamp DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: recent chat: %w", err)
	}

	// Fetched newest-first for the LIMIT; flip to chronological.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}

	return rows, nil
}

// ListChannels returns every channel with its user count.
func (s *Store) ListChannels() ([]ChannelInfo, error) {
	var rows []ChannelInfo

	var err = s.db.Model(&Channel{}).
		Select("channels.id, channels.channel_name, channels.topic, COUNT(channel_presence.id) AS user_count").
		Joins("LEFT JOIN channel_presence ON channel_presence.channel_id = channels.id").
		Group("channels.id").
		Order("channels.channel_name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: list channels: %w", err)
	}

	return rows, nil
}

// GetChannelUsers returns the callsigns present in the channel.
func (s *Store) GetChannelUsers(channelID int64) ([]string, error) {
	var users []string

	var err = s.db.Model(&ChannelPresence{}).
		Where("channel_id = ?", channelID).
		Order("callsign").
		Pluck("callsign", &users).Error
	if err != nil {
		return nil, fmt.Errorf("db: channel users: %w", err)
	}

	return users, nil
}

// GetUserChannels returns the channels callsign is present in.
func (s *Store) GetUserChannels(callsign string) ([]Channel, error) {
	var rows []Channel

	var err = s.db.
		Joins("JOIN channel_presence ON channel_presence.channel_id = channels.id").
		Where("channel_presence.callsign = ?", callsign).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("db: user channels: %w", err)
	}

	return rows, nil
}

// SetChannelTopic replaces the channel topic.
func (s *Store) SetChannelTopic(channelID int64, topic string) error {
	var err = s.db.Model(&Channel{}).Where("id = ?", channelID).
		Update("topic", topic).Error
	if err != nil {
		return fmt.Errorf("db: set topic %d: %w", channelID, err)
	}

	return nil
}

// CleanupStalePresence drops presence rows older than hours hours.
func (s *Store) CleanupStalePresence(hours int) error {
	var cutoff = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	var err = s.db.Where("joined_at < ?", cutoff).Delete(&ChannelPresence{}).Error
	if err != nil {
		return fmt.Errorf("db: cleanup presence: %w", err)
	}

	return nil
}

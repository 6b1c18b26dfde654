// Package sqlite implements a snapshot Backend on top of an SQLite database
// accessed through GORM. Each stored message is one row.
package sqlite

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
)

// insertBatchSize bounds the number of rows per INSERT statement.
const insertBatchSize = 500

// messageRow is the persisted form of one stored message.
type messageRow struct {
	ID        uint   `gorm:"primaryKey"`
	Recipient string `gorm:"index:idx_recipient_position,priority:1;not null"`
	Position  int    `gorm:"index:idx_recipient_position,priority:2;not null"`
	Body      string `gorm:"not null"`
}

func (messageRow) TableName() string {
	return "messages"
}

// Backend stores the mailbox state in the messages table.
type Backend struct {
	db *gorm.DB
}

// New opens (creating if needed) the SQLite database at dsn and migrates
// the schema. When debug is false, GORM's SQL logging is silenced.
func New(dsn string, debug bool) (*Backend, error) {
	gormCfg := &gorm.Config{}
	if !debug {
		gormCfg.Logger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate messages table: %w", err)
	}

	return &Backend{db: db}, nil
}

// Load reads every row ordered by recipient and position. An empty table
// yields snapshot.ErrNotFound.
func (b *Backend) Load(ctx context.Context) (*snapshot.State, error) {
	var rows []messageRow
	if err := b.db.WithContext(ctx).Order("recipient, position").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, snapshot.ErrNotFound
	}

	st := snapshot.NewState()
	for _, row := range rows {
		st.Mailboxes[row.Recipient] = append(st.Mailboxes[row.Recipient], row.Body)
	}
	return st, nil
}

// Save replaces the table contents with st inside a single transaction.
func (b *Backend) Save(ctx context.Context, st *snapshot.State) error {
	recipients := make([]string, 0, len(st.Mailboxes))
	for r := range st.Mailboxes {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)

	rows := make([]messageRow, 0, st.MessageCount())
	for _, r := range recipients {
		for i, body := range st.Mailboxes[r] {
			rows = append(rows, messageRow{Recipient: r, Position: i, Body: body})
		}
	}

	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&messageRow{}).Error; err != nil {
			return fmt.Errorf("clear messages: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "sqlite"
}

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"servicebus-demo/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// receivedMessage is the received_messages row.
type receivedMessage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Text       string    `gorm:"not null"`
	Entity     string    `gorm:"not null;index"`
	ReceivedAt time.Time `gorm:"not null;index"`
}

func (receivedMessage) TableName() string {
	return "received_messages"
}

// Repository implements ports.InboxRepository using PostgreSQL.
type Repository struct {
	db *gorm.DB
}

// New opens a PostgreSQL connection and returns a Repository.
func New(dsn string, log *slog.Logger) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: NewLogger(log, 200*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Repository{db: db}, nil
}

// NewWithDB wraps an already opened gorm handle.
func NewWithDB(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates or updates the received_messages table.
func (r *Repository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&receivedMessage{}); err != nil {
		return fmt.Errorf("migrate received_messages: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveReceived inserts msg. A row with the same id is left as it is, since a
// redelivered message is the same message.
func (r *Repository) SaveReceived(ctx context.Context, msg domain.ReceivedText) error {
	row := receivedMessage{
		ID:         msg.ID,
		Text:       msg.Text,
		Entity:     msg.Entity,
		ReceivedAt: msg.ReceivedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert received message %s: %w", msg.ID, err)
	}
	return nil
}

// ListReceived returns up to limit messages, newest first. A non-positive
// limit selects the default page size.
func (r *Repository) ListReceived(ctx context.Context, limit int) ([]domain.ReceivedText, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	var rows []receivedMessage
	err := r.db.WithContext(ctx).
		Order("received_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list received messages: %w", err)
	}

	msgs := make([]domain.ReceivedText, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, domain.ReceivedText{
			ID:         row.ID,
			Text:       row.Text,
			Entity:     row.Entity,
			ReceivedAt: row.ReceivedAt,
		})
	}
	return msgs, nil
}

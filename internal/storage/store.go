package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coachchat/internal/config"
	"coachchat/internal/models"
)

// ErrDuplicateID is returned when a transcript id is already taken.
var ErrDuplicateID = errors.New("transcript id already exists")

// TranscriptStore persists transcripts. Every method is a single atomic
// operation on one transcript document.
type TranscriptStore interface {
	InsertTranscript(ctx context.Context, t *models.Transcript) error
	GetTranscript(ctx context.Context, id int64) (*models.Transcript, error)
	// AppendTurn pushes turn onto the transcript and sets its status in the same update.
	// pending_since is set to at for StatusAwaitingAssistant and cleared otherwise.
	AppendTurn(ctx context.Context, id int64, turn models.Turn, status models.Status, at time.Time) error
	SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) error
	// MarkStale moves transcripts awaiting an assistant turn since before cutoff to StatusInterrupted.
	MarkStale(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// AccountStore persists accounts and their transcript lists.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *models.Account) error
	AccountByEmail(ctx context.Context, email string) (*models.Account, error)
	AccountByID(ctx context.Context, id string) (*models.Account, error)
	AppendAccountTranscript(ctx context.Context, accountID string, transcriptID int64) error
}

type Store interface {
	TranscriptStore
	AccountStore
	Close(ctx context.Context) error
}

// OpenStore connects to the document store selected by cfg.Database.Driver.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, error) {
	driver := strings.ToLower(cfg.Database.Driver)
	switch driver {
	case "mongo", "mongodb":
		return NewMongoStore(ctx, cfg.Database)
	case "sqlite", "sqlite3", "mysql":
		db, err := Open(driver, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := Migrate(db, driver); err != nil {
			db.Close()
			return nil, err
		}
		return NewSQLStore(db, driver), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Database.Driver)
	}
}

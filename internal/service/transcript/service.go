package transcript

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"coachchat/internal/completion"
	"coachchat/internal/models"
	"coachchat/internal/storage"
	"coachchat/internal/worker"
)

const (
	minTranscriptID = 1000000000
	maxTranscriptID = 9999999999
	createAttempts  = 5

	// MaxTimestampLen bounds the client-supplied label stored on user turns.
	MaxTimestampLen = 256
)

// Service creates transcripts and runs user/assistant exchanges on them.
type Service struct {
	transcripts  storage.TranscriptStore
	accounts     storage.AccountStore
	completer    completion.Client
	systemPrompt string
	// exchangeTimeout bounds queue wait plus completion; zero means unbounded.
	exchangeTimeout time.Duration

	now   func() time.Time
	newID func() int64
}

func NewService(transcripts storage.TranscriptStore, accounts storage.AccountStore, completer completion.Client, systemPrompt string) *Service {
	return &Service{
		transcripts:  transcripts,
		accounts:     accounts,
		completer:    completer,
		systemPrompt: systemPrompt,
		now:          time.Now,
		newID:        randomID,
	}
}

// SetExchangeTimeout bounds how long an exchange may wait for its reply,
// queueing included. It should stay below the sweeper's stale threshold.
func (s *Service) SetExchangeTimeout(d time.Duration) {
	s.exchangeTimeout = d
}

// Create stores a transcript seeded with the system prompt and, when ownerID
// names an existing account, records it in that account's list.
func (s *Service) Create(ctx context.Context, ownerID string) (int64, error) {
	now := s.now().UTC()
	t := &models.Transcript{
		OwnerID:   ownerID,
		Turns:     []models.Turn{{Role: models.RoleSystem, Content: s.systemPrompt}},
		Status:    models.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var err error
	for i := 0; i < createAttempts; i++ {
		t.ID = s.newID()
		t.Title = fmt.Sprintf("Conversation Id: %d", t.ID)
		err = s.transcripts.InsertTranscript(ctx, t)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateID) {
			return 0, err
		}
		log.Debug("transcript id collision", "id", t.ID, "attempt", i+1)
	}
	if err != nil {
		return 0, fmt.Errorf("could not allocate transcript id: %w", err)
	}

	if ownerID != "" {
		// The transcript exists either way; a failed link only hides it from the account's list.
		if err := s.accounts.AppendAccountTranscript(ctx, ownerID, t.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			log.Error("link transcript to account", "account", ownerID, "id", t.ID, "err", err)
		}
	}
	return t.ID, nil
}

type ExchangeInput struct {
	TranscriptID int64
	RequesterID  string // account bound to the session
	AccountID    string // account the client claims to act for
	Content      string
	Timestamp    string // client-supplied label stored on the user turn
	// Accepted, when set, receives the user turn as persisted, before the completion starts.
	Accepted func(models.Turn)
}

// Exchange appends the user turn, asks the completion client for a reply and
// appends it. If the completion fails the user turn stays, the transcript is
// marked interrupted and no retry is made.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput, onChunk func(string) error) (*models.Turn, error) {
	if err := checkRequester(in.RequesterID, in.AccountID); err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: chat_text is required", models.ErrValidation)
	}
	if len(in.Timestamp) > MaxTimestampLen {
		return nil, fmt.Errorf("%w: date longer than %d bytes", models.ErrValidation, MaxTimestampLen)
	}
	t, err := s.transcripts.GetTranscript(ctx, in.TranscriptID)
	if err != nil {
		return nil, err
	}
	if t.OwnerID != in.RequesterID {
		return nil, models.ErrUnauthorized
	}
	if len(t.Turns) == 0 {
		return nil, fmt.Errorf("transcript %d has no turns: %w", t.ID, models.ErrNotFound)
	}

	userTurn := models.Turn{
		Role:    models.RoleUser,
		Content: content,
		Time:    strings.ToValidUTF8(in.Timestamp, "\uFFFD"),
	}
	if err := s.transcripts.AppendTurn(ctx, t.ID, userTurn, models.StatusAwaitingAssistant, s.now().UTC()); err != nil {
		return nil, err
	}
	if in.Accepted != nil {
		in.Accepted(userTurn)
	}

	history := make([]models.Turn, 0, len(t.Turns)+1)
	history = append(history, t.Turns...)
	history = append(history, userTurn)

	completeCtx := worker.WithKey(ctx, in.RequesterID)
	if s.exchangeTimeout > 0 {
		var cancel context.CancelFunc
		completeCtx, cancel = context.WithTimeout(completeCtx, s.exchangeTimeout)
		defer cancel()
	}
	reply, err := s.completer.Complete(completeCtx, history, onChunk)
	if err != nil {
		s.interrupt(ctx, t.ID)
		if errors.Is(err, models.ErrBusy) || errors.Is(err, models.ErrUpstream) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", models.ErrUpstream, err)
	}

	now := s.now().UTC()
	assistant := models.Turn{
		Role:    models.RoleAssistant,
		Content: reply,
		Time:    now.Format(models.TimestampLayout),
	}
	if err := s.transcripts.AppendTurn(context.WithoutCancel(ctx), t.ID, assistant, models.StatusIdle, now); err != nil {
		return nil, err
	}
	return &assistant, nil
}

func (s *Service) interrupt(ctx context.Context, id int64) {
	if err := s.transcripts.SetStatus(context.WithoutCancel(ctx), id, models.StatusInterrupted, s.now().UTC()); err != nil {
		log.Error("mark transcript interrupted", "id", id, "err", err)
	}
}

// Read returns the turns visible to the client, without the system turn.
func (s *Service) Read(ctx context.Context, transcriptID int64, requesterID, accountID string) ([]models.Turn, error) {
	t, err := s.authorized(ctx, transcriptID, requesterID, accountID)
	if err != nil {
		return nil, err
	}
	turns := t.Visible()
	if len(turns) == 0 {
		return nil, fmt.Errorf("transcript %d has no messages: %w", transcriptID, models.ErrNotFound)
	}
	return turns, nil
}

// Details is the client view of a transcript.
type Details struct {
	ID        int64         `json:"chat_id"`
	Title     string        `json:"title"`
	Status    models.Status `json:"status"`
	Turns     []models.Turn `json:"chat_progress"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Get returns the transcript summary, including its exchange status.
func (s *Service) Get(ctx context.Context, transcriptID int64, requesterID, accountID string) (*Details, error) {
	t, err := s.authorized(ctx, transcriptID, requesterID, accountID)
	if err != nil {
		return nil, err
	}
	turns := t.Visible()
	if turns == nil {
		turns = []models.Turn{}
	}
	return &Details{
		ID:        t.ID,
		Title:     t.Title,
		Status:    t.Status,
		Turns:     turns,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}, nil
}

// authorized loads the transcript for a read. A missing transcript reads as
// unauthorized so ids cannot be enumerated.
func (s *Service) authorized(ctx context.Context, transcriptID int64, requesterID, accountID string) (*models.Transcript, error) {
	if err := checkRequester(requesterID, accountID); err != nil {
		return nil, err
	}
	t, err := s.transcripts.GetTranscript(ctx, transcriptID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrUnauthorized
		}
		return nil, err
	}
	if t.OwnerID != requesterID {
		return nil, models.ErrUnauthorized
	}
	return t, nil
}

func checkRequester(requesterID, accountID string) error {
	if requesterID == "" || requesterID != accountID {
		return models.ErrUnauthorized
	}
	return nil
}

func randomID() int64 {
	return minTranscriptID + rand.Int64N(maxTranscriptID-minTranscriptID+1)
}

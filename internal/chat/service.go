package chat

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"lab-report-dashboard/internal/connectors/labapi"
	"lab-report-dashboard/internal/connectors/transcripts"
)

// ErrEmptyQuestion is returned when the question is blank.
var ErrEmptyQuestion = errors.New("question is empty")

// Upstream is the subject-scoped part of the lab report API.
type Upstream interface {
	SummaryFetcher
	Abnormal(ctx context.Context, subject string) ([]labapi.LabResult, error)
	Ask(ctx context.Context, subject, question string) (*labapi.ChatAnswer, error)
}

// TranscriptStore persists exchanges. A nil store disables persistence.
type TranscriptStore interface {
	Append(ctx context.Context, e transcripts.Entry) (int64, error)
	List(ctx context.Context, subject string, limit int) ([]transcripts.Entry, error)
	Clear(ctx context.Context, subject string) (int64, error)
}

// Exchange is one rendered question/answer pair.
type Exchange struct {
	SubjectID         string    `json:"subject_id"`
	Question          string    `json:"question"`
	Answer            string    `json:"answer"`
	Confidence        float64   `json:"confidence_score"`
	ConfidencePercent int       `json:"confidence_percent"`
	AskedAt           time.Time `json:"asked_at"`
}

// Service drives the subject chat widget.
type Service struct {
	upstream    Upstream
	poller      *SummaryPoller
	transcripts TranscriptStore
}

func NewService(upstream Upstream, poller *SummaryPoller, store TranscriptStore) *Service {
	return &Service{upstream: upstream, poller: poller, transcripts: store}
}

// Poller exposes the summary poller.
func (s *Service) Poller() *SummaryPoller {
	return s.poller
}

// HasTranscripts reports whether exchanges are persisted.
func (s *Service) HasTranscripts() bool {
	return s.transcripts != nil
}

// Ask sends one question for subject. Blank input is rejected before any
// upstream call.
func (s *Service) Ask(ctx context.Context, subject, question string) (*Exchange, error) {
	subject = strings.TrimSpace(subject)
	question = strings.TrimSpace(question)
	if subject == "" {
		return nil, ErrNoSubject
	}
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	ans, err := s.upstream.Ask(ctx, subject, question)
	if err != nil {
		return nil, errors.Wrap(err, "ask upstream")
	}

	ex := &Exchange{
		SubjectID:         subject,
		Question:          question,
		Answer:            ans.Answer,
		Confidence:        ans.ConfidenceScore,
		ConfidencePercent: ConfidencePercent(ans.ConfidenceScore),
		AskedAt:           time.Now().UTC(),
	}

	if s.transcripts != nil {
		if _, err := s.transcripts.Append(ctx, transcripts.Entry{
			SubjectID:       subject,
			Question:        question,
			Answer:          ex.Answer,
			ConfidenceScore: ex.Confidence,
			CreatedAt:       ex.AskedAt,
		}); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("failed to persist chat exchange")
		}
	}
	return ex, nil
}

// Abnormal lists the subject's abnormal and critical results.
func (s *Service) Abnormal(ctx context.Context, subject string) ([]labapi.LabResult, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrNoSubject
	}
	return s.upstream.Abnormal(ctx, subject)
}

// Transcript returns stored exchanges for subject, oldest first.
func (s *Service) Transcript(ctx context.Context, subject string, limit int) ([]Exchange, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrNoSubject
	}
	if s.transcripts == nil {
		return []Exchange{}, nil
	}
	entries, err := s.transcripts.List(ctx, subject, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Exchange, 0, len(entries))
	for _, e := range entries {
		out = append(out, Exchange{
			SubjectID:         e.SubjectID,
			Question:          e.Question,
			Answer:            e.Answer,
			Confidence:        e.ConfidenceScore,
			ConfidencePercent: ConfidencePercent(e.ConfidenceScore),
			AskedAt:           e.CreatedAt,
		})
	}
	return out, nil
}

// ClearTranscript deletes stored exchanges for subject.
func (s *Service) ClearTranscript(ctx context.Context, subject string) (int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return 0, ErrNoSubject
	}
	if s.transcripts == nil {
		return 0, nil
	}
	return s.transcripts.Clear(ctx, subject)
}

// ConfidencePercent converts a [0,1] score to a whole percent, rounding
// halves up and clamping out-of-range scores.
func ConfidencePercent(score float64) int {
	if math.IsNaN(score) || score <= 0 {
		return 0
	}
	if score >= 1 {
		return 100
	}
	return int(math.Floor(score*100 + 0.5))
}

package flow

import (
	"context"
	"time"

	"github.com/BTreeMap/StampPipe/internal/gamification"
	"github.com/BTreeMap/StampPipe/internal/genai"
	"github.com/BTreeMap/StampPipe/internal/models"
	"github.com/BTreeMap/StampPipe/internal/recovery"
	"github.com/BTreeMap/StampPipe/internal/store"
)

// MediaFetcher downloads inbound media; messaging gateways implement it.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, media models.Media) ([]byte, string, error)
}

// Reflector turns a voice note into a structured weekly reflection.
type Reflector interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (string, error)
	StructureReflection(ctx context.Context, transcript string) (genai.Reflection, error)
}

// DeadLetterSink keeps user data that could not be persisted normally.
type DeadLetterSink interface {
	Capture(ctx context.Context, letter recovery.Letter) error
}

// Deps are the collaborators shared by the flow handlers.
type Deps struct {
	Store       store.RecordStore
	States      StateManager
	Users       *store.UserRepo
	Engine      *gamification.Engine
	Calendar    gamification.Calendar
	Objects     store.ObjectStore
	Media       MediaFetcher
	Reflector   Reflector
	DeadLetters DeadLetterSink
	Content     Content
	// TranscribeTimeout bounds one transcription call.
	TranscribeTimeout time.Duration
}

// DefaultTranscribeTimeout bounds transcription when Deps leaves it unset.
const DefaultTranscribeTimeout = 90 * time.Second

// NewDefaultDispatcher registers every flow in routing order.
func NewDefaultDispatcher(d Deps, opts ...DispatcherOption) *Dispatcher {
	if d.TranscribeTimeout <= 0 {
		d.TranscribeTimeout = DefaultTranscribeTimeout
	}
	content := d.Content
	opts = append([]DispatcherOption{WithHelp(func(*Turn) []models.OutboundAction {
		return []models.OutboundAction{models.Text(HelpText)}
	})}, opts...)

	disp := NewDispatcher(d.States, opts...)
	disp.RegisterInterrupter(NewCommands(d))
	disp.Register(NewConnectHandler(content))
	disp.Register(NewMeetingHandler(d))
	disp.Register(NewSignupHandler(d))
	disp.Register(NewDemoHandler(d))
	disp.Register(NewBudgetHandler(d))
	disp.Register(NewIncidentHandler(d))
	disp.Register(NewQueueHandler(d))
	disp.Register(NewVoicelogHandler(d))
	return disp
}

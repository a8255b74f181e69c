package event

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	NameRewardResolved   = "reward.resolved"
	NameBenefitApplied   = "benefit.applied"
	NameBenefitConverted = "benefit.converted"
	NameBenefitExpired   = "benefit.expired"
)

// Names lists every event the engine publishes
var Names = []string{NameRewardResolved, NameBenefitApplied, NameBenefitConverted, NameBenefitExpired}

// Event is one of RewardResolved, BenefitApplied, BenefitConverted, BenefitExpired.
type Event interface {
	Name() string
	Header() Subject
}

// Subject identifies the activation an event is about
type Subject struct {
	ActivationID string    `json:"activation_id"`
	UserID       string    `json:"user_id"`
	CampaignID   string    `json:"campaign_id"`
	RewardID     string    `json:"reward_id"`
	RewardType   string    `json:"reward_type"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type RewardResolved struct {
	Subject
	CostCharged int64     `json:"cost_charged"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type BenefitApplied struct {
	Subject
	OrderID string `json:"order_id"`
}

type BenefitConverted struct {
	Subject
	OrderID string `json:"order_id"`
}

type BenefitExpired struct {
	Subject
	CostReleased int64 `json:"cost_released"`
}

func (RewardResolved) Name() string   { return NameRewardResolved }
func (BenefitApplied) Name() string   { return NameBenefitApplied }
func (BenefitConverted) Name() string { return NameBenefitConverted }
func (BenefitExpired) Name() string   { return NameBenefitExpired }

func (e RewardResolved) Header() Subject   { return e.Subject }
func (e BenefitApplied) Header() Subject   { return e.Subject }
func (e BenefitConverted) Header() Subject { return e.Subject }
func (e BenefitExpired) Header() Subject   { return e.Subject }

// Handler consumes a published event
type Handler func(Event)

// Bus fans events out to subscribers on their own goroutines.
type Bus struct {
	handlers sync.Map
	mu       sync.Mutex
	inflight sync.WaitGroup
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(name string, handler Handler) {
	if b == nil || handler == nil {
		return
	}

	eventName := strings.TrimSpace(name)
	if eventName == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	handlers := make([]Handler, 0, 1)
	if current, ok := b.handlers.Load(eventName); ok {
		handlers = append(handlers, current.([]Handler)...)
	}
	handlers = append(handlers, handler)
	b.handlers.Store(eventName, handlers)
}

// SubscribeAll registers handler for every event in Names
func (b *Bus) SubscribeAll(handler Handler) {
	for _, name := range Names {
		b.Subscribe(name, handler)
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}

	current, ok := b.handlers.Load(e.Name())
	if !ok {
		return
	}

	for _, handler := range current.([]Handler) {
		b.inflight.Add(1)
		go b.dispatch(handler, e)
	}
}

// Wait blocks until every dispatched handler has returned
func (b *Bus) Wait() {
	b.inflight.Wait()
}

func (b *Bus) dispatch(handler Handler, e Event) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", e.Name()),
				zap.Any("panic", r),
			)
		}
	}()
	handler(e)
}

// LogHandler writes one structured line per event.
func LogHandler(logger *zap.Logger) Handler {
	return func(e Event) {
		s := e.Header()
		logger.Info("domain event",
			zap.String("event", e.Name()),
			zap.String("activation_id", s.ActivationID),
			zap.String("user_id", s.UserID),
			zap.String("campaign_id", s.CampaignID),
			zap.String("reward_id", s.RewardID),
			zap.String("reward_type", s.RewardType),
		)
	}
}

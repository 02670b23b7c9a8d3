package advisory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"tripmate/internal/trip/clock"
	"tripmate/internal/trip/panel"
	"tripmate/internal/trip/store"
)

// Logger provides minimal logging for the scheduler.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// PanelHost is the external advisory display the scheduler dispatches to.
type PanelHost interface {
	Send(messageID int64, payload interface{}) error
	Dismiss(messageID int64) error
}

// MotionSensor reports whether the vehicle is stationary. An error reads as
// "not stationary" so nothing is dispatched while state is unknown.
type MotionSensor interface {
	IsStationary(ctx context.Context) (bool, error)
}

// ForegroundUI lets the scheduler short-circuit arrival prompts to an
// already-visible host screen instead of the external panel.
type ForegroundUI interface {
	IsForeground() bool
	ShowArrivalDialog(msg Message)
}

// Config holds countdown durations for dispatched arrival prompts.
type Config struct {
	NegativeGufTimeout time.Duration
	DefaultAutoDismiss time.Duration
	ExpiryGrace        time.Duration
}

// FormEntry mirrors one element of the durable uncompleted-form stack.
type FormEntry struct {
	StopID    int    `json:"stopId"`
	ActionID  int    `json:"actionId"`
	FormID    string `json:"formId"`
	FormClass string `json:"formClass"`
	StopName  string `json:"stopName"`
}

// ShowPayload is the frame body pushed to the display panel.
type ShowPayload struct {
	Text             string `json:"text"`
	Priority         string `json:"priority"`
	StopIDs          []int  `json:"stop_ids,omitempty"`
	RequiresDecision bool   `json:"requires_decision"`
}

// Scheduler arbitrates which single advisory message the display panel shows.
// All queue mutations and a whole arbitration pass run under one mutex so two
// concurrent passes can never both claim the dispatch slot.
type Scheduler struct {
	mu            sync.Mutex
	queue         []Message
	lastSent      *Message
	lastResponded *Message
	highShowing   bool

	countdown  *Countdown
	countdownM *Message

	host       PanelHost
	motion     MotionSensor
	foreground ForegroundUI
	kv         store.KV
	clk        clock.Clock
	logger     Logger
	cfg        Config

	onNegativeTimeout func(msg Message)
}

// NewScheduler constructs a message scheduler.
func NewScheduler(host PanelHost, motion MotionSensor, foreground ForegroundUI, kv store.KV, clk clock.Clock, logger Logger, cfg Config) *Scheduler {
	if cfg.NegativeGufTimeout == 0 {
		cfg.NegativeGufTimeout = 2 * time.Minute
	}
	if cfg.DefaultAutoDismiss == 0 {
		cfg.DefaultAutoDismiss = 5 * time.Minute
	}
	if cfg.ExpiryGrace == 0 {
		cfg.ExpiryGrace = 2 * time.Second
	}
	return &Scheduler{
		host:       host,
		motion:     motion,
		foreground: foreground,
		kv:         kv,
		clk:        clk,
		logger:     logger,
		cfg:        cfg,
		countdown:  NewCountdown(clk),
	}
}

// OnNegativeTimeout registers the completion callback invoked when an
// arrival prompt times out as an automatic negative acknowledgment.
func (s *Scheduler) OnNegativeTimeout(fn func(msg Message)) {
	s.mu.Lock()
	s.onNegativeTimeout = fn
	s.mu.Unlock()
}

// Enqueue admits a candidate message. Arrival-class candidates are
// deduplicated by (id, text, priority); singleton classes replace any
// existing entry of the same priority. Singleton candidates trigger an
// immediate arbitration pass when the vehicle is stationary.
func (s *Scheduler) Enqueue(ctx context.Context, msg Message) {
	s.mu.Lock()
	if msg.Priority.ArrivalClass() {
		for _, q := range s.queue {
			if q.sameArrival(msg) {
				s.mu.Unlock()
				return
			}
		}
	} else if msg.Priority.SingletonClass() {
		kept := s.queue[:0]
		for _, q := range s.queue {
			if q.Priority != msg.Priority {
				kept = append(kept, q)
			}
		}
		s.queue = kept
	}
	s.insert(msg)
	singleton := msg.Priority.SingletonClass()
	s.mu.Unlock()

	if singleton {
		stationary, err := s.motion.IsStationary(ctx)
		if err != nil {
			// unknown motion reads as moving, fail-safe
			stationary = false
		}
		if stationary {
			s.Arbitrate(ctx)
		}
	}
}

// insert must be called with the mutex held.
func (s *Scheduler) insert(msg Message) {
	s.queue = append(s.queue, msg)
	sort.SliceStable(s.queue, func(i, j int) bool {
		return s.queue[i].Priority < s.queue[j].Priority
	})
}

// QueueLen returns the current queue depth.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Arbitrate picks the highest-priority eligible message and dispatches it to
// the panel. Returns the dispatched priority, or PriorityNone.
func (s *Scheduler) Arbitrate(ctx context.Context) Priority {
	s.mu.Lock()
	defer s.mu.Unlock()

	dispatchID, err := s.kv.Get(ctx, store.KeyActiveDispatchID, "")
	if err != nil {
		s.logger.Errorf("advisory: read active dispatch failed: %v", err)
		return PriorityNone
	}
	if dispatchID == "" || len(s.queue) == 0 {
		return PriorityNone
	}

	head := s.queue[0]

	if head.Priority.ArrivalClass() {
		if s.highShowing {
			return PriorityNone
		}
		if s.foreground != nil && s.foreground.IsForeground() {
			// host UI already visible: hand the prompt to it instead of
			// the external panel so the driver is not prompted on two
			// channels
			s.lastSent = &head
			s.highShowing = true
			s.foreground.ShowArrivalDialog(head)
			return head.Priority
		}
		if !s.dispatch(ctx, head) {
			return PriorityNone
		}
		s.queue = s.queue[1:]
		s.highShowing = true
		if head.RequiresDecision {
			s.startCountdown(head)
		}
		return head.Priority
	}

	// form/select/next-stop classes wait out any displayed arrival prompt
	if s.highShowing {
		return PriorityNone
	}
	if head.Priority != PriorityCompleteForm && s.containsPriority(PriorityCompleteForm) {
		return PriorityNone
	}
	if !s.dispatch(ctx, head) {
		return PriorityNone
	}
	s.queue = s.queue[1:]
	return head.Priority
}

// dispatch must be called with the mutex held. A not-ready panel is a
// transient failure: the message stays queued for the next pass.
func (s *Scheduler) dispatch(ctx context.Context, msg Message) bool {
	payload := ShowPayload{
		Text:             msg.Text,
		Priority:         msg.Priority.String(),
		StopIDs:          msg.StopIDs,
		RequiresDecision: msg.RequiresDecision,
	}
	if err := s.host.Send(msg.MessageID, payload); err != nil {
		if errors.Is(err, panel.ErrNotReady) {
			s.logger.Infof("advisory: panel not ready, message %d stays queued", msg.MessageID)
		} else {
			s.logger.Errorf("advisory: send message %d failed: %v", msg.MessageID, err)
		}
		return false
	}
	s.lastSent = &msg
	if err := s.kv.Set(ctx, store.KeyLastMessageID, strconv.FormatInt(msg.MessageID, 10)); err != nil {
		s.logger.Errorf("advisory: persist last message id failed: %v", err)
	}
	return true
}

// startCountdown must be called with the mutex held.
func (s *Scheduler) startCountdown(msg Message) {
	duration := s.cfg.DefaultAutoDismiss
	if msg.NegativeGuf {
		duration = s.cfg.NegativeGufTimeout
	}
	m := msg
	s.countdownM = &m
	s.countdown.Start(duration, s.cfg.ExpiryGrace, nil, func() {
		s.expire(m)
	})
}

func (s *Scheduler) expire(msg Message) {
	s.mu.Lock()
	fn := s.onNegativeTimeout
	s.countdownM = nil
	s.mu.Unlock()

	s.RemoveIfPresent(msg.MessageID)
	if msg.NegativeGuf && fn != nil {
		fn(msg)
	} else {
		if err := s.host.Dismiss(msg.MessageID); err != nil {
			s.logger.Errorf("advisory: dismiss message %d failed: %v", msg.MessageID, err)
		}
	}
}

// RemoveIfPresent drops all queue entries with the id and returns them. If
// the removed id is the last-sent message the displayed flags clear so the
// next arbitration pass is unblocked.
func (s *Scheduler) RemoveIfPresent(messageID int64) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.queue[:0]
	var removed []Message
	for _, q := range s.queue {
		if q.MessageID == messageID {
			removed = append(removed, q)
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept

	if s.lastSent != nil && s.lastSent.MessageID == messageID {
		s.lastResponded = s.lastSent
		s.lastSent = nil
		s.highShowing = false
	}
	if s.countdownM != nil && s.countdownM.MessageID == messageID {
		s.countdown.Cancel()
		s.countdownM = nil
	}
	return removed
}

// SetMoving pauses or resumes the countdown's tick publishing. The deadline
// never moves; motion only suppresses tick side effects.
func (s *Scheduler) SetMoving(moving bool) {
	if moving {
		s.countdown.Pause()
		return
	}
	s.countdown.Resume()
}

// ReconcileForms recomputes the complete-form advisory from the durable
// uncompleted-form stack. Called whenever the stop list changes.
func (s *Scheduler) ReconcileForms(ctx context.Context, messageID int64) {
	raw, err := s.kv.Get(ctx, store.KeyFormStack, "[]")
	if err != nil {
		s.logger.Errorf("advisory: read form stack failed: %v", err)
		return
	}
	var forms []FormEntry
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &forms); err != nil {
			s.logger.Errorf("advisory: corrupt form stack %q, treating as empty", raw)
			forms = nil
		}
	}

	if len(forms) == 0 {
		s.removeByPriority(PriorityCompleteForm)
		s.mu.Lock()
		shownID := int64(0)
		wasShown := s.lastSent != nil && s.lastSent.Priority == PriorityCompleteForm
		if wasShown {
			shownID = s.lastSent.MessageID
			s.lastResponded = s.lastSent
			s.lastSent = nil
		}
		s.mu.Unlock()
		if wasShown {
			if err := s.host.Dismiss(shownID); err != nil {
				s.logger.Errorf("advisory: dismiss form message failed: %v", err)
			}
		}
		return
	}

	text := fmt.Sprintf("Complete your form for %s", forms[0].StopName)
	stopIDs := []int{forms[0].StopID}
	if len(forms) > 1 {
		text = fmt.Sprintf("You have %d forms to complete", len(forms))
		stopIDs = nil
		for _, f := range forms {
			stopIDs = append(stopIDs, f.StopID)
		}
	}
	s.Enqueue(ctx, Message{
		MessageID: messageID,
		Text:      text,
		Priority:  PriorityCompleteForm,
		StopIDs:   stopIDs,
	})
}

func (s *Scheduler) removeByPriority(p Priority) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	var removed []Message
	for _, q := range s.queue {
		if q.Priority == p {
			removed = append(removed, q)
			continue
		}
		kept = append(kept, q)
	}
	s.queue = kept
	return removed
}

// containsPriority must be called with the mutex held.
func (s *Scheduler) containsPriority(p Priority) bool {
	for _, q := range s.queue {
		if q.Priority == p {
			return true
		}
	}
	return false
}

// LastSent returns the id of the currently displayed message, if any.
func (s *Scheduler) LastSent() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSent == nil {
		return 0, false
	}
	return s.lastSent.MessageID, true
}

// Clear cancels the countdown and empties the queue; part of trip teardown.
func (s *Scheduler) Clear(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdown.Cancel()
	s.countdownM = nil
	s.queue = nil
	s.lastSent = nil
	s.lastResponded = nil
	s.highShowing = false
}

package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arzzra/webphone/pkg/softphone"
)

const insertTimeout = 5 * time.Second

// Recorder слушает шину событий клиента и пишет историю вызовов и
// журнал сигнальных событий в Store.
//
// Запись в базу выполняется в отдельной горутине, чтобы не блокировать
// синхронную доставку событий клиента.
type Recorder struct {
	store *Store
	log   *slog.Logger

	mu      sync.Mutex
	current *openCall
	subs    []softphone.Subscription

	wg sync.WaitGroup
}

// openCall незавершенный вызов, ожидающий call:ended либо call:error
type openCall struct {
	record    CallRecord
	sawActive bool
}

// NewRecorder создает рекордер поверх хранилища
func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log}
}

// Attach подписывает рекордер на шину событий клиента
func (r *Recorder) Attach(events *softphone.Emitter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs,
		events.Subscribe(softphone.EventRegistrationChange, r.onRegistration),
		events.Subscribe(softphone.EventCallState, r.onCallState),
		events.Subscribe(softphone.EventCallEnded, r.onCallEnded),
		events.Subscribe(softphone.EventCallError, r.onCallError),
	)
}

// Detach отписывает рекордер и дожидается завершения отложенных записей
func (r *Recorder) Detach(events *softphone.Emitter) {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		events.Unsubscribe(sub)
	}
	r.wg.Wait()
}

func (r *Recorder) onRegistration(ev softphone.Event) {
	change, ok := ev.(softphone.RegistrationChange)
	if !ok {
		return
	}
	profileID := ""
	if change.Profile != nil {
		profileID = change.Profile.ID
	}
	detail := string(change.Status)
	if change.Cause != "" {
		detail = fmt.Sprintf("%s: %s", change.Status, change.Cause)
	}
	r.writeEvent(profileID, string(softphone.EventRegistrationChange), detail)
}

func (r *Recorder) onCallState(ev softphone.Event) {
	change, ok := ev.(softphone.CallStateChange)
	if !ok {
		return
	}
	profileID := ""
	if change.Profile != nil {
		profileID = change.Profile.ID
	}
	r.writeEvent(profileID, string(softphone.EventCallState), string(change.State))

	r.mu.Lock()
	switch change.State {
	case softphone.CallStateCalling, softphone.CallStateRinging:
		if r.current == nil {
			r.current = &openCall{record: CallRecord{
				ProfileID:      profileID,
				Direction:      string(change.Direction),
				RemoteIdentity: change.RemoteIdentity,
				StartedAt:      time.Now().UTC(),
			}}
		}
	case softphone.CallStateActive:
		if r.current != nil {
			r.current.sawActive = true
		}
	}
	r.mu.Unlock()
}

func (r *Recorder) onCallEnded(ev softphone.Event) {
	ended, ok := ev.(softphone.CallEnded)
	if !ok {
		return
	}
	r.writeEvent("", string(softphone.EventCallEnded), ended.Reason)
	r.closeCall(ended.Reason, false)
}

func (r *Recorder) onCallError(ev softphone.Event) {
	callErr, ok := ev.(softphone.CallError)
	if !ok {
		return
	}
	r.writeEvent("", string(softphone.EventCallError), callErr.Message)
	r.closeCall(callErr.Message, true)
}

// closeCall закрывает текущий вызов и сохраняет запись истории
func (r *Recorder) closeCall(cause string, failed bool) {
	r.mu.Lock()
	open := r.current
	r.current = nil
	r.mu.Unlock()
	if open == nil {
		return
	}

	record := open.record
	record.EndedAt = time.Now().UTC()
	record.Cause = cause
	switch {
	case failed:
		record.Outcome = OutcomeFailed
	case open.sawActive:
		record.Outcome = OutcomeCompleted
	case record.Direction == string(softphone.DirectionIncoming):
		record.Outcome = OutcomeMissed
	default:
		record.Outcome = OutcomeCanceled
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		if err := r.store.InsertCall(ctx, &record); err != nil {
			r.log.Warn("failed to persist call record",
				slog.String("error", err.Error()))
		}
	}()
}

func (r *Recorder) writeEvent(profileID, kind, detail string) {
	event := SignalingEvent{
		ProfileID: profileID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		defer cancel()
		if err := r.store.InsertEvent(ctx, &event); err != nil {
			r.log.Warn("failed to persist signaling event",
				slog.String("error", err.Error()))
		}
	}()
}

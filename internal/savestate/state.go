// Package savestate реализует клиентский автомат сохранения черновика котировки.
//
// Состояния: idle → saving → {saved | conflict | error}. Из conflict и error автомат
// возвращается в idle только по явному действию пользователя: таймеров и автоматических
// повторов здесь нет.
package savestate

import (
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// Kind — вид состояния автомата.
type Kind string

const (
	KindIdle     Kind = "idle"
	KindSaving   Kind = "saving"
	KindSaved    Kind = "saved"
	KindConflict Kind = "conflict"
	KindError    Kind = "error"
)

// ErrorKind различает классы ошибок в состоянии error.
type ErrorKind string

const (
	// Запрос не дошёл или ответ не получен; можно повторить.
	ErrorNetwork ErrorKind = "network"
	// Сервер вернул success=false с reason=error; можно повторить.
	ErrorServer ErrorKind = "server"
	// Сервер отверг хеш цен; попытка окончательно провалена.
	ErrorHashMismatch ErrorKind = "hash_mismatch"
	// Сервер отклонил содержимое как некорректное; повтор того же тела бесполезен.
	ErrorValidation ErrorKind = "validation"
)

// Retryable сообщает, разрешён ли явный повтор той же попытки.
func (k ErrorKind) Retryable() bool {
	return k == ErrorNetwork || k == ErrorServer
}

// State — состояние автомата с полезной нагрузкой конкретного вида.
type State struct {
	Kind     Kind
	Attempt  *domain.SaveAttempt
	Conflict *domain.Conflict
	Err      error
	ErrKind  ErrorKind
}

// snapshot копирует попытку и конфликт, чтобы вызывающий не делил их с координатором.
func (s State) snapshot() State {
	if s.Attempt != nil {
		attempt := *s.Attempt
		attempt.Content = attempt.Content.Clone()
		if attempt.Resolution != nil {
			resolution := *attempt.Resolution
			attempt.Resolution = &resolution
		}
		s.Attempt = &attempt
	}
	if s.Conflict != nil {
		conflict := *s.Conflict
		conflict.ServerContent = conflict.ServerContent.Clone()
		conflict.ClientContent = conflict.ClientContent.Clone()
		s.Conflict = &conflict
	}
	return s
}

// Idle возвращает начальное состояние.
func Idle() State {
	return State{Kind: KindIdle}
}

// String нужен для логов.
func (s State) String() string {
	if s.Kind == KindError {
		return fmt.Sprintf("%s(%s)", s.Kind, s.ErrKind)
	}
	return string(s.Kind)
}

// EventKind — входное событие автомата.
type EventKind string

const (
	EventSubmit           EventKind = "submit"
	EventSucceeded        EventKind = "succeeded"
	EventConflicted       EventKind = "conflicted"
	EventHashMismatch     EventKind = "hash_mismatch"
	EventFailed           EventKind = "failed"
	EventRetry            EventKind = "retry"
	EventAcknowledged     EventKind = "acknowledged"
	EventResolvedResubmit EventKind = "resolved_resubmit"
	EventResolvedDiscard  EventKind = "resolved_discard"
)

// Event несёт данные перехода.
type Event struct {
	Kind     EventKind
	Attempt  *domain.SaveAttempt
	Conflict *domain.Conflict
	Err      error
	ErrKind  ErrorKind
}

// ErrIllegalTransition возвращается, если событие недопустимо в текущем состоянии.
var ErrIllegalTransition = errors.New("illegal save state transition")

// Transition — чистая функция переходов автомата.
func Transition(from State, ev Event) (State, error) {
	illegal := func() (State, error) {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev.Kind, from)
	}

	switch ev.Kind {
	case EventSubmit:
		if from.Kind != KindIdle && from.Kind != KindSaved {
			return illegal()
		}
		if ev.Attempt == nil {
			return illegal()
		}
		return State{Kind: KindSaving, Attempt: ev.Attempt}, nil

	case EventRetry:
		if from.Kind != KindError || !from.ErrKind.Retryable() || ev.Attempt == nil {
			return illegal()
		}
		return State{Kind: KindSaving, Attempt: ev.Attempt}, nil

	case EventResolvedResubmit:
		if from.Kind != KindConflict || ev.Attempt == nil {
			return illegal()
		}
		return State{Kind: KindSaving, Attempt: ev.Attempt}, nil

	case EventResolvedDiscard:
		if from.Kind != KindConflict {
			return illegal()
		}
		return Idle(), nil

	case EventSucceeded:
		if from.Kind != KindSaving {
			return illegal()
		}
		return State{Kind: KindSaved, Attempt: ev.Attempt}, nil

	case EventConflicted:
		if from.Kind != KindSaving || ev.Conflict == nil {
			return illegal()
		}
		return State{Kind: KindConflict, Attempt: ev.Attempt, Conflict: ev.Conflict}, nil

	case EventHashMismatch:
		if from.Kind != KindSaving {
			return illegal()
		}
		return State{Kind: KindError, Attempt: ev.Attempt, Err: domain.ErrPricingHashMismatch, ErrKind: ErrorHashMismatch}, nil

	case EventFailed:
		if from.Kind != KindSaving || ev.ErrKind == "" || ev.ErrKind == ErrorHashMismatch {
			return illegal()
		}
		return State{Kind: KindError, Attempt: ev.Attempt, Err: ev.Err, ErrKind: ev.ErrKind}, nil

	case EventAcknowledged:
		switch from.Kind {
		case KindConflict, KindError, KindSaved:
			return Idle(), nil
		default:
			return illegal()
		}

	default:
		return illegal()
	}
}

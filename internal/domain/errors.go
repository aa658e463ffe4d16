package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound возвращается, если запись отсутствует в хранилище.
var ErrNotFound = errors.New("запись не найдена")

// ErrChannelNotResolved возвращается, если алиас не соответствует публичному каналу.
var ErrChannelNotResolved = errors.New("канал не найден")

// MalformedItemError: у сообщения нельзя определить идентичность или время.
type MalformedItemError struct {
	ChannelID int64
	ItemID    int64
	Reason    string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("malformed item %d/%d: %s", e.ChannelID, e.ItemID, e.Reason)
}

// TransientNetworkError: временный сбой удалённого вызова, допускающий повтор.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ThrottleError: сигнал удалённого API о необходимости подождать Wait.
type ThrottleError struct {
	Wait time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled, wait %s", e.Wait)
}

// RateLimitExceededError: исчерпаны повторы после сигналов ограничения.
type RateLimitExceededError struct {
	Op       string
	Attempts int
	LastWait time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded in %s after %d attempts (last wait %s)", e.Op, e.Attempts, e.LastWait)
}

// StorageError: ошибка хранилища (диск, блокировки, ограничения).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// SchemaMigrationError: схему не удалось привести к требуемому виду.
type SchemaMigrationError struct {
	Step string
	Err  error
}

func (e *SchemaMigrationError) Error() string {
	return fmt.Sprintf("schema migration %s: %v", e.Step, e.Err)
}

func (e *SchemaMigrationError) Unwrap() error { return e.Err }

// IsMalformed сообщает, является ли err ошибкой некорректного сообщения.
func IsMalformed(err error) bool {
	var target *MalformedItemError
	return errors.As(err, &target)
}

// AsThrottle извлекает длительность ожидания из сигнала ограничения.
func AsThrottle(err error) (time.Duration, bool) {
	var target *ThrottleError
	if errors.As(err, &target) {
		return target.Wait, true
	}
	return 0, false
}

// IsTransient сообщает, является ли err временным сетевым сбоем.
func IsTransient(err error) bool {
	var target *TransientNetworkError
	return errors.As(err, &target)
}

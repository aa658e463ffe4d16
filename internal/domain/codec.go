package domain

import (
	"encoding/json"
	"fmt"
)

// Кодек структурированных полей записи. Все вложенные поля хранятся как JSON-текст,
// encoding/json сортирует ключи map, поэтому повторная запись даёт те же байты.

// EncodeMedia возвращает тип вложения и JSON его метаданных (nil для none).
func EncodeMedia(m Media) (string, []byte, error) {
	if err := m.Validate(); err != nil {
		return "", nil, err
	}
	var payload any
	switch m.Kind {
	case MediaNone, "":
		return string(MediaNone), nil, nil
	case MediaPhoto:
		payload = m.Photo
	case MediaDocument:
		payload = m.Document
	case MediaPoll:
		payload = m.Poll
	case MediaWebPage:
		payload = m.WebPage
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode media %s: %w", m.Kind, err)
	}
	return string(m.Kind), data, nil
}

// DecodeMedia восстанавливает вложение из типа и JSON.
func DecodeMedia(kind string, data []byte) (Media, error) {
	m := Media{Kind: MediaKind(kind)}
	var err error
	switch m.Kind {
	case MediaNone, "":
		return NoMedia(), nil
	case MediaPhoto:
		m.Photo = &PhotoMeta{}
		err = json.Unmarshal(data, m.Photo)
	case MediaDocument:
		m.Document = &DocumentMeta{}
		err = json.Unmarshal(data, m.Document)
	case MediaPoll:
		m.Poll = &PollMeta{}
		err = json.Unmarshal(data, m.Poll)
	case MediaWebPage:
		m.WebPage = &WebPageMeta{}
		err = json.Unmarshal(data, m.WebPage)
	default:
		return Media{}, fmt.Errorf("decode media: unknown kind %q", kind)
	}
	if err != nil {
		return Media{}, fmt.Errorf("decode media %s: %w", kind, err)
	}
	return m, nil
}

// EncodeReactions кодирует реакции, пустой набор хранится как NULL.
func EncodeReactions(r Reactions) ([]byte, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return json.Marshal(map[string]int(r))
}

// DecodeReactions декодирует реакции.
func DecodeReactions(data []byte) (Reactions, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r Reactions
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return r, nil
}

// EncodeForward кодирует ссылку на источник пересылки.
func EncodeForward(f *ForwardRef) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

// DecodeForward декодирует ссылку на источник пересылки.
func DecodeForward(data []byte) (*ForwardRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f ForwardRef
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode forward: %w", err)
	}
	return &f, nil
}

// EncodeEntities кодирует разметку текста.
func EncodeEntities(entities []Entity) ([]byte, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	return json.Marshal(entities)
}

// DecodeEntities декодирует разметку текста.
func DecodeEntities(data []byte) ([]Entity, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var entities []Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode entities: %w", err)
	}
	return entities, nil
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Asset — запись об артефакте, произведённом стадией
// (CSV, изображение, zip-бандл). Сами байты живут в объектном
// хранилище, здесь только ссылка.
type Asset struct {
	// ID — уникальный идентификатор записи.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на run.
	RunID uuid.UUID `json:"run_id"`

	// Stage — стадия, создавшая артефакт.
	Stage string `json:"stage"`

	// Type — тип артефакта ("csv", "image", "bundle", "report").
	Type string `json:"type"`

	// StorageKey — ключ в объектном хранилище.
	StorageKey string `json:"storage_key"`

	// Extra — дополнительные метаданные (размеры, sha256 и т.п.).
	Extra map[string]any `json:"extra,omitempty"`

	// CreatedAt — время записи.
	CreatedAt time.Time `json:"created_at"`
}

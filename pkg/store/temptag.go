package store

import (
	"sync"

	"blobshare/pkg/types"
)

// TempTag keeps content alive in a store until released. Release is
// idempotent and safe to call from any goroutine.
type TempTag struct {
	content types.HashAndFormat
	once    sync.Once
	release func(types.HashAndFormat)
}

// NewTempTag returns a tag that calls release exactly once. A nil
// release makes a tag that pins nothing.
func NewTempTag(content types.HashAndFormat, release func(types.HashAndFormat)) *TempTag {
	return &TempTag{content: content, release: release}
}

func (t *TempTag) Content() types.HashAndFormat {
	return t.content
}

func (t *TempTag) Hash() types.Hash {
	return t.content.Hash
}

func (t *TempTag) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.release != nil {
			t.release(t.content)
		}
	})
}

// ReleaseAll releases every tag in tags.
func ReleaseAll(tags []*TempTag) {
	for _, t := range tags {
		t.Release()
	}
}

// Pin protects content that is already in the store.
func (s *Store) Pin(content types.HashAndFormat) *TempTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinLocked(content)
}

func (s *Store) pinLocked(content types.HashAndFormat) *TempTag {
	s.pins[content]++
	return NewTempTag(content, s.unpin)
}

func (s *Store) unpin(content types.HashAndFormat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pins[content] <= 1 {
		delete(s.pins, content)
		return
	}
	s.pins[content]--
}

// PinCount reports how many live temp tags reference content.
func (s *Store) PinCount(content types.HashAndFormat) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[content]
}

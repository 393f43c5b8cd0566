package client

import "sync"

// Buffer is an in-memory Editor. onChange runs after every remote update.
type Buffer struct {
	mu       sync.Mutex
	value    string
	language string
	onChange func(value, language string)
}

func NewBuffer(onChange func(value, language string)) *Buffer {
	return &Buffer{onChange: onChange}
}

func (b *Buffer) Value() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

func (b *Buffer) Language() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.language
}

func (b *Buffer) SetValue(text string) {
	b.mu.Lock()
	b.value = text
	lang := b.language
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange(text, lang)
	}
}

func (b *Buffer) SetLanguage(tag string) {
	b.mu.Lock()
	b.language = tag
	value := b.value
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange(value, tag)
	}
}

package session

import "sync"

// ImageCache holds an uploaded image between upload and the first persisted
// assistant message, so a retry or regenerate can reuse the bytes without a
// photostore round-trip. The session clears it once the conversation has a
// persisted assistant message.
type ImageCache struct {
	mu   sync.Mutex
	data []byte
	mime string
}

func (c *ImageCache) Put(data []byte, mime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.mime = mime
}

func (c *ImageCache) Get() (data []byte, mime string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data, c.mime, c.data != nil
}

func (c *ImageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	c.mime = ""
}

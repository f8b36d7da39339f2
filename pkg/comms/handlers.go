package comms

import (
	"context"
	"encoding/json"
	"sync"
)

// MessageHandler receives the payload of a fire-and-forget message.
type MessageHandler func(payload json.RawMessage)

// RequestHandler answers a request. The returned value becomes the response payload;
// a returned *RemoteError keeps its code on the wire.
type RequestHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// handlerTable is the type-keyed dispatch table for business messages. Every
// registration gets its own generation so a stale unregister func cannot remove a
// handler that replaced it.
type handlerTable struct {
	mu       sync.RWMutex
	gen      uint64
	messages map[string]messageEntry
	requests map[string]requestEntry
}

type messageEntry struct {
	gen uint64
	h   MessageHandler
}

type requestEntry struct {
	gen uint64
	h   RequestHandler
}

func newHandlerTable() *handlerTable {
	return &handlerTable{
		messages: make(map[string]messageEntry),
		requests: make(map[string]requestEntry),
	}
}

func (t *handlerTable) setMessage(msgType string, h MessageHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	t.messages[msgType] = messageEntry{gen: gen, h: h}
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.messages[msgType]; ok && cur.gen == gen {
			delete(t.messages, msgType)
		}
	}
}

func (t *handlerTable) setRequest(msgType string, h RequestHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	t.requests[msgType] = requestEntry{gen: gen, h: h}
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if cur, ok := t.requests[msgType]; ok && cur.gen == gen {
			delete(t.requests, msgType)
		}
	}
}

func (t *handlerTable) message(msgType string) MessageHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messages[msgType].h
}

func (t *handlerTable) request(msgType string) RequestHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.requests[msgType].h
}

func (t *handlerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = make(map[string]messageEntry)
	t.requests = make(map[string]requestEntry)
}

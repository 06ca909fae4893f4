// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import "sync"

// loopbackBus is a single-process stand-in for the host's BroadcastChannel
// primitive: every message handed to Broadcast is delivered synchronously
// to every handler registered so far, mirroring the spec's Transport
// primitive contract without requiring a browser or a second tab.
type loopbackBus struct {
	mu       sync.Mutex
	handlers []func([]byte)
}

func (b *loopbackBus) Broadcast(data []byte) error {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (b *loopbackBus) OnMessage(handler func(data []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

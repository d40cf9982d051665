// Zaparoo Core
// Copyright (c) 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of Zaparoo Core.
//
// Zaparoo Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Zaparoo Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Zaparoo Core.  If not, see <http://www.gnu.org/licenses/>.

// Package events broadcasts game lifecycle transitions to in-process
// subscribers without letting a slow consumer block the supervisor.
package events

import (
	"context"
	"sync"

	"github.com/ZaparooProject/zaparoo-proton/pkg/helpers/syncutil"
	"github.com/ZaparooProject/zaparoo-proton/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBufferSize = 64
	// funcBufferSize is the queue length in front of callback subscribers.
	funcBufferSize = 256
)

type subscriber struct {
	ch     chan models.Event
	gameID string
}

// Bus reads events published by the supervisor and fans them out to
// subscribers using non-blocking sends. Events for one game reach each
// subscriber in publish order.
type Bus struct {
	ctx         context.Context
	source      chan models.Event
	stop        chan struct{}
	done        chan struct{}
	subscribers map[int]*subscriber
	funcs       sync.WaitGroup
	stopOnce    sync.Once
	mu          syncutil.RWMutex
	nextID      int
	started     bool
	closed      bool
}

// NewBus creates a bus whose source queue holds buffer events.
func NewBus(ctx context.Context, buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus{
		ctx:         ctx,
		source:      make(chan models.Event, buffer),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		subscribers: make(map[int]*subscriber),
	}
}

// Start runs the broadcast loop until Stop is called or the context ends.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		for {
			select {
			case ev := <-b.source:
				b.broadcast(ev)
			case <-b.stop:
				b.drain()
				log.Debug().Msg("event bus: stopped")
				b.closeAllSubscribers()
				return
			case <-b.ctx.Done():
				log.Debug().Msg("event bus: context cancelled, shutting down")
				b.closeAllSubscribers()
				return
			}
		}
	}()
}

// Publish queues ev for broadcast. It blocks only while the source queue is
// full and the broadcast loop is draining it. Before Start, or once the bus
// is stopped, a full queue drops the event instead.
func (b *Bus) Publish(ev models.Event) {
	select {
	case b.source <- ev:
		return
	default:
	}

	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()
	if !started {
		log.Warn().
			Str("game", ev.GameID).
			Stringer("state", ev.State).
			Msg("event bus not started and queue full, dropping event")
		return
	}

	select {
	case b.source <- ev:
	case <-b.stop:
		log.Debug().Str("game", ev.GameID).Msg("event bus stopped, dropping event")
	case <-b.ctx.Done():
	}
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.source:
			b.broadcast(ev)
		default:
			return
		}
	}
}

func (b *Bus) broadcast(ev models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if sub.gameID != "" && sub.gameID != ev.GameID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Warn().
				Int("subscriber_id", id).
				Str("game", ev.GameID).
				Stringer("state", ev.State).
				Msg("subscriber channel full, dropping event")
		}
	}
}

// Subscribe returns a channel of events for gameID, or for every game when
// gameID is empty, and an id for Unsubscribe. The channel is closed when
// the subscription ends.
func (b *Bus) Subscribe(gameID string, bufferSize int) (events <-chan models.Event, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id = b.nextID
	b.nextID++

	ch := make(chan models.Event, bufferSize)
	if b.closed {
		close(ch)
		return ch, id
	}
	b.subscribers[id] = &subscriber{ch: ch, gameID: gameID}

	log.Debug().
		Int("subscriber_id", id).
		Str("game", gameID).
		Int("buffer_size", bufferSize).
		Msg("new event subscriber registered")

	return ch, id
}

// SubscribeFunc calls fn for every event matching gameID. Calls happen one
// at a time on a dedicated goroutine, in publish order. The returned func
// ends the subscription.
func (b *Bus) SubscribeFunc(gameID string, fn func(models.Event)) (unsubscribe func()) {
	ch, id := b.Subscribe(gameID, funcBufferSize)

	b.funcs.Add(1)
	go func() {
		defer b.funcs.Done()
		for ev := range ch {
			fn(ev)
		}
	}()

	return func() { b.Unsubscribe(id) }
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// more than once.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
		log.Debug().Int("subscriber_id", id).Msg("event subscriber unsubscribed")
	}
}

// Stop delivers any queued events, closes every subscription and waits for
// callback subscribers to finish.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })

	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()

	if started {
		<-b.done
	} else {
		b.closeAllSubscribers()
	}
	b.funcs.Wait()
}

func (b *Bus) closeAllSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		log.Debug().Int("subscriber_id", id).Msg("closed event subscriber on shutdown")
	}
	b.subscribers = make(map[int]*subscriber)
	b.closed = true
}

/*
Copyright 2021 The Custodian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pubsub implements single-process broadcast topics feeding the
// websocket endpoints. Each subscriber owns a fixed-depth ring; a slow
// subscriber loses its oldest messages, never the publisher's time.
// There is no persistence and no cross-process delivery.
package pubsub

import (
	"sync"
)

// DefaultDepth is the per-subscriber ring depth used by Subscribe.
const DefaultDepth = 16

// Topic fans messages out to its current subscribers.
type Topic struct {
	name string
	// repeatLast topics redeliver the most recent message to each new
	// subscriber, so late-joining dashboards see current state.
	repeatLast bool

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	last    interface{}
	hasLast bool
}

// NewTopic creates a broadcast topic.
func NewTopic(name string) *Topic {
	return &Topic{name: name, subs: map[*Subscription]struct{}{}}
}

// NewRepeatLastTopic creates a topic that replays the most recent
// message to every new subscriber.
func NewRepeatLastTopic(name string) *Topic {
	t := NewTopic(name)
	t.repeatLast = true
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Publish delivers msg to every subscriber without ever blocking. A
// subscriber whose ring is full drops its oldest message to make room.
func (t *Topic) Publish(msg interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.repeatLast {
		t.last = msg
		t.hasLast = true
	}
	for sub := range t.subs {
		sub.push(msg)
	}
}

// Subscribe registers a new subscriber with the default ring depth.
func (t *Topic) Subscribe() *Subscription {
	return t.SubscribeDepth(DefaultDepth)
}

// SubscribeDepth registers a new subscriber with the given ring depth.
func (t *Topic) SubscribeDepth(depth int) *Subscription {
	if depth < 1 {
		depth = 1
	}
	sub := &Subscription{
		topic: t,
		ch:    make(chan interface{}, depth),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[sub] = struct{}{}
	if t.repeatLast && t.hasLast {
		sub.push(t.last)
	}
	return sub
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	topic *Topic
	ch    chan interface{}

	mu     sync.Mutex
	closed bool
}

// Chan returns the channel messages arrive on. It is closed when the
// subscription is cancelled.
func (s *Subscription) Chan() <-chan interface{} {
	return s.ch
}

// Close cancels the subscription and closes its channel.
func (s *Subscription) Close() {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// push enqueues msg, evicting the oldest entry when the ring is full.
// Callers hold the topic lock, which also orders pushes.
func (s *Subscription) push(msg interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

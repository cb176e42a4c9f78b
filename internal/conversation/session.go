// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation holds the session transcript and its busy token.
package conversation

import (
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned by Acquire while another operation holds the token.
	ErrBusy = errors.New("session busy: another request is in flight")

	// ErrClosed is returned by Append after Close. The message is discarded.
	ErrClosed = errors.New("session closed")
)

// Role is who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Flag marks assistant messages that report a problem.
type Flag string

const (
	FlagNone    Flag = ""
	FlagError   Flag = "error"
	FlagWarning Flag = "warning"
)

// Message is one transcript entry. Messages are values; once appended they
// are never modified.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time
	Flag      Flag
	ModelName string
}

// UserMessage builds a user message stamped now.
func UserMessage(content string) Message {
	return Message{ID: uuid.NewString(), Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// AssistantMessage builds an assistant message stamped now.
func AssistantMessage(content string, flag Flag, model string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		Flag:      flag,
		ModelName: model,
	}
}

// Session is an append-only transcript shared by the router and the
// ingestion pipeline.
//
// Thread Safety: all methods are safe for concurrent use. Ordering between
// writers is the caller's job; the busy token exists for that.
type Session struct {
	mu       sync.RWMutex
	messages []Message
	closed   bool
	onAppend []func(Message)

	busy sync.Mutex
	held bool
}

// New creates an empty session.
func New() *Session {
	return &Session{messages: make([]Message, 0, 64)}
}

// Append adds msg to the end of the transcript.
//
// A missing ID or Timestamp is filled in. After Close the message is
// dropped and ErrClosed returned.
func (s *Session) Append(msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.messages = append(s.messages, msg)
	observers := s.onAppend
	s.mu.Unlock()

	for _, fn := range observers {
		fn(msg)
	}
	return nil
}

// OnAppend registers fn to be called after each successful Append.
func (s *Session) OnAppend(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = append(s.onAppend[:len(s.onAppend):len(s.onAppend)], fn)
}

// Transcript returns the messages present now, in order.
//
// The sequence can be ranged over any number of times and always yields
// the same messages: later appends are not visible through it.
func (s *Session) Transcript() iter.Seq[Message] {
	s.mu.RLock()
	snapshot := s.messages[:len(s.messages):len(s.messages)]
	s.mu.RUnlock()

	return func(yield func(Message) bool) {
		for _, m := range snapshot {
			if !yield(m) {
				return
			}
		}
	}
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Acquire takes the busy token without waiting.
//
// Outputs:
//
//	release - Returns the token. Idempotent; call it with defer.
//	error - ErrBusy when the token is held, ErrClosed after Close.
func (s *Session) Acquire() (release func(), err error) {
	if s.Closed() {
		return nil, ErrClosed
	}

	s.busy.Lock()
	defer s.busy.Unlock()
	if s.held {
		return nil, ErrBusy
	}
	s.held = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.busy.Lock()
			s.held = false
			s.busy.Unlock()
		})
	}, nil
}

// Busy reports whether the token is held.
func (s *Session) Busy() bool {
	s.busy.Lock()
	defer s.busy.Unlock()
	return s.held
}

// Close ends the session. Later appends are discarded. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package mood

import (
	"context"
	"log/slog"

	"github.com/qvtbox/qvtbox-go/internal/entity"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// Service records entries and keeps the matching daily bubble in step.
// Bubbles are produced here, on the server, never by clients.
type Service struct {
	repo   *Repository
	logger *slog.Logger
}

// NewService creates a service.
func NewService(repo *Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Repository returns the underlying repository.
func (s *Service) Repository() *Repository { return s.repo }

// Record saves the entry of userID and refreshes its bubble. A bubble
// failure is logged and does not fail the entry write.
func (s *Service) Record(ctx context.Context, userID string, in Input) (Entry, error) {
	e, err := s.repo.Save(ctx, userID, in)
	if err != nil {
		return Entry{}, err
	}
	if _, err := s.repo.SaveBubble(ctx, BubbleFor(e)); err != nil {
		s.logger.Warn("failed to produce daily bubble", "user_id", userID, "date", e.Date, "error", err)
	}
	return e, nil
}

// Remove deletes an entry and its bubble.
func (s *Service) Remove(ctx context.Context, userID string, e Entry) error {
	if e.UserID != userID {
		return ErrNotOwner
	}
	if err := s.repo.Delete(ctx, userID, e.ID); err != nil {
		return err
	}
	if err := s.repo.DeleteBubble(ctx, userID, e.Date); err != nil {
		s.logger.Warn("failed to remove daily bubble", "user_id", userID, "date", e.Date, "error", err)
	}
	return nil
}

func userChannel(table, userID string) []gateway.Channel {
	f := gateway.Eq("user_id", userID)
	return []gateway.Channel{{Name: table + ":" + userID, Table: table, Filter: &f}}
}

// NewEntriesHook builds the live entry list of one user (scope = user id).
func NewEntriesHook(repo *Repository, rt gateway.Realtime, opts entity.Options) (*entity.Hook[Entry], error) {
	return entity.New(entity.Spec[Entry]{
		Name: "mood_entries",
		Key:  func(e Entry) string { return e.ID },
		Less: NewerEntry,
		Fetch: func(ctx context.Context, userID string) ([]Entry, error) {
			return repo.Entries(ctx, userID, Range{})
		},
		Decode:   DecodeEntry,
		Channels: func(userID string) []gateway.Channel { return userChannel(EntriesTable, userID) },
		InScope:  func(userID string, e Entry) bool { return e.UserID == userID },
	}, rt, opts)
}

// NewBubblesHook builds the live bubble list of one user.
func NewBubblesHook(repo *Repository, rt gateway.Realtime, opts entity.Options) (*entity.Hook[Bubble], error) {
	return entity.New(entity.Spec[Bubble]{
		Name: "daily_bubbles",
		Key:  func(b Bubble) string { return b.ID },
		Less: NewerBubble,
		Fetch: func(ctx context.Context, userID string) ([]Bubble, error) {
			return repo.Bubbles(ctx, userID, Range{})
		},
		Decode:   DecodeBubble,
		Channels: func(userID string) []gateway.Channel { return userChannel(BubblesTable, userID) },
		InScope:  func(userID string, b Bubble) bool { return b.UserID == userID },
	}, rt, opts)
}

// SaveWith records in through the hook so the returned row lands in its cache.
func (s *Service) SaveWith(ctx context.Context, hook *entity.Hook[Entry], userID string, in Input) (Entry, error) {
	var saved Entry
	err := hook.Mutate(ctx, "save", func(ctx context.Context) (entity.Result[Entry], error) {
		e, err := s.Record(ctx, userID, in)
		if err != nil {
			return entity.Result[Entry]{}, err
		}
		saved = e
		return entity.Upserted(e), nil
	})
	return saved, err
}

// DeleteWith removes an entry through the hook.
func (s *Service) DeleteWith(ctx context.Context, hook *entity.Hook[Entry], userID string, e Entry) error {
	return hook.Mutate(ctx, "delete", func(ctx context.Context) (entity.Result[Entry], error) {
		if err := s.Remove(ctx, userID, e); err != nil {
			return entity.Result[Entry]{}, err
		}
		return entity.Removed[Entry](e.ID), nil
	})
}

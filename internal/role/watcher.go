// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package role

import (
	"context"

	"github.com/qvtbox/qvtbox-go/internal/entity"
	"github.com/qvtbox/qvtbox-go/internal/gateway"
)

// NewHook builds the live role hook. Its scope is a user id.
func NewHook(repo *Repository, rt gateway.Realtime, opts entity.Options) (*entity.Hook[Assignment], error) {
	return entity.New(entity.Spec[Assignment]{
		Name:   "user_role",
		Key:    func(a Assignment) string { return a.ID },
		Less:   Newer,
		Fetch:  repo.List,
		Decode: Decode,
		Channels: func(userID string) []gateway.Channel {
			f := gateway.Eq("user_id", userID)
			return []gateway.Channel{{Name: Table + ":" + userID, Table: Table, Filter: &f}}
		},
		InScope: func(userID string, a Assignment) bool { return a.UserID == userID },
	}, rt, opts)
}

// Watcher keeps the effective role of one user current.
type Watcher struct {
	hook   *entity.Hook[Assignment]
	policy Policy
}

// NewWatcher wraps a role hook.
func NewWatcher(hook *entity.Hook[Assignment], policy Policy) *Watcher {
	return &Watcher{hook: hook, policy: policy}
}

// Watch starts following userID.
func (w *Watcher) Watch(ctx context.Context, userID string) error {
	return w.hook.Rescope(ctx, userID)
}

// Current returns the effective role, Default while nothing is loaded.
func (w *Watcher) Current() Role {
	return Effective(w.hook.Snapshot().Data, w.policy)
}

// HasAtLeast reports whether the watched user holds min or higher.
func (w *Watcher) HasAtLeast(min Role) bool {
	return w.Current().AtLeast(min)
}

// Hook exposes the underlying hook.
func (w *Watcher) Hook() *entity.Hook[Assignment] { return w.hook }

// Close tears the hook down.
func (w *Watcher) Close() { w.hook.Teardown() }

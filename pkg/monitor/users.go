// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package monitor

import (
	"os/user"
	"strconv"
	"sync"
)

// UserResolver maps a numeric UID to a display name. The monitor caches
// the result per process entry, so resolvers are consulted once per
// entry.
type UserResolver interface {
	Lookup(uid uint32) string
}

// NewUserResolver returns a resolver backed by the system user database
// with an in-process cache. Unknown UIDs resolve to their decimal form.
func NewUserResolver() UserResolver {
	return &cachingResolver{names: make(map[uint32]string)}
}

type cachingResolver struct {
	mu    sync.Mutex
	names map[uint32]string
}

func (r *cachingResolver) Lookup(uid uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name, ok := r.names[uid]; ok {
		return name
	}

	name := strconv.FormatUint(uint64(uid), 10)
	if u, err := user.LookupId(name); err == nil && u.Username != "" {
		name = u.Username
	}

	r.names[uid] = name
	return name
}

// truncateName shortens a username to 8 codepoints for display.
func truncateName(name string) string {
	runes := []rune(name)
	if len(runes) <= 8 {
		return name
	}
	return string(runes[:8])
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package instrument

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Identity names the destination a pipeline exports to: the collector,
// the credentials and the resource it stamps on every span. Two Configs
// with the same Identity would produce indistinguishable exports.
type Identity string

// Short returns the first 12 characters, for logs.
func (id Identity) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}

// Identity returns the destination identity of c after defaults.
func (c Config) Identity() Identity {
	c = c.applyDefaults()
	h := sha256.New()
	write := func(s string) {
		io.WriteString(h, strconv.Itoa(len(s)))
		io.WriteString(h, ":")
		io.WriteString(h, s)
	}
	write(string(c.Exporter))
	write(strings.TrimSpace(c.Endpoint))
	write(strconv.FormatBool(c.Insecure))
	write(strings.TrimSpace(c.SpaceID))
	write(strings.TrimSpace(c.APIKey))
	write(strings.TrimSpace(c.ProjectName))
	write(strings.TrimSpace(c.ModelID))
	write(c.ServiceName)
	write(c.Environment)

	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(c.Headers[k])
	}
	return Identity(hex.EncodeToString(h.Sum(nil)))
}

// lease counts the holders of one shared pipeline.
type lease struct {
	state *TracerState
	refs  int
}

// Release gives back a pipeline obtained from Acquire. Only the first call
// has an effect; the last holder's release flushes and shuts the pipeline
// down.
type Release func(ctx context.Context) error

// Acquire returns the live pipeline for cfg's destination identity, building
// it only when none exists.
//
// # Description
//
// Every holder of an identity shares one TracerState, so a destination never
// has two exporters open at once. The process-level state installed by
// Configure takes part in the sharing: acquiring the same identity returns
// Current(). The pipeline is shut down when the last holder releases it.
//
// # Outputs
//
//   - *TracerState: The shared state. Do not Shutdown it directly.
//   - Release: Drops this holder's reference.
//   - error: *ConfigurationError for an invalid cfg, or an exporter error.
//
// # Examples
//
//	state, release, err := mgr.Acquire(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer release(ctx)
func (m *Manager) Acquire(ctx context.Context, cfg Config) (*TracerState, Release, error) {
	if ctx == nil {
		return nil, nil, ErrNilContext
	}
	cfg = cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	state, err := m.acquireLocked(ctx, cfg)
	m.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	var releaseErr error
	release := func(ctx context.Context) error {
		once.Do(func() {
			m.mu.Lock()
			last := m.releaseLocked(state)
			m.mu.Unlock()
			if last {
				releaseErr = state.Shutdown(ctx)
			}
		})
		return releaseErr
	}
	return state, release, nil
}

// Leases returns how many holders share the pipeline for id, counting the
// process-level installation. Zero means no pipeline is live for id.
func (m *Manager) Leases(id Identity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[id]; ok {
		return l.refs
	}
	return 0
}

// acquireLocked takes a reference on the pipeline for cfg. cfg must be
// validated. Callers hold m.mu.
func (m *Manager) acquireLocked(ctx context.Context, cfg Config) (*TracerState, error) {
	id := cfg.Identity()
	if l, ok := m.leases[id]; ok && !l.state.isShutdown() {
		l.refs++
		return l.state, nil
	}

	state, err := m.buildState(ctx, cfg)
	if err != nil {
		return nil, err
	}
	state.identity = id
	if m.leases == nil {
		m.leases = make(map[Identity]*lease)
	}
	m.leases[id] = &lease{state: state, refs: 1}
	return state, nil
}

// releaseLocked drops one reference on state and reports whether it was the
// last. The caller shuts the state down after unlocking. Callers hold m.mu.
func (m *Manager) releaseLocked(state *TracerState) bool {
	l, ok := m.leases[state.identity]
	if !ok || l.state != state {
		return false
	}
	l.refs--
	if l.refs > 0 {
		return false
	}
	delete(m.leases, state.identity)
	return true
}

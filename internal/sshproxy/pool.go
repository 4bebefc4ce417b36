package sshproxy

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Start runs the pool sweeper on the configured interval.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.opts.SweepInterval), func() { m.Sweep() }); err != nil {
		return fmt.Errorf("schedule pool sweeper: %w", err)
	}
	c.Start()
	m.cron = c
	m.log.Info().Dur("interval", m.opts.SweepInterval).Msg("pool sweeper started")
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep evicts pool entries whose transport is gone, expires cached
// interactive answers and purges old audit rows. It returns the number of
// evicted entries.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	var dead []*Connection
	for key, e := range m.pool {
		if !e.Conn.Handle.Alive() {
			delete(m.pool, key)
			dead = append(dead, e.Conn)
		}
	}
	m.metrics.PoolSize.Set(float64(len(m.pool)))
	m.mu.Unlock()

	for _, conn := range dead {
		m.metrics.PoolEvictions.Inc()
		m.log.Info().Str("key", conn.Key).Msg("evicted dead pool entry")
		// Sessions still attached are released by the connection watcher.
		conn.closer()
	}

	if n := m.auth.expire(time.Now()); n > 0 {
		m.log.Debug().Int("count", n).Msg("expired cached interactive answers")
	}
	if _, err := m.audit.PurgeOlderThan(0); err != nil {
		m.log.Warn().Err(err).Msg("audit purge failed")
	}
	return len(dead)
}

// Pool returns a snapshot of the reusable connections, sorted by key.
func (m *Manager) Pool() []PoolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolInfo, 0, len(m.pool))
	for key, e := range m.pool {
		info := PoolInfo{Key: key, Alive: e.Conn.Handle.Alive()}
		for id := range e.Sessions {
			info.Sessions = append(info.Sessions, id)
		}
		sort.Strings(info.Sessions)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Package bans keeps the live list of banned names and addresses consulted
// when a client connects.
package bans

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNotBanned = errors.New("not banned")

type BanType string

const (
	BanTypeIP       BanType = "ip"
	BanTypeUsername BanType = "username"
)

type Ban struct {
	Type      BanType   `json:"type"`
	IP        string    `json:"ip,omitempty"`
	Name      string    `json:"name,omitempty"`
	Reason    string    `json:"reason"`
	BannedBy  string    `json:"banned_by"`
	BannedAt  time.Time `json:"banned_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Permanent bool      `json:"permanent"`
}

func (b *Ban) expired(now time.Time) bool {
	return !b.Permanent && now.After(b.ExpiresAt)
}

// Manager holds bans in memory and rewrites the file on every change. Names
// are matched case-insensitively.
type Manager struct {
	ipBans       map[string]*Ban
	usernameBans map[string]*Ban
	filePath     string
	now          func() time.Time
	mu           sync.RWMutex
}

func NewManager(filePath string) *Manager {
	return &Manager{
		ipBans:       make(map[string]*Ban),
		usernameBans: make(map[string]*Ban),
		filePath:     filePath,
		now:          time.Now,
	}
}

func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read bans file: %w", err)
	}

	var bans []*Ban
	if err := json.Unmarshal(data, &bans); err != nil {
		return fmt.Errorf("failed to parse bans file: %w", err)
	}

	now := m.now()
	m.ipBans = make(map[string]*Ban)
	m.usernameBans = make(map[string]*Ban)
	for _, ban := range bans {
		if ban.expired(now) {
			continue
		}
		switch ban.Type {
		case BanTypeIP:
			if ban.IP != "" {
				m.ipBans[ban.IP] = ban
			}
		case BanTypeUsername:
			if ban.Name != "" {
				m.usernameBans[strings.ToLower(ban.Name)] = ban
			}
		}
	}

	return nil
}

func (m *Manager) IsBanned(ip string) (bool, *Ban) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ban, exists := m.ipBans[ip]
	if !exists || ban.expired(m.now()) {
		return false, nil
	}
	return true, ban
}

func (m *Manager) IsBannedByName(name string) (bool, *Ban) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ban, exists := m.usernameBans[strings.ToLower(name)]
	if !exists || ban.expired(m.now()) {
		return false, nil
	}
	return true, ban
}

// Check reports the ban that keeps a client out, by name first and then by
// address.
func (m *Manager) Check(name, ip string) (*Ban, bool) {
	if banned, ban := m.IsBannedByName(name); banned {
		return ban, true
	}
	if banned, ban := m.IsBanned(ip); banned {
		return ban, true
	}
	return nil, false
}

// AddBan bans an address. A zero duration is permanent.
func (m *Manager) AddBan(ip, name, reason, bannedBy string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ipBans[ip] = m.newBan(BanTypeIP, ip, name, reason, bannedBy, duration)
	return m.saveUnlocked()
}

// AddBanByName bans a player name. A zero duration is permanent.
func (m *Manager) AddBanByName(name, reason, bannedBy string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usernameBans[strings.ToLower(name)] = m.newBan(BanTypeUsername, "", name, reason, bannedBy, duration)
	return m.saveUnlocked()
}

func (m *Manager) newBan(typ BanType, ip, name, reason, bannedBy string, duration time.Duration) *Ban {
	now := m.now()
	ban := &Ban{
		Type:      typ,
		IP:        ip,
		Name:      name,
		Reason:    reason,
		BannedBy:  bannedBy,
		BannedAt:  now,
		Permanent: duration == 0,
	}
	if duration > 0 {
		ban.ExpiresAt = now.Add(duration)
	}
	return ban
}

func (m *Manager) RemoveBan(ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ipBans[ip]; !ok {
		return fmt.Errorf("%w: %s", ErrNotBanned, ip)
	}
	delete(m.ipBans, ip)
	return m.saveUnlocked()
}

func (m *Manager) RemoveBanByName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(name)
	if _, ok := m.usernameBans[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotBanned, name)
	}
	delete(m.usernameBans, key)
	return m.saveUnlocked()
}

// GetAll returns the bans in effect, oldest first.
func (m *Manager) GetAll() []*Ban {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	bans := m.collect()
	out := bans[:0]
	for _, ban := range bans {
		if !ban.expired(now) {
			out = append(out, ban)
		}
	}
	return out
}

// Cleanup drops expired bans and saves when anything changed.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	changed := false
	for ip, ban := range m.ipBans {
		if ban.expired(now) {
			delete(m.ipBans, ip)
			changed = true
		}
	}
	for name, ban := range m.usernameBans {
		if ban.expired(now) {
			delete(m.usernameBans, name)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.saveUnlocked()
}

func (m *Manager) collect() []*Ban {
	bans := make([]*Ban, 0, len(m.ipBans)+len(m.usernameBans))
	for _, ban := range m.ipBans {
		bans = append(bans, ban)
	}
	for _, ban := range m.usernameBans {
		bans = append(bans, ban)
	}
	sort.Slice(bans, func(i, j int) bool {
		if !bans[i].BannedAt.Equal(bans[j].BannedAt) {
			return bans[i].BannedAt.Before(bans[j].BannedAt)
		}
		return bans[i].Name+bans[i].IP < bans[j].Name+bans[j].IP
	})
	return bans
}

func (m *Manager) saveUnlocked() error {
	if m.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(m.collect(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bans: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create bans directory: %w", err)
	}
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write bans file: %w", err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("failed to replace bans file: %w", err)
	}
	return nil
}

package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"readflow/pkg/domain"
)

// MemoryStore keeps all records in-process. It backs tests and local runs
// without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	conversions   map[string]domain.Conversion
	order         []string
	settings      map[string]domain.UserSettings // key: user ID
	byEmail       map[string]string              // personal email -> user ID
	subscriptions map[string]domain.Subscription
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversions:   make(map[string]domain.Conversion),
		settings:      make(map[string]domain.UserSettings),
		byEmail:       make(map[string]string),
		subscriptions: make(map[string]domain.Subscription),
	}
}

func (m *MemoryStore) SaveConversion(c domain.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conversions[c.ID]; !exists {
		m.order = append(m.order, c.ID)
	}
	m.conversions[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversion(id string) (domain.Conversion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversions[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversions(userID string, f ConversionFilter) ([]domain.Conversion, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matched := make([]domain.Conversion, 0)
	for _, id := range m.order {
		c := m.conversions[id]
		if c.UserID != userID {
			continue
		}
		if f.Status != "" && string(c.Status) != f.Status {
			continue
		}
		if f.Search != "" && !matchesSearch(c, f.Search) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	page := f.Page
	if page < 1 {
		page = 1
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= len(matched) {
		return []domain.Conversion{}, total, nil
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func matchesSearch(c domain.Conversion, search string) bool {
	search = strings.ToLower(search)
	return strings.Contains(strings.ToLower(c.Title), search) ||
		strings.Contains(strings.ToLower(c.Author), search) ||
		strings.Contains(strings.ToLower(c.Source), search)
}

func (m *MemoryStore) MarkCompleted(id, fileURL, storageKey string, fileSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversions[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	c.Status = domain.StatusCompleted
	c.FileURL = fileURL
	c.FileSize = fileSize
	c.StorageKey = storageKey
	c.Error = ""
	c.CompletedAt = &now
	c.UpdatedAt = now
	m.conversions[id] = c
	return nil
}

func (m *MemoryStore) MarkFailed(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversions[id]
	if !ok {
		return nil
	}
	c.Status = domain.StatusFailed
	c.Error = errMsg
	c.UpdatedAt = time.Now().UTC()
	m.conversions[id] = c
	return nil
}

func (m *MemoryStore) MarkPending(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversions[id]
	if !ok {
		return nil
	}
	c.Status = domain.StatusPending
	c.Error = ""
	c.UpdatedAt = time.Now().UTC()
	m.conversions[id] = c
	return nil
}

func (m *MemoryStore) SetDeliveredAt(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversions[id]
	if !ok {
		return nil
	}
	c.DeliveredAt = &at
	c.UpdatedAt = time.Now().UTC()
	m.conversions[id] = c
	return nil
}

func (m *MemoryStore) CountConversionsSince(userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.conversions {
		if c.UserID == userID && !c.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) SaveUserSettings(u domain.UserSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.settings[u.UserID]; ok && prev.PersonalEmail != "" {
		delete(m.byEmail, strings.ToLower(prev.PersonalEmail))
	}
	m.settings[u.UserID] = u
	if u.PersonalEmail != "" {
		m.byEmail[strings.ToLower(u.PersonalEmail)] = u.UserID
	}
	return nil
}

func (m *MemoryStore) GetUserSettings(userID string) (domain.UserSettings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.settings[userID]
	return u, ok, nil
}

func (m *MemoryStore) GetUserSettingsByPersonalEmail(email string) (domain.UserSettings, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	userID, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return domain.UserSettings{}, false, nil
	}
	u, ok := m.settings[userID]
	return u, ok, nil
}

func (m *MemoryStore) SaveSubscription(sub domain.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.ID] = sub
	return nil
}

func (m *MemoryStore) HasActiveSubscription(userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.UserID == userID && sub.Status == "active" {
			return true, nil
		}
	}
	return false, nil
}

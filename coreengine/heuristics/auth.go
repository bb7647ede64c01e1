package heuristics

import (
	"context"
	"sync"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
)

// Directory is a static identity table.
type Directory struct {
	mu           sync.RWMutex
	users        map[string]orchestrator.User
	tokens       map[string]string
	allowUnknown bool
}

// NewDirectory builds a directory from the auth section of the service
// config.
func NewDirectory(cfg config.AuthConfig) *Directory {
	d := &Directory{
		users:        make(map[string]orchestrator.User),
		tokens:       make(map[string]string),
		allowUnknown: cfg.AllowUnknown,
	}
	for id, u := range cfg.Users {
		roles := u.Roles
		if len(roles) == 0 {
			roles = []string{"user"}
		}
		d.Add(orchestrator.User{
			UserID:   id,
			Email:    u.Email,
			Roles:    roles,
			TenantID: u.TenantID,
			IsActive: !u.Disabled,
		}, u.Token)
	}
	return d
}

// Add registers or replaces a user. An empty token registers none.
func (d *Directory) Add(u orchestrator.User, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.Roles = append([]string{}, u.Roles...)
	d.users[u.UserID] = u
	if token != "" {
		d.tokens[token] = u.UserID
	}
}

// ValidateToken implements orchestrator.AuthProvider.
func (d *Directory) ValidateToken(ctx context.Context, token string) (*orchestrator.User, error) {
	d.mu.RLock()
	userID, ok := d.tokens[token]
	d.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return d.GetUser(ctx, userID)
}

// GetUser implements orchestrator.AuthProvider.
func (d *Directory) GetUser(_ context.Context, userID string) (*orchestrator.User, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()

	if !ok {
		if !d.allowUnknown || userID == "" {
			return nil, nil
		}
		return &orchestrator.User{UserID: userID, Roles: []string{"user"}, IsActive: true}, nil
	}
	u.Roles = append([]string{}, u.Roles...)
	return &u, nil
}

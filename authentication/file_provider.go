package authentication

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileUserProvider is a UserProvider backed by a YAML user database.
// Password updates are written back to the file.
type FileUserProvider struct {
	mu     sync.RWMutex
	path   string
	params Argon2idParams
	users  map[string]*fileUser
}

type fileUser struct {
	HashedPassword string   `yaml:"password"`
	Email          string   `yaml:"email,omitempty"`
	Groups         []string `yaml:"groups,omitempty"`
}

type fileUserDatabase struct {
	Users map[string]*fileUser `yaml:"users"`
}

var _ UserProvider = (*FileUserProvider)(nil)

// NewFileUserProvider loads the user database at path.
func NewFileUserProvider(path string) (*FileUserProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading user database: %w", err)
	}
	var db fileUserDatabase
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parsing user database: %w", err)
	}
	if db.Users == nil {
		db.Users = make(map[string]*fileUser)
	}
	for name, u := range db.Users {
		if u == nil || u.HashedPassword == "" {
			return nil, fmt.Errorf("user %q has no password hash", name)
		}
	}
	return &FileUserProvider{
		path:   path,
		params: DefaultArgon2idParams(),
		users:  db.Users,
	}, nil
}

func (p *FileUserProvider) CheckUserPassword(_ context.Context, username, password string) error {
	p.mu.RLock()
	u, ok := p.users[username]
	p.mu.RUnlock()
	if !ok {
		return ErrUserNotFound
	}
	match, err := CheckPassword(password, u.HashedPassword)
	if err != nil {
		return fmt.Errorf("checking password for %q: %w", username, err)
	}
	if !match {
		return ErrInvalidCredentials
	}
	return nil
}

func (p *FileUserProvider) GetDetails(_ context.Context, username string) (*UserDetails, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	details := &UserDetails{
		Username: username,
		Groups:   append([]string(nil), u.Groups...),
	}
	if u.Email != "" {
		details.Emails = []string{u.Email}
	}
	return details, nil
}

func (p *FileUserProvider) UpdatePassword(_ context.Context, username, newPassword string) error {
	hash, err := HashPassword(newPassword, p.params)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	if !ok {
		return ErrUserNotFound
	}
	previous := u.HashedPassword
	u.HashedPassword = hash
	if err := p.persistLocked(); err != nil {
		u.HashedPassword = previous
		return err
	}
	return nil
}

// persistLocked writes the database back to disk. Caller holds p.mu.
func (p *FileUserProvider) persistLocked() error {
	data, err := yaml.Marshal(fileUserDatabase{Users: p.users})
	if err != nil {
		return fmt.Errorf("encoding user database: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing user database: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replacing user database: %w", err)
	}
	return nil
}

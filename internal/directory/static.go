// Package directory provides the user directory consulted when resolving
// role and manager escalation targets.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/escalate/model"
)

type directoryFile struct {
	Users []model.User `yaml:"users"`
}

// StaticDirectory serves users from a YAML file. UsersByRole returns users
// in file order.
type StaticDirectory struct {
	path string

	mu    sync.RWMutex
	users []model.User
	byID  map[string]int
}

// NewStaticDirectory loads the directory from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewStaticDirectoryFromUsers builds a directory from an in-memory list.
func NewStaticDirectoryFromUsers(users []model.User) (*StaticDirectory, error) {
	d := &StaticDirectory{}
	if err := d.set(users); err != nil {
		return nil, err
	}
	return d, nil
}

// Sync reloads the directory file from disk.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", d.path, err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", d.path, err)
	}
	if err := d.set(f.Users); err != nil {
		return fmt.Errorf("directory: %s: %w", d.path, err)
	}
	return nil
}

func (d *StaticDirectory) set(users []model.User) error {
	byID := make(map[string]int, len(users))
	for i, u := range users {
		if u.ID == "" {
			return fmt.Errorf("user at index %d has no id", i)
		}
		if _, dup := byID[u.ID]; dup {
			return fmt.Errorf("duplicate user id %q", u.ID)
		}
		byID[u.ID] = i
	}

	d.mu.Lock()
	d.users = users
	d.byID = byID
	d.mu.Unlock()
	return nil
}

// User returns the user with the given ID.
func (d *StaticDirectory) User(_ context.Context, id string) (model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	i, ok := d.byID[id]
	if !ok {
		return model.User{}, model.NewNotFoundError(fmt.Sprintf("user %q not found", id))
	}
	return d.users[i], nil
}

// UsersByRole returns every user holding role, in directory order.
func (d *StaticDirectory) UsersByRole(_ context.Context, role string) ([]model.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []model.User
	for _, u := range d.users {
		if u.HasRole(role) {
			out = append(out, u)
		}
	}
	return out, nil
}

// Len returns the number of users.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

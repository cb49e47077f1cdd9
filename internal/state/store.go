// internal/state/store.go
package state

import (
	"fmt"

	"github.com/user/chatrelay/internal/types"
)

// Open returns the group store for the named driver ("sqlite" or "json").
func Open(driver, path string) (types.GroupStore, error) {
	var (
		store types.GroupStore
		err   error
	)
	switch driver {
	case "", "sqlite":
		store, err = OpenSQLite(path)
	case "json":
		store, err = NewFileStore(path)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", driver)
	}
	if err != nil {
		// Avoid returning a typed nil inside the interface.
		return nil, err
	}
	return store, nil
}

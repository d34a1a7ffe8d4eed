package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"retro/server/internal/directory"
)

// createRegKey allocates a unique single-use registration key, records it
// in server.db, and writes its hex form to path for handing to the new
// user.
func createRegKey(dir *directory.Directory, path string) error {
	key, err := dir.NewUniqueRegKey()
	if err != nil {
		return fmt.Errorf("allocate regkey: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write regkey file: %w", err)
	}
	fmt.Printf("Registration key written to %s\n", path)
	return nil
}

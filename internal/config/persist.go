package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Persist writes explicitly supplied persisted settings back to local.yaml
// when they differ from the stored values. Settings that were not supplied
// keep their stored value. It reports whether the file was rewritten.
func (c *Config) Persist() (bool, error) {
	supplied := lo.PickByKeys(c.overrides, PersistedKeys)
	if len(supplied) == 0 {
		return false, nil
	}

	path := c.Path(FileName)
	stored, err := readNode(path)
	if err != nil {
		return false, err
	}
	updated := stored
	if err := mapstructure.WeakDecode(supplied, &updated); err != nil {
		return false, fmt.Errorf("apply settings: %w", err)
	}
	if updated == stored {
		return false, nil
	}
	if err := writeNode(path, updated); err != nil {
		return false, err
	}
	return true, nil
}

// Identity stores the node guid in local.yaml. It implements
// primenet.IdentityStore.
type Identity struct {
	path string

	mu   sync.Mutex
	guid string
}

// Identity returns the guid store backed by this configuration's node file.
func (c *Config) Identity() *Identity {
	return &Identity{path: c.Path(FileName), guid: c.Node.GUID}
}

func (i *Identity) GUID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.guid
}

// SaveGUID records guid in local.yaml, leaving the other settings intact.
func (i *Identity) SaveGUID(guid string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	node, err := readNode(i.path)
	if err != nil {
		return err
	}
	node.GUID = guid
	if err := writeNode(i.path, node); err != nil {
		return err
	}
	i.guid = guid
	return nil
}

func readNode(path string) (Node, error) {
	var node Node
	// #nosec G304 -- path is the operator-configured work dir
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return node, nil
		}
		return node, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &node); err != nil {
		return node, fmt.Errorf("parse %s: %w", path, err)
	}
	return node, nil
}

// writeNode replaces the node file atomically. The file holds the account
// password, so it is private to the owner.
func writeNode(path string, node Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return fmt.Errorf("encode node config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode node config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp node config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp node config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp node config: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod temp node config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename node config: %w", err)
	}
	return nil
}

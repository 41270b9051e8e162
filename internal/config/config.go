// Package config loads the webhook source configuration from YAML and
// watches it for changes, so secrets can rotate and sources can be added
// without a restart.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opulenthorizons/leadsync/internal/leadsync"
)

// SourceSpec is one webhook source entry in the YAML file. Secret may be
// given inline or indirected through an environment variable; the env var
// wins when both are set.
type SourceSpec struct {
	Name            string         `yaml:"name"`
	Scheme          string         `yaml:"scheme"`
	Secret          string         `yaml:"secret"`
	SecretEnv       string         `yaml:"secretEnv"`
	SignatureHeader string         `yaml:"signatureHeader"`
	ChallengeField  string         `yaml:"challengeField"`
	Channel         string         `yaml:"channel"`
	PayloadSchema   map[string]any `yaml:"payloadSchema"`
}

type fileSpec struct {
	Sources []SourceSpec `yaml:"sources"`
}

// Load parses the source configuration at path.
func Load(path string) ([]leadsync.SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source config: %w", err)
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse source config: %w", err)
	}
	if len(spec.Sources) == 0 {
		return nil, fmt.Errorf("source config %s declares no sources", path)
	}

	sources := make([]leadsync.SourceConfig, 0, len(spec.Sources))
	for i, entry := range spec.Sources {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, fmt.Errorf("source config %s: entry %d has no name", path, i)
		}
		secret := entry.Secret
		if entry.SecretEnv != "" {
			if fromEnv := os.Getenv(entry.SecretEnv); fromEnv != "" {
				secret = fromEnv
			}
		}
		var schema string
		if len(entry.PayloadSchema) > 0 {
			encoded, err := json.Marshal(entry.PayloadSchema)
			if err != nil {
				return nil, fmt.Errorf("source config %s: source %s payload schema: %w", path, name, err)
			}
			schema = string(encoded)
		}
		sources = append(sources, leadsync.SourceConfig{
			Name:            name,
			Scheme:          strings.ToLower(strings.TrimSpace(entry.Scheme)),
			Secret:          secret,
			SignatureHeader: strings.TrimSpace(entry.SignatureHeader),
			ChallengeField:  strings.TrimSpace(entry.ChallengeField),
			Channel:         strings.ToLower(strings.TrimSpace(entry.Channel)),
			PayloadSchema:   schema,
		})
	}
	return sources, nil
}

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the source configuration whenever the file changes and hands
// the result to onReload. The parent directory is watched rather than the
// file itself because editors and config mounts replace files atomically.
// A reload that fails to parse keeps the previous configuration.
func Watch(ctx context.Context, path string, logger *log.Logger, onReload func([]leadsync.SourceConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
					timerC = timer.C
				} else {
					timer.Reset(reloadDebounce)
				}
			case <-timerC:
				sources, loadErr := Load(path)
				if loadErr != nil {
					logger.Printf("leadsync: config reload skipped: %v", loadErr)
					continue
				}
				logger.Printf("leadsync: reloaded %d webhook sources from %s", len(sources), path)
				onReload(sources)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("leadsync: config watcher error: %v", watchErr)
			}
		}
	}()
	return nil
}

package config

import (
	"context"
	"os"
	"time"
)

// WatchClinic reloads clinic.yaml on change and swaps the result into the
// provider. Polls the file's mtime; transient stat or parse errors keep the
// previous version active.
func WatchClinic(ctx context.Context, provider *ClinicProvider, interval time.Duration, onUpdate func(*ClinicConfig)) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	info, err := os.Stat(provider.path)
	if err != nil {
		return err
	}
	lastMod := info.ModTime()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(provider.path)
				if err != nil {
					continue // transient errors
				}
				if !info.ModTime().After(lastMod) {
					continue
				}
				cfg, err := LoadClinicConfig(provider.path)
				if err != nil {
					continue
				}
				lastMod = info.ModTime()
				provider.Swap(cfg)
				if onUpdate != nil {
					onUpdate(cfg)
				}
			}
		}
	}()

	return nil
}

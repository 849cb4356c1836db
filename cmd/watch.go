package cmd

import (
	"fmt"
	"time"

	"github.com/radovskyb/watcher"
	"go.uber.org/zap"

	"shardgate/internal/config"
)

// watchConfig polls path every interval and hands each valid rewrite of it to
// onChange. The returned func stops watching.
func watchConfig(path string, interval time.Duration, log *zap.Logger, onChange func(*config.Config)) (func(), error) {
	if interval < time.Millisecond {
		interval = time.Second
	}

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create)

	if err := w.Add(path); err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case <-w.Event:
				cfg, err := config.Load(path)
				if err != nil {
					log.Warn("ignoring invalid config change", zap.String("path", path), zap.Error(err))
					continue
				}
				onChange(cfg)

			case err := <-w.Error:
				log.Warn("config watcher failed", zap.Error(err))

			case <-w.Closed:
				return
			}
		}
	}()

	go func() {
		if err := w.Start(interval); err != nil {
			log.Warn("config watcher stopped", zap.Error(err))
		}
	}()
	w.Wait()

	return w.Close, nil
}

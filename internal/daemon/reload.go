package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/a2a_engine/internal/agents"
	"github.com/msageha/a2a_engine/internal/logging"
	"github.com/msageha/a2a_engine/internal/model"
	"github.com/msageha/a2a_engine/internal/quality"
)

const reloadDebounce = 200 * time.Millisecond

// ReloadResult reports the agent changes applied by a reload.
type ReloadResult struct {
	LogLevel   string   `json:"logLevel"`
	Registered []string `json:"registered"`
	Removed    []string `json:"removed"`
}

// reload re-reads config.yaml and applies its logging, pipeline and agents
// sections. Other sections take effect on the next start.
func (d *Daemon) reload() (ReloadResult, error) {
	cfg, err := model.LoadConfig(d.baseDir)
	if err != nil {
		return ReloadResult{}, err
	}

	d.logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))

	d.mu.Lock()
	d.config.Logging = cfg.Logging
	d.config.Pipeline = cfg.Pipeline
	d.config.Agents = cfg.Agents
	d.mu.Unlock()

	res, err := d.syncAgents(cfg)
	if err != nil {
		return ReloadResult{}, err
	}
	res.LogLevel = cfg.Logging.Level
	d.logger.With("daemon").Infof("config reloaded level=%s registered=%v removed=%v", res.LogLevel, res.Registered, res.Removed)
	return res, nil
}

// syncAgents makes the registry match the agents section: every declared
// agent is (re)registered and any other registered name is removed. An
// empty section registers the default pipeline.
func (d *Daemon) syncAgents(cfg model.Config) (ReloadResult, error) {
	cfgs := cfg.Agents
	if len(cfgs) == 0 {
		cfgs = agents.DefaultConfigs()
	}
	deps := agents.Deps{Tasks: d.store, Pipeline: cfg.Pipeline}
	if cfg.Pipeline.QualityRules != "" {
		critic, err := d.loadCritic(cfg.Pipeline.QualityRules)
		if err != nil {
			return ReloadResult{}, err
		}
		deps.Critic = critic
	}
	built, err := agents.Build(cfgs, deps)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("build agents: %w", err)
	}

	res := ReloadResult{Registered: []string{}, Removed: []string{}}
	keep := make(map[string]bool, len(built))
	for _, a := range built {
		if err := d.registry.Register(a); err != nil {
			return res, fmt.Errorf("register %s: %w", a.Descriptor().Name, err)
		}
		name := a.Descriptor().Name
		keep[name] = true
		res.Registered = append(res.Registered, name)
	}
	for _, desc := range d.registry.List() {
		if !keep[desc.Name] && d.registry.Unregister(desc.Name) {
			res.Removed = append(res.Removed, desc.Name)
		}
	}
	slices.Sort(res.Registered)
	return res, nil
}

// loadCritic builds a rule critic over the default scorer from a rules
// file relative to the runtime directory.
func (d *Daemon) loadCritic(path string) (*quality.RuleCritic, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(d.baseDir, path)
	}
	rules, err := quality.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load quality rules: %w", err)
	}
	d.logger.With("daemon").Infof("loaded %d quality rule(s) from %s", len(rules.Rules), path)
	return quality.NewRuleCritic(rules, &agents.StaticGenerator{}), nil
}

// watchConfig reloads after config.yaml changes, coalescing bursts of
// events into one reload.
func (d *Daemon) watchConfig(ctx context.Context) {
	log := d.logger.With("daemon")
	target := filepath.Join(d.baseDir, "config.yaml")
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.Debugf("config event op=%s", ev.Op)
			pending = time.After(reloadDebounce)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher: %v", err)
		case <-pending:
			pending = nil
			if _, err := d.reload(); err != nil {
				log.Errorf("reload config: %v", err)
			}
		}
	}
}

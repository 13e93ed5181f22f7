package app

import (
	"context"
	"strings"

	"casewatch/internal/config"
	logx "casewatch/pkg/logx"
)

// reloadLoop applies committed configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes newCfg into every component that supports live updates.
// Components reject nothing here: the config was validated before commit.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	if changed["logging"] {
		a.applyLogging(newCfg, mapLogConfig(newCfg))
	}

	if changed["task_engine"] || changed["scheduler"] {
		sc, err := mapSchedulerConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			if ec, err := mapEngineConfig(newCfg); err != nil {
				a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
			} else {
				a.engine.Apply(ctx, ec, sc.DrainGrace)
			}
			if err := a.sched.Apply(sc); err != nil {
				a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
			}
		}
	}

	if changed["poll"] {
		if pc, err := mapPollConfig(newCfg); err != nil {
			a.log.Warn("invalid poll config; keeping previous", logx.Err(err))
		} else {
			a.poller.Apply(pc)
		}
	}

	if changed["notifier"] {
		if nc, err := mapNotifierConfig(newCfg); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.dispatcher.Apply(nc)
		}
		if oldCfg.Notifier.Email != newCfg.Notifier.Email || oldCfg.Notifier.Telegram != newCfg.Notifier.Telegram {
			a.log.Warn("notifier channel settings changed; restart required for senders to pick them up")
		}
	}

	if changed["jurisdictions"] {
		a.applyJurisdictions(oldCfg, newCfg)
	}

	if changed["ops"] {
		if oc, err := mapOpsConfig(newCfg); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Apply(ctx, oc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyJurisdictions updates limits of registered plugins. Enabling or
// disabling a jurisdiction needs a restart.
func (a *App) applyJurisdictions(oldCfg, newCfg *config.Config) {
	for code := range jurisdictions {
		_, wasOn := jurisdictionEnabled(oldCfg, code)
		jc, isOn := jurisdictionEnabled(newCfg, code)
		if wasOn != isOn {
			a.log.Warn("jurisdiction enablement changed; restart required", logx.String("code", code), logx.Bool("enabled", isOn))
			continue
		}
		if !isOn {
			continue
		}
		if err := a.registry.SetLimits(code, mapLimits(jc)); err != nil {
			a.log.Warn("jurisdiction limits not applied", logx.String("code", code), logx.Err(err))
		}
	}
}

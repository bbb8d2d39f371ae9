package cliconfig

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitsmaxft/nanoclaw/internal/config"
	"github.com/hitsmaxft/nanoclaw/internal/store"
)

type DoctorStatus string

const (
	DoctorPass DoctorStatus = "pass"
	DoctorWarn DoctorStatus = "warn"
	DoctorFail DoctorStatus = "fail"
)

type DoctorCheck struct {
	Name    string
	Status  DoctorStatus
	Message string
}

type DoctorReport struct {
	Checks []DoctorCheck
}

// DoctorOptions controls the optional repair actions doctor can take beyond
// reporting. Both are off by default, so a plain "nanoclaw doctor" run never
// writes anything.
type DoctorOptions struct {
	Fix                  bool
	GenerateBridgeSecret bool
}

func (r DoctorReport) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == DoctorFail {
			return true
		}
	}
	return false
}

func RunDoctor() (DoctorReport, error) {
	return RunDoctorWithOptions(DoctorOptions{})
}

// RunDoctorWithOptions walks the §6 diagnostic checks in order, appending one
// DoctorCheck per step regardless of earlier failures, except where a failed
// step (an unresolvable config path, or a config that won't load) makes the
// remaining checks meaningless.
func RunDoctorWithOptions(opts DoctorOptions) (DoctorReport, error) {
	report := DoctorReport{Checks: make([]DoctorCheck, 0, 12)}

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "config_path",
			Status:  DoctorFail,
			Message: fmt.Sprintf("cannot resolve config path: %v", err),
		})
		return report, nil
	}

	if _, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "config_file",
				Status:  DoctorWarn,
				Message: fmt.Sprintf("config file not found at %s (defaults will be used)", cfgPath),
			})
		} else {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "config_file",
				Status:  DoctorFail,
				Message: fmt.Sprintf("cannot access config file: %v", err),
			})
		}
	} else {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "config_file",
			Status:  DoctorPass,
			Message: fmt.Sprintf("config file found at %s", cfgPath),
		})
	}

	if opts.Fix {
		envPath, mergedKeys, fixErr := mergeDiscoveredEnvFiles()
		if fixErr != nil {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "env_merge",
				Status:  DoctorFail,
				Message: fmt.Sprintf("failed to merge env files: %v", fixErr),
			})
		} else {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "env_merge",
				Status:  DoctorPass,
				Message: fmt.Sprintf("merged %d env key(s) into %s", mergedKeys, envPath),
			})
		}
	}

	cfg, err := config.Load()
	if err != nil {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "config_load",
			Status:  DoctorFail,
			Message: fmt.Sprintf("config load failed: %v", err),
		})
		return report, nil
	}
	report.Checks = append(report.Checks, DoctorCheck{
		Name:    "config_load",
		Status:  DoctorPass,
		Message: "config loaded successfully",
	})

	if opts.GenerateBridgeSecret {
		token, genErr := randomToken()
		if genErr != nil {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "bridge_secret",
				Status:  DoctorFail,
				Message: fmt.Sprintf("failed to generate secret: %v", genErr),
			})
		} else {
			cfg.Gateway.BridgeSecret = token
			if saveErr := config.Save(cfg); saveErr != nil {
				report.Checks = append(report.Checks, DoctorCheck{
					Name:    "bridge_secret",
					Status:  DoctorFail,
					Message: fmt.Sprintf("generated secret but failed to save config: %v", saveErr),
				})
			} else {
				report.Checks = append(report.Checks, DoctorCheck{
					Name:    "bridge_secret",
					Status:  DoctorPass,
					Message: "generated and saved gateway.bridgeSecret",
				})
			}
		}
	}

	for _, pc := range []struct {
		name, value, field string
	}{
		{"data_dir", cfg.Paths.DataDir, "paths.dataDir"},
		{"workspace_dir", cfg.Paths.WorkspaceDir, "paths.workspaceDir"},
		{"ipc_root", cfg.Paths.IPCRoot, "paths.ipcRoot"},
	} {
		if pc.value == "" {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    pc.name,
				Status:  DoctorFail,
				Message: fmt.Sprintf("%s is empty", pc.field),
			})
			continue
		}
		if err := os.MkdirAll(pc.value, 0o755); err != nil {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    pc.name,
				Status:  DoctorFail,
				Message: fmt.Sprintf("%s (%s) is not creatable: %v", pc.field, pc.value, err),
			})
			continue
		}
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    pc.name,
			Status:  DoctorPass,
			Message: fmt.Sprintf("%s: %s", pc.field, pc.value),
		})
	}

	if len(cfg.Dispatch.AgentCommand) == 0 {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "agent_command",
			Status:  DoctorFail,
			Message: "dispatch.agentCommand is empty: no agent binary to launch",
		})
	} else {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "agent_command",
			Status:  DoctorPass,
			Message: fmt.Sprintf("dispatch.agentCommand: %s", strings.Join(cfg.Dispatch.AgentCommand, " ")),
		})
	}

	report.Checks = append(report.Checks, checkMessenger(cfg))

	if cfg.Gateway.Enabled {
		if isLoopbackHost(cfg.Gateway.Host) {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "gateway_loopback",
				Status:  DoctorPass,
				Message: fmt.Sprintf("gateway.host is loopback (%s)", cfg.Gateway.Host),
			})
		} else {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "gateway_loopback",
				Status:  DoctorWarn,
				Message: fmt.Sprintf("gateway.host is non-loopback (%s); ensure this is intentional", cfg.Gateway.Host),
			})
		}
		if strings.TrimSpace(cfg.Gateway.BridgeSecret) == "" {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "bridge_secret_present",
				Status:  DoctorFail,
				Message: "gateway.enabled is true but gateway.bridgeSecret is empty; run with --generate-bridge-secret",
			})
		} else {
			report.Checks = append(report.Checks, DoctorCheck{
				Name:    "bridge_secret_present",
				Status:  DoctorPass,
				Message: "gateway.bridgeSecret is configured",
			})
		}
	} else {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "gateway_loopback",
			Status:  DoctorPass,
			Message: "gateway is disabled",
		})
	}

	if cfg.Scheduler.Enabled && cfg.Scheduler.TickInterval <= 0 {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "scheduler_tick",
			Status:  DoctorFail,
			Message: "scheduler.enabled is true but scheduler.tickInterval is zero",
		})
	} else {
		report.Checks = append(report.Checks, DoctorCheck{
			Name:    "scheduler_tick",
			Status:  DoctorPass,
			Message: fmt.Sprintf("scheduler enabled=%t tickInterval=%s", cfg.Scheduler.Enabled, cfg.Scheduler.TickInterval),
		})
	}

	report.Checks = append(report.Checks, checkMetrics(cfg))

	return report, nil
}

// checkMetrics reports the running counters recorded by internal/store's
// metrics_counters table, giving an operator a quick at-a-glance activity
// summary without a separate dashboard. A store that hasn't been opened yet
// (first run, before any message has been ingested) is a warn, not a fail.
func checkMetrics(cfg *config.Config) DoctorCheck {
	if cfg.Paths.DataDir == "" {
		return DoctorCheck{Name: "metrics", Status: DoctorWarn, Message: "paths.dataDir is empty; cannot read counters"}
	}
	dbPath := cfg.Paths.DataDir + "/nanoclaw.db"
	if _, err := os.Stat(dbPath); err != nil {
		return DoctorCheck{Name: "metrics", Status: DoctorWarn, Message: "store not yet created; no counters to report"}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return DoctorCheck{Name: "metrics", Status: DoctorWarn, Message: fmt.Sprintf("could not open store to read counters: %v", err)}
	}
	defer st.Close()

	counters, err := st.Counters()
	if err != nil {
		return DoctorCheck{Name: "metrics", Status: DoctorWarn, Message: fmt.Sprintf("could not read counters: %v", err)}
	}
	if len(counters) == 0 {
		return DoctorCheck{Name: "metrics", Status: DoctorPass, Message: "no counters recorded yet"}
	}
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counters[name]))
	}
	return DoctorCheck{Name: "metrics", Status: DoctorPass, Message: strings.Join(parts, " ")}
}

func checkMessenger(cfg *config.Config) DoctorCheck {
	switch cfg.Messenger.Active {
	case "whatsapp":
		if cfg.Messenger.WhatsApp.SessionDBPath == "" {
			return DoctorCheck{Name: "messenger", Status: DoctorFail, Message: "messenger.whatsapp.sessionDbPath is empty"}
		}
		return DoctorCheck{Name: "messenger", Status: DoctorPass, Message: "whatsapp transport configured"}
	case "slack":
		if cfg.Messenger.Slack.BotToken == "" || cfg.Messenger.Slack.AppToken == "" {
			return DoctorCheck{Name: "messenger", Status: DoctorFail, Message: "messenger.slack requires both botToken and appToken"}
		}
		return DoctorCheck{Name: "messenger", Status: DoctorPass, Message: "slack transport configured"}
	case "poll", "":
		return DoctorCheck{Name: "messenger", Status: DoctorWarn, Message: "messenger.active is \"poll\": no real transport is wired"}
	default:
		return DoctorCheck{Name: "messenger", Status: DoctorFail, Message: fmt.Sprintf("messenger.active %q is not a known transport", cfg.Messenger.Active)}
	}
}

// mergeDiscoveredEnvFiles merges every env file config.Load would itself
// read at startup (plus a project-local ./.env, which Load does not
// consult) into the managed env file, so doctor --fix converges the same
// scattered env state the runtime would otherwise silently prefer between
// process restarts.
func mergeDiscoveredEnvFiles() (string, int, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", 0, err
	}
	targetPath := filepath.Join(home, ".config", "nanoclaw", "env")
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o700); err != nil {
		return "", 0, err
	}

	cwd, _ := os.Getwd()
	sources := append([]string{filepath.Join(cwd, ".env")}, config.EnvFileCandidates()...)

	merged := map[string]string{}
	seen := map[string]struct{}{}
	for _, src := range sources {
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		kv, err := readEnvFileKV(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", 0, fmt.Errorf("read %s: %w", src, err)
		}
		for k, v := range kv {
			merged[k] = v
		}
	}

	if err := writeEnvFileKV(targetPath, merged); err != nil {
		return "", 0, err
	}
	if err := os.Chmod(targetPath, 0o600); err != nil {
		return "", 0, err
	}
	return targetPath, len(merged), nil
}

func readEnvFileKV(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	kv := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		i := strings.IndexRune(line, '=')
		if i <= 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if k == "" {
			continue
		}
		v := strings.TrimSpace(line[i+1:])
		kv[k] = trimEnvQuotes(v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return kv, nil
}

func writeEnvFileKV(path string, kv map[string]string) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, "# nanoclaw runtime env (managed by doctor --fix)")
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s=%s", k, kv[k]))
	}
	lines = append(lines, "")
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600)
}

func trimEnvQuotes(v string) string {
	if len(v) >= 2 {
		if strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) {
			return v[1 : len(v)-1]
		}
		if strings.HasPrefix(v, `'`) && strings.HasSuffix(v, `'`) {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" || h == "127.0.0.1" || h == "::1" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

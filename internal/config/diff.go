package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (model URL, memory DSN, listen addresses) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModelVoiceChanged is true when the model voice selection changed.
	// New sessions pick up the new voice; running sessions keep theirs.
	ModelVoiceChanged bool
	NewModelVoice     string

	// DefaultPersonaChanged is true when personas.default changed.
	DefaultPersonaChanged bool
	NewDefaultPersona     string

	// PluginServersChanged is true when the plugin server list changed in
	// any way. PluginChanges lists per-server diffs.
	PluginServersChanged bool
	PluginChanges        []PluginServerDiff
}

// PluginServerDiff describes what changed for a single plugin server.
type PluginServerDiff struct {
	Name     string
	Modified bool
	Added    bool
	Removed  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Model.Voice != new.Model.Voice {
		d.ModelVoiceChanged = true
		d.NewModelVoice = new.Model.Voice
	}

	if old.Personas.Default != new.Personas.Default {
		d.DefaultPersonaChanged = true
		d.NewDefaultPersona = new.Personas.Default
	}

	// Build plugin server lookup maps keyed by name.
	oldServers := make(map[string]*PluginServerConfig, len(old.Plugins.Servers))
	for i := range old.Plugins.Servers {
		oldServers[old.Plugins.Servers[i].Name] = &old.Plugins.Servers[i]
	}
	newServers := make(map[string]*PluginServerConfig, len(new.Plugins.Servers))
	for i := range new.Plugins.Servers {
		newServers[new.Plugins.Servers[i].Name] = &new.Plugins.Servers[i]
	}

	// Detect modified and removed servers.
	for name, oldSrv := range oldServers {
		newSrv, exists := newServers[name]
		if !exists {
			d.PluginChanges = append(d.PluginChanges, PluginServerDiff{Name: name, Removed: true})
			d.PluginServersChanged = true
			continue
		}
		if serverChanged(oldSrv, newSrv) {
			d.PluginChanges = append(d.PluginChanges, PluginServerDiff{Name: name, Modified: true})
			d.PluginServersChanged = true
		}
	}

	// Detect added servers.
	for name := range newServers {
		if _, exists := oldServers[name]; !exists {
			d.PluginChanges = append(d.PluginChanges, PluginServerDiff{Name: name, Added: true})
			d.PluginServersChanged = true
		}
	}

	return d
}

// serverChanged compares two plugin server configs with the same name.
func serverChanged(old, new *PluginServerConfig) bool {
	if old.Transport != new.Transport || old.Command != new.Command || old.URL != new.URL {
		return true
	}
	if len(old.Env) != len(new.Env) {
		return true
	}
	for k, v := range old.Env {
		if new.Env[k] != v {
			return true
		}
	}
	return false
}

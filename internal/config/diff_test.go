package config

import "testing"

func baseConfig() *Config {
	return &Config{
		Server:   ServerConfig{LogLevel: LogInfo},
		Model:    ModelConfig{URL: "ws://localhost:8998", Voice: "ember"},
		Personas: PersonasConfig{Dir: "./personas", Default: "navigator"},
		Plugins: PluginsConfig{Servers: []PluginServerConfig{
			{Name: "home", Transport: "stdio", Command: "/bin/home"},
		}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()

	d := Diff(old, new)
	if d.LogLevelChanged || d.ModelVoiceChanged || d.DefaultPersonaChanged || d.PluginServersChanged {
		t.Errorf("unexpected diff for identical configs: %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = LogDebug

	d := Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged = false; want true")
	}
	if d.NewLogLevel != LogDebug {
		t.Errorf("NewLogLevel = %q; want debug", d.NewLogLevel)
	}
}

func TestDiff_ModelVoice(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()
	new.Model.Voice = "sage"

	d := Diff(old, new)
	if !d.ModelVoiceChanged || d.NewModelVoice != "sage" {
		t.Errorf("diff = %+v; want ModelVoiceChanged with sage", d)
	}
}

func TestDiff_DefaultPersona(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()
	new.Personas.Default = "butler"

	d := Diff(old, new)
	if !d.DefaultPersonaChanged || d.NewDefaultPersona != "butler" {
		t.Errorf("diff = %+v; want DefaultPersonaChanged with butler", d)
	}
}

func TestDiff_PluginServerModified(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()
	new.Plugins.Servers[0].Command = "/bin/home-v2"

	d := Diff(old, new)
	if !d.PluginServersChanged {
		t.Fatal("PluginServersChanged = false; want true")
	}
	if len(d.PluginChanges) != 1 || !d.PluginChanges[0].Modified || d.PluginChanges[0].Name != "home" {
		t.Errorf("PluginChanges = %+v; want home modified", d.PluginChanges)
	}
}

func TestDiff_PluginServerAddedAndRemoved(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	new := baseConfig()
	new.Plugins.Servers = []PluginServerConfig{
		{Name: "calendar", Transport: "streamable-http", URL: "https://example.com/mcp"},
	}

	d := Diff(old, new)
	if !d.PluginServersChanged {
		t.Fatal("PluginServersChanged = false; want true")
	}

	var added, removed bool
	for _, c := range d.PluginChanges {
		switch {
		case c.Name == "calendar" && c.Added:
			added = true
		case c.Name == "home" && c.Removed:
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("PluginChanges = %+v; want calendar added and home removed", d.PluginChanges)
	}
}

func TestDiff_PluginServerEnvChange(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	old.Plugins.Servers[0].Env = map[string]string{"TOKEN": "a"}
	new := baseConfig()
	new.Plugins.Servers[0].Env = map[string]string{"TOKEN": "b"}

	d := Diff(old, new)
	if !d.PluginServersChanged {
		t.Error("env change should mark the server modified")
	}
}

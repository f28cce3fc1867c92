package config

import "reflect"

// ConfigDiff describes what changed between two configs. Running calls keep
// the snapshot they were started with, so section changes only affect calls
// that start after the reload. The log level is the one setting applied
// process-wide immediately.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChangedSections lists the config sections whose content differs,
	// e.g. "defaults.llm" or "providers".
	ChangedSections []string
}

// HasChanges reports whether the diff contains any change at all.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || len(d.ChangedSections) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", old.Server, new.Server},
		{"defaults.llm", old.Defaults.LLM, new.Defaults.LLM},
		{"defaults.stt", old.Defaults.STT, new.Defaults.STT},
		{"defaults.tts", old.Defaults.TTS, new.Defaults.TTS},
		{"defaults.vad", old.Defaults.VAD, new.Defaults.VAD},
		{"defaults.style", old.Defaults.Style, new.Defaults.Style},
		{"defaults.interruption", old.Defaults.Interruption, new.Defaults.Interruption},
		{"defaults.session", old.Defaults.Session, new.Defaults.Session},
		{"defaults.voice", old.Defaults.Voice, new.Defaults.Voice},
		{"defaults.hallucination_blacklist", old.Defaults.HallucinationBlacklist, new.Defaults.HallucinationBlacklist},
		{"pipeline", old.Pipeline, new.Pipeline},
		{"providers", old.Providers, new.Providers},
		{"tools", old.Tools, new.Tools},
		{"history", old.History, new.History},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.ChangedSections = append(d.ChangedSections, s.name)
		}
	}

	return d
}

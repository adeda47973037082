package admin

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/catalogd/api"
)

// Setting keys.
const (
	KeyAppName          = "APP_NAME"
	KeyAppDescription   = "APP_DESCRIPTION"
	KeyAppVersion       = "APP_VERSION"
	KeyAdminEmail       = "ADMIN_EMAIL"
	KeyLogLevel         = "LOG_LEVEL"
	KeyRunLockTimeout   = "RUN_LOCK_TIMEOUT_SECONDS"
	KeyAdminLockTimeout = "ADMIN_LOCK_TIMEOUT_SECONDS"
	KeyMaxErrors        = "MAX_ERRORS"
	KeyAdminSecret      = "ADMIN_SECRET"
	KeyLockOwnerID      = "LOCK_OWNER_ID"
)

// Per-key result messages.
const (
	msgUnknownKey = "unknown setting key"
	msgBlockedKey = "blocked key"
	msgInvalid    = "invalid value"
	msgUpdated    = "updated"
)

const maskedValue = "***"

// Values is the runtime-tunable configuration.
type Values struct {
	AppName          string
	AppDescription   string
	AppVersion       string
	AdminEmail       string
	LogLevel         string
	RunLockTimeout   time.Duration
	AdminLockTimeout time.Duration
	MaxErrors        int
	AdminSecret      string
	LockOwnerID      string
}

type settingDef struct {
	key     string
	secret  bool
	parse   func(raw any) (any, error)
	apply   func(v *Values, parsed any)
	current func(v Values) any
}

var registry = []settingDef{
	stringSetting(KeyAppName, false, true, func(v *Values) *string { return &v.AppName }),
	stringSetting(KeyAppDescription, false, false, func(v *Values) *string { return &v.AppDescription }),
	stringSetting(KeyAppVersion, false, false, func(v *Values) *string { return &v.AppVersion }),
	stringSetting(KeyAdminEmail, false, false, func(v *Values) *string { return &v.AdminEmail }),
	{
		key: KeyLogLevel,
		parse: func(raw any) (any, error) {
			s, ok := raw.(string)
			if !ok {
				return nil, errors.New("want string")
			}
			s = strings.ToLower(strings.TrimSpace(s))
			if _, ok := pslog.ParseLevel(s); !ok {
				return nil, fmt.Errorf("unknown log level %q", s)
			}
			return s, nil
		},
		apply:   func(v *Values, p any) { v.LogLevel = p.(string) },
		current: func(v Values) any { return v.LogLevel },
	},
	secondsSetting(KeyRunLockTimeout, func(v *Values) *time.Duration { return &v.RunLockTimeout }),
	secondsSetting(KeyAdminLockTimeout, func(v *Values) *time.Duration { return &v.AdminLockTimeout }),
	{
		key:     KeyMaxErrors,
		parse:   positiveInt,
		apply:   func(v *Values, p any) { v.MaxErrors = p.(int) },
		current: func(v Values) any { return v.MaxErrors },
	},
	stringSetting(KeyAdminSecret, true, true, func(v *Values) *string { return &v.AdminSecret }),
	stringSetting(KeyLockOwnerID, true, true, func(v *Values) *string { return &v.LockOwnerID }),
}

func lookupDef(key string) (settingDef, bool) {
	for _, def := range registry {
		if def.key == key {
			return def, true
		}
	}
	return settingDef{}, false
}

func stringSetting(key string, secret, required bool, field func(*Values) *string) settingDef {
	return settingDef{
		key:    key,
		secret: secret,
		parse: func(raw any) (any, error) {
			s, ok := raw.(string)
			if !ok {
				return nil, errors.New("want string")
			}
			s = strings.TrimSpace(s)
			if required && s == "" {
				return nil, errors.New("must not be empty")
			}
			return s, nil
		},
		apply:   func(v *Values, p any) { *field(v) = p.(string) },
		current: func(v Values) any { return *field(&v) },
	}
}

func secondsSetting(key string, field func(*Values) *time.Duration) settingDef {
	return settingDef{
		key:     key,
		parse:   positiveInt,
		apply:   func(v *Values, p any) { *field(v) = time.Duration(p.(int)) * time.Second },
		current: func(v Values) any { return int(field(&v).Seconds()) },
	}
}

func positiveInt(raw any) (any, error) {
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		if v != math.Trunc(v) || v > math.MaxInt32 {
			return nil, errors.New("want integer")
		}
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
		n = parsed
	default:
		return nil, errors.New("want integer")
	}
	if n < 1 {
		return nil, errors.New("must be positive")
	}
	return n, nil
}

// Settings is the live settings registry. Applied values persist to a YAML
// file; other keys in that file are preserved.
type Settings struct {
	mu       sync.RWMutex
	values   Values
	path     string
	logger   pslog.Logger
	onChange []func(Values)
}

// NewSettings builds a registry seeded with base and overlays the YAML file
// at path when it exists. An empty path keeps settings in memory only.
func NewSettings(base Values, path string, logger pslog.Logger) (*Settings, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Settings{values: base, path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file, if any.
func (s *Settings) Path() string {
	return s.path
}

// OnChange registers fn to run after every successful apply or reload.
func (s *Settings) OnChange(fn func(Values)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Snapshot returns the current values.
func (s *Settings) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// RunLockTimeout implements lease.Timeouts.
func (s *Settings) RunLockTimeout() time.Duration { return s.Snapshot().RunLockTimeout }

// AdminLockTimeout implements lease.Timeouts.
func (s *Settings) AdminLockTimeout() time.Duration { return s.Snapshot().AdminLockTimeout }

// MaxErrors is the circuit breaker threshold.
func (s *Settings) MaxErrors() int { return s.Snapshot().MaxErrors }

// AdminSecret is the shared secret for the admin endpoint.
func (s *Settings) AdminSecret() string { return s.Snapshot().AdminSecret }

// Public returns every setting with secrets masked.
func (s *Settings) Public() map[string]any {
	v := s.Snapshot()
	out := make(map[string]any, len(registry))
	for _, def := range registry {
		if def.secret {
			out[def.key] = maskedValue
			continue
		}
		out[def.key] = def.current(v)
	}
	return out
}

// Apply validates every key independently and applies the valid ones. Secret
// keys are blocked. err reports a persistence failure; in that case nothing
// is applied in memory either.
func (s *Settings) Apply(updates map[string]any) (results map[string]api.SettingResult, applied, failed int, err error) {
	results = make(map[string]api.SettingResult, len(updates))
	s.mu.Lock()
	next := s.values
	persist := make(map[string]any)
	keys := make([]string, 0, len(updates))
	for key := range updates {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		def, ok := lookupDef(key)
		switch {
		case !ok:
			results[key] = api.SettingResult{OK: false, Message: msgUnknownKey}
		case def.secret:
			results[key] = api.SettingResult{OK: false, Message: msgBlockedKey}
		default:
			parsed, perr := def.parse(updates[key])
			if perr != nil {
				results[key] = api.SettingResult{OK: false, Message: msgInvalid}
				continue
			}
			def.apply(&next, parsed)
			persist[key] = parsed
			results[key] = api.SettingResult{OK: true, Message: msgUpdated}
		}
	}
	for _, r := range results {
		if r.OK {
			applied++
		} else {
			failed++
		}
	}
	if applied == 0 {
		s.mu.Unlock()
		return results, applied, failed, nil
	}
	if err := s.persistLocked(persist); err != nil {
		s.mu.Unlock()
		return nil, 0, 0, err
	}
	s.values = next
	hooks := append([]func(Values){}, s.onChange...)
	s.mu.Unlock()

	s.logger.Info("settings.updated", "keys", strings.Join(sortedKeys(persist), ","))
	for _, fn := range hooks {
		fn(next)
	}
	return results, applied, failed, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Settings) readFile() (map[string]any, error) {
	doc := map[string]any{}
	if s.path == "" {
		return doc, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", s.path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", s.path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func (s *Settings) persistLocked(updates map[string]any) error {
	if s.path == "" {
		return nil
	}
	doc, err := s.readFile()
	if err != nil {
		return err
	}
	for k, v := range updates {
		doc[k] = v
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("settings: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("settings: rename: %w", err)
	}
	return nil
}

// Reload re-reads the backing file and overlays every known, valid key.
// Invalid entries are logged and skipped.
func (s *Settings) Reload() error {
	s.mu.Lock()
	doc, err := s.readFile()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next := s.values
	for key, raw := range doc {
		def, ok := lookupDef(key)
		if !ok {
			continue
		}
		parsed, perr := def.parse(raw)
		if perr != nil {
			s.logger.Warn("settings.file.invalid", "key", key, "error", perr)
			continue
		}
		def.apply(&next, parsed)
	}
	changed := next != s.values
	s.values = next
	hooks := append([]func(Values){}, s.onChange...)
	s.mu.Unlock()
	if changed {
		s.logger.Info("settings.reloaded", "path", s.path)
		for _, fn := range hooks {
			fn(next)
		}
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces every ${VAR} placeholder in raw with the value of the
// matching environment variable. Per §6, a placeholder whose variable is
// not set in the process environment is a fatal configuration error rather
// than being silently expanded to an empty string.
func expandEnv(raw []byte) ([]byte, error) {
	var missing []string
	expanded := placeholderPattern.ReplaceAllStringFunc(string(raw), func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unexpanded config placeholder(s) for unset environment variable(s): %s", strings.Join(missing, ", "))
	}
	return []byte(expanded), nil
}

// chainsDocument is the top-level TOML shape.
type chainsDocument struct {
	Blockchains []ChainSpec `koanf:"blockchains"`
}

// Load reads path (a TOML file), expands ${VAR} placeholders from the
// process environment, and decodes the blockchains array into ChainSpecs,
// rejecting unknown keys per §9's "unknown TOML keys are a field-name
// error" design note.
func Load(path string, defaultPollInterval time.Duration) ([]ChainSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded, err := expandEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(expanded), toml.Parser()); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	var doc chainsDocument
	unmarshalConf := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			ErrorUnused:      true,
			Result:           &doc,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	}
	if err := k.UnmarshalWithConf("", &doc, unmarshalConf); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(doc.Blockchains))
	for i := range doc.Blockchains {
		spec := &doc.Blockchains[i]

		if spec.Name == "" {
			return nil, fmt.Errorf("config %s: blockchains[%d]: name is required", path, i)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("config %s: duplicate chain name %q", path, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		if spec.RPCURL == "" {
			return nil, fmt.Errorf("config %s: chain %q: rpc_url is required", path, spec.Name)
		}

		if spec.PollIntervalRaw == "" {
			spec.PollInterval = defaultPollInterval
		} else {
			d, err := time.ParseDuration(spec.PollIntervalRaw)
			if err != nil {
				return nil, fmt.Errorf("config %s: chain %q: invalid poll_interval %q: %w", path, spec.Name, spec.PollIntervalRaw, err)
			}
			spec.PollInterval = d
		}

		for j := range spec.Accounts {
			if err := resolveAddress(&spec.Accounts[j].Address, spec.Accounts[j].RawAddr); err != nil {
				return nil, fmt.Errorf("config %s: chain %q: account %q: %w", path, spec.Name, spec.Accounts[j].Name, err)
			}
		}
		for j := range spec.Contracts {
			c := &spec.Contracts[j]
			if err := resolveAddress(&c.Address, c.RawAddr); err != nil {
				return nil, fmt.Errorf("config %s: chain %q: contract %q: %w", path, spec.Name, c.Name, err)
			}
			for k := range c.Accounts {
				if err := resolveAddress(&c.Accounts[k].Address, c.Accounts[k].RawAddr); err != nil {
					return nil, fmt.Errorf("config %s: chain %q: contract %q: account %q: %w", path, spec.Name, c.Name, c.Accounts[k].Name, err)
				}
			}
		}
	}

	return doc.Blockchains, nil
}

func resolveAddress(dst *common.Address, raw string) error {
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("invalid address %q", raw)
	}
	*dst = common.HexToAddress(raw)
	return nil
}

// LoadSettings resolves the operational environment variables (§6) to a
// fully-defaulted Settings value.
func LoadSettings() (Settings, error) {
	s := Settings{
		ConfigPath:              envOr("BLOCKCHAIN_EXPORTER_CONFIG_PATH", "./config.toml"),
		LogLevel:                envOr("LOG_LEVEL", "INFO"),
		LogFormat:                envOr("LOG_FORMAT", "text"),
		HealthPort:              8080,
		MetricsPort:             9100,
	}

	var err error
	if s.PollDefaultInterval, err = envDuration("POLL_DEFAULT_INTERVAL", 5*time.Minute); err != nil {
		return s, err
	}
	if s.MaxFailureBackoff, err = envDurationSeconds("MAX_FAILURE_BACKOFF_SECONDS", 900); err != nil {
		return s, err
	}
	if s.RPCRequestTimeout, err = envDurationSecondsFloat("RPC_REQUEST_TIMEOUT_SECONDS", 10.0); err != nil {
		return s, err
	}
	if s.ReadinessStaleThreshold, err = envDurationSeconds("READINESS_STALE_THRESHOLD_SECONDS", 300); err != nil {
		return s, err
	}
	if s.HealthPort, err = envInt("HEALTH_PORT", 8080); err != nil {
		return s, err
	}
	if s.MetricsPort, err = envInt("METRICS_PORT", 9100); err != nil {
		return s, err
	}
	if s.WarmPollEnabled, err = envBool("WARM_POLL_ENABLED", false); err != nil {
		return s, err
	}

	return s, nil
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return d, nil
}

func envDurationSeconds(name string, defSeconds int) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return time.Duration(defSeconds) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return time.Duration(n) * time.Second, nil
}

func envDurationSecondsFloat(name string, defSeconds float64) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return time.Duration(defSeconds * float64(time.Second)), nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func envInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return n, nil
}

func envBool(name string, def bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", name, v, err)
	}
	return b, nil
}

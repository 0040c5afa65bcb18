package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// LoadWithCLI loads configuration honoring --config, --profile and repeated
// --set key=value arguments. Unknown arguments are ignored.
func LoadWithCLI(args []string) (*Config, error) {
	opts, err := parseCLIArgs(args)
	if err != nil {
		return nil, err
	}
	return LoadWith(opts)
}

func parseCLIArgs(args []string) (LoadOptions, error) {
	var opts LoadOptions
	for i := 0; i < len(args); i++ {
		name, value, inline := strings.Cut(args[i], "=")
		switch name {
		case "--config", "--profile", "--set":
		default:
			continue
		}
		if !inline {
			if i+1 >= len(args) {
				return opts, fmt.Errorf("%s requires a value", name)
			}
			i++
			value = args[i]
		}
		switch name {
		case "--config":
			opts.Path = value
		case "--profile":
			opts.Profile = value
		case "--set":
			if _, _, err := parseOverride(value); err != nil {
				return opts, err
			}
			opts.Overrides = append(opts.Overrides, value)
		}
	}
	return opts, nil
}

// parseOverride splits key=value. JSON values (numbers, booleans, arrays,
// objects) are decoded; anything else is kept as a string.
func parseOverride(raw string) (string, any, error) {
	key, value, ok := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q, expected key=value", raw)
	}
	var decoded any
	if err := json.Unmarshal([]byte(value), &decoded); err == nil {
		return key, decoded, nil
	}
	return key, value, nil
}

// Package config resolves the server's CLI-flag surface: --port,
// --replicaof, --dir, --dbfilename, plus the additive --config TOML
// layer and the --metrics-addr opt-in.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved startup configuration.
type Config struct {
	Port        int
	ReplicaOf   string // "host port", empty in master mode
	Dir         string
	DBFilename  string
	MetricsAddr string // empty disables the metrics listener
}

// fileDefaults mirrors the subset of Config a --config TOML file may
// set; any field a file omits keeps the hardcoded default below.
type fileDefaults struct {
	Port        int    `toml:"port"`
	ReplicaOf   string `toml:"replicaof"`
	Dir         string `toml:"dir"`
	DBFilename  string `toml:"dbfilename"`
	MetricsAddr string `toml:"metrics_addr"`
}

func defaults() fileDefaults {
	return fileDefaults{
		Port:       6379,
		Dir:        ".",
		DBFilename: "empty.rdb",
	}
}

// casefoldFlagTokens lower-cases only the "--Name" / "-Name" token of
// each argument, leaving values (including a "--replicaof=Host Port"
// value half) untouched. Flag matching in this project is
// case-insensitive on the flag name; values stay case-sensitive.
func casefoldFlagTokens(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if !strings.HasPrefix(a, "-") {
			out[i] = a
			continue
		}
		dashes := 0
		for dashes < len(a) && a[dashes] == '-' {
			dashes++
		}
		rest := a[dashes:]
		if eq := strings.IndexByte(rest, '='); eq >= 0 {
			out[i] = a[:dashes] + strings.ToLower(rest[:eq]) + rest[eq:]
		} else {
			out[i] = a[:dashes] + strings.ToLower(rest)
		}
	}
	return out
}

// configFilePath scans args for a "--config" token without otherwise
// interpreting the command line, so the file layer can be loaded
// before the real flag.FlagSet is built with its defaults.
func configFilePath(args []string) string {
	for i, a := range args {
		switch a {
		case "--config", "-config":
			if i+1 < len(args) {
				return args[i+1]
			}
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if v, ok := strings.CutPrefix(a, "-config="); ok {
			return v
		}
	}
	return ""
}

// Parse resolves args (typically os.Args[1:]) into a Config. Unknown
// flags are ignored rather than rejected. A --config file, if named,
// supplies defaults underneath the other five flags; an explicit flag always
// wins over the file.
func Parse(args []string) (*Config, error) {
	args = casefoldFlagTokens(args)

	d := defaults()
	if path := configFilePath(args); path != "" {
		if _, err := toml.DecodeFile(path, &d); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	fs := flag.NewFlagSet("redis-server", flag.ContinueOnError)
	fs.Usage = func() {}

	port := fs.Int("port", d.Port, "listening TCP port")
	replicaof := fs.String("replicaof", d.ReplicaOf, `run as a replica of "host port"`)
	dir := fs.String("dir", d.Dir, "directory containing the snapshot file")
	dbfilename := fs.String("dbfilename", d.DBFilename, "snapshot filename")
	metricsAddr := fs.String("metrics-addr", d.MetricsAddr, "address for the optional Prometheus listener (empty disables it)")
	fs.String("config", "", "optional TOML file layering defaults under the flags above")

	if err := fs.Parse(unknownFlagsIgnored(fs, args)); err != nil {
		return nil, err
	}

	return &Config{
		Port:        *port,
		ReplicaOf:   *replicaof,
		Dir:         *dir,
		DBFilename:  *dbfilename,
		MetricsAddr: *metricsAddr,
	}, nil
}

// unknownFlagsIgnored drops any "--name[=value]" / "-name[=value]"
// token (and, for a space-separated form, its following value) whose
// name isn't registered on fs, so flag.FlagSet.Parse never aborts on
// an unrecognized flag.
func unknownFlagsIgnored(fs *flag.FlagSet, args []string) []string {
	known := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) { known[f.Name] = true })

	var out []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			out = append(out, a)
			continue
		}
		name := strings.TrimLeft(a, "-")
		hasValue := false
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
			hasValue = true
		}
		if known[name] {
			out = append(out, a)
			continue
		}
		if !hasValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++ // skip the unknown flag's positional value too
		}
	}
	return out
}

// ReplicaOfAddr splits ReplicaOf's "host port" form. ok is false in
// master mode (ReplicaOf empty) or if the value is malformed.
func (c *Config) ReplicaOfAddr() (host string, port int, ok bool) {
	fields := strings.Fields(c.ReplicaOf)
	if len(fields) != 2 {
		return "", 0, false
	}
	p, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, false
	}
	return fields[0], p, true
}

// IsReplica reports whether --replicaof selects replica mode.
func (c *Config) IsReplica() bool {
	_, _, ok := c.ReplicaOfAddr()
	return ok
}

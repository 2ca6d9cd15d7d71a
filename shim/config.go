package shim

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/containerd/log"
)

const configFilename = "config.json"

const (
	// BF_OUTPUT=ascii prints cells as characters. Anything else is numeric.
	envOutput = "BF_OUTPUT"
	// BF_JUMP_TABLE=1 resolves loops from a precomputed table.
	envJumpTable = "BF_JUMP_TABLE"
)

var sourceExtensions = []string{".bf", ".b", ".brainfuck"}

// subset of the OCI runtime spec the shim cares about
type root struct {
	Path string `json:"path"`
}

type process struct {
	Args []string `json:"args"`
	Env  []string `json:"env"`
}

type config struct {
	Root    root    `json:"root"`
	Process process `json:"process"`
}

// Config describes the program a task runs and how to run it.
type Config struct {
	Root       string
	Entrypoint string
	Path       []string
	Options    bf.Options
}

func lookupEnv(env []string, key string) (string, bool) {
	for _, kv := range env {
		if value, ok := strings.CutPrefix(kv, key+"="); ok {
			return value, true
		}
	}
	return "", false
}

// ReadConfig reads the bundle's config.json from path.
func ReadConfig(ctx context.Context, path string) (*Config, error) {
	filePath := filepath.Join(path, configFilename)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found", configFilename)
		}
		return nil, err
	}
	var config config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configFilename, err)
	}

	if config.Root.Path == "" {
		return nil, fmt.Errorf("root path not found in config file %s", configFilename)
	}

	if len(config.Process.Args) != 1 {
		return nil, fmt.Errorf("incorrect number of args in the CMD. Expected 1, got %d", len(config.Process.Args))
	}
	arg0 := config.Process.Args[0]

	known := false
	for _, ext := range sourceExtensions {
		if filepath.Ext(arg0) == ext {
			known = true
			break
		}
	}
	if !known {
		log.G(ctx).Warnf("entry point (%s) is possibly not a brainf*ck source file", arg0)
	}

	script := filepath.Join(config.Root.Path, arg0)
	if _, err := os.Stat(script); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("script %s does not exist: %w", arg0, err)
		}
		return nil, fmt.Errorf("checking script %s: %w", arg0, err)
	}

	var split_path []string
	if path, ok := lookupEnv(config.Process.Env, "PATH"); ok {
		split_path = strings.Split(path, ":")
	}

	var opts bf.Options
	if mode, ok := lookupEnv(config.Process.Env, envOutput); ok && strings.EqualFold(mode, "ascii") {
		opts.Mode = bf.ASCII
	}
	if table, ok := lookupEnv(config.Process.Env, envJumpTable); ok && (table == "1" || strings.EqualFold(table, "true")) {
		opts.JumpTable = true
	}

	return &Config{
		Root:       config.Root.Path,
		Entrypoint: arg0,
		Path:       split_path,
		Options:    opts,
	}, nil
}

func (c *Config) FullPath() string {
	return filepath.Join(c.Root, c.Entrypoint)
}

// Args are the flags of the `brainfuck` subcommand that runs this config.
func (c *Config) Args() []string {
	args := []string{"brainfuck", "-file", c.FullPath()}
	if c.Options.Mode == bf.ASCII {
		args = append(args, "-ascii")
	}
	if c.Options.JumpTable {
		args = append(args, "-jump-table")
	}
	return args
}

// LoadProgram lexes the entrypoint and checks its loops are balanced.
func (c *Config) LoadProgram() (bf.Program, error) {
	source, err := os.ReadFile(c.FullPath())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", c.Entrypoint, err)
	}
	program := bf.Lex(string(source))
	if err := bf.Validate(program); err != nil {
		return nil, fmt.Errorf("%s: %w", c.Entrypoint, err)
	}
	return program, nil
}

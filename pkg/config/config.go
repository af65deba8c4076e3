// Package config implements akwbs' two configuration surfaces: the
// required positional CLI arguments every invocation must pass, and the
// pipe-delimited reload file the running daemon re-reads on SIGUSR1.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// PathMax mirrors the original's PATH_MAX bound on the root directory
// argument.
const PathMax = 4096

// ErrRootPathTooLong, ErrInvalidPort and ErrInvalidSendRate are returned
// by Parse for each of the original's three positional-argument checks.
var (
	ErrRootPathTooLong = errors.New("config: root path exceeds PATH_MAX")
	ErrInvalidPort     = errors.New("config: port must be a positive integer")
	ErrInvalidSendRate = errors.New("config: send rate must be a positive integer")
)

// Params is the validated result of the server's required CLI arguments:
// root path to serve, port to bind, and the per-connection send-rate cap
// in bytes/second.
type Params struct {
	RootPath string
	Port     int
	SendRate int64
}

// Parse validates and converts the three positional arguments akwbs
// takes, in the original's order: root-path, port, send-rate.
func Parse(rootPath, port, sendRate string) (Params, error) {
	if len(rootPath) >= PathMax {
		return Params{}, ErrRootPathTooLong
	}

	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 {
		return Params{}, ErrInvalidPort
	}

	rate, err := strconv.ParseInt(sendRate, 10, 64)
	if err != nil || rate <= 0 {
		return Params{}, ErrInvalidSendRate
	}

	return Params{RootPath: rootPath, Port: p, SendRate: rate}, nil
}

// Reload is the subset of Params the daemon may change without a
// restart, parsed from the pipe-delimited reload file.
type Reload struct {
	RootPath string
	Port     int
	SendRate int64
}

// ReadReloadFile parses a reload file of the shape
// "root_path|port|send_rate|", matching check_new_conf's format. The
// root path is validated to be readable and writable; the file is
// otherwise read field-by-field rather than split on '|' so a malformed
// trailing field does not reject an otherwise-valid reload.
func ReadReloadFile(path string) (Reload, error) {
	f, err := os.Open(path)
	if err != nil {
		return Reload{}, fmt.Errorf("config: open reload file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	fields := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		field, err := r.ReadString('|')
		if err != nil && field == "" {
			return Reload{}, fmt.Errorf("config: reload file missing field %d: %w", i+1, err)
		}
		fields = append(fields, strings.TrimSuffix(field, "|"))
	}

	rootPath := fields[0]
	if err := unix.Access(rootPath, unix.R_OK|unix.W_OK); err != nil {
		return Reload{}, fmt.Errorf("config: reload root path not readable and writable: %w", err)
	}

	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return Reload{}, fmt.Errorf("config: reload port: %w", err)
	}

	sendRate, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Reload{}, fmt.Errorf("config: reload send rate: %w", err)
	}

	return Reload{RootPath: rootPath, Port: port, SendRate: sendRate}, nil
}

// Ops holds the optional tuning knobs that the original daemon fixed at
// compile time and that are never hot-reloadable: they are read once at
// startup from an optional YAML file alongside the required CLI
// arguments.
type Ops struct {
	WorkerCount        int    `yaml:"worker_count"`
	IOChunkBytes       int    `yaml:"io_chunk_bytes"`
	HeaderMaxBytes     int    `yaml:"header_max_bytes"`
	IdleTimeoutSeconds int    `yaml:"idle_timeout_seconds"`
	RingBufferOrder    uint   `yaml:"ring_buffer_order"`
	LogLevel           string `yaml:"log_level"`
}

// DefaultOps returns the knobs' defaults, matching the worker count and
// chunk size the original hardcodes and the ring buffer order this port
// introduces.
func DefaultOps() Ops {
	return Ops{
		WorkerCount:        10,
		IOChunkBytes:       8192,
		HeaderMaxBytes:     8000,
		IdleTimeoutSeconds: 120,
		RingBufferOrder:    16,
		LogLevel:           "info",
	}
}

// LoadOps reads an ops YAML file, falling back to DefaultOps for any
// field the file leaves at its zero value. A missing file is not an
// error: it simply yields the defaults.
func LoadOps(path string) (Ops, error) {
	ops := DefaultOps()
	if path == "" {
		return ops, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ops, nil
	}
	if err != nil {
		return Ops{}, fmt.Errorf("config: read ops file: %w", err)
	}

	var override Ops
	if err := yaml.Unmarshal(data, &override); err != nil {
		return Ops{}, fmt.Errorf("config: parse ops file: %w", err)
	}

	if override.WorkerCount != 0 {
		ops.WorkerCount = override.WorkerCount
	}
	if override.IOChunkBytes != 0 {
		ops.IOChunkBytes = override.IOChunkBytes
	}
	if override.HeaderMaxBytes != 0 {
		ops.HeaderMaxBytes = override.HeaderMaxBytes
	}
	if override.IdleTimeoutSeconds != 0 {
		ops.IdleTimeoutSeconds = override.IdleTimeoutSeconds
	}
	if override.RingBufferOrder != 0 {
		ops.RingBufferOrder = override.RingBufferOrder
	}
	if override.LogLevel != "" {
		ops.LogLevel = override.LogLevel
	}

	return ops, nil
}

// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"

	"github.com/parca-dev/deep-agent/pkg/logger"
	"github.com/parca-dev/deep-agent/pkg/settings"
)

const defaultServiceName = "deep-agent"

func vars() kong.Vars {
	return kong.Vars{
		"default_plugins": strings.Join(settings.DefaultPlugins, ","),
		"evaluators":      strings.Join([]string{settings.EvaluatorCUE, settings.EvaluatorNone}, ","),
	}
}

// Parse parses the process arguments and exits on usage errors.
func Parse() (Flags, error) {
	flags := Flags{}
	kong.Parse(&flags, vars(), kong.Description("Runs a sample workload instrumented with deep tracepoints."))
	return flags, flags.Validate()
}

// ParseArgs parses args without touching the process.
func ParseArgs(args []string) (Flags, error) {
	flags := Flags{}
	parser, err := kong.New(&flags, vars(), kong.Exit(func(int) {}))
	if err != nil {
		return Flags{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return Flags{}, err
	}
	return flags, flags.Validate()
}

type Flags struct {
	Log         FlagsLogs `embed:""                 prefix:"log-"`
	HTTPAddress string    `default:"127.0.0.1:7072" help:"Address to bind HTTP server to."`
	Version     bool      `help:"Show application version."`

	ConfigPath string `default:"" help:"Path to a tracepoint file. The file is watched for changes."`

	ServiceName string            `default:"deep-agent"  help:"Name of the instrumented service."`
	Evaluator   string            `default:"cue"         enum:"${evaluators}" help:"Expression engine for conditions, watches and log messages."`
	Plugins     []string          `default:"${default_plugins}" help:"Plugins adding attributes to snapshots."`
	Attributes  map[string]string `help:"Attribute(s) to attach to all snapshots."`

	// pprof.
	MutexProfileFraction int `default:"0" help:"Fraction of mutex profile samples to collect."`
	BlockProfileRate     int `default:"0" help:"Sample rate for block profile."`

	Collector   FlagsCollector   `embed:"" prefix:"collector-"`
	Snapshot    FlagsSnapshot    `embed:"" prefix:"snapshot-"`
	Capture     FlagsCapture     `embed:"" prefix:"capture-"`
	OTLP        FlagsOTLP        `embed:"" prefix:"otlp-"`
	OfflineMode FlagsOfflineMode `embed:"" prefix:"offline-mode-"`
	Workload    FlagsWorkload    `embed:"" prefix:"workload-"`
}

// Validate reports every inconsistent flag combination.
func (f Flags) Validate() error {
	var errs []error
	if f.Collector.Embedded && f.Collector.Address != "" {
		errs = append(errs, errors.New("--collector-embedded and --collector-address are mutually exclusive"))
	}
	if f.Collector.Address != "" && f.ConfigPath != "" {
		errs = append(errs, errors.New("tracepoints come either from --config-path or from a remote collector"))
	}
	if f.OfflineMode.StoragePath != "" && !f.Collector.Embedded && f.Collector.Address == "" {
		errs = append(errs, errors.New("--offline-mode-storage-path requires a collector"))
	}
	if f.Collector.BearerToken != "" && f.Collector.BearerTokenFile != "" {
		errs = append(errs, errors.New("--collector-bearer-token and --collector-bearer-token-file are mutually exclusive"))
	}
	if f.Snapshot.QueueSize <= 0 || f.Snapshot.BatchSize <= 0 {
		errs = append(errs, errors.New("snapshot queue and batch size must be positive"))
	}
	if f.Workload.Interval <= 0 {
		errs = append(errs, errors.New("--workload-interval must be positive"))
	}
	return errors.Join(errs...)
}

// Settings translates the flags into agent settings.
func (f Flags) Settings() (*settings.Settings, error) {
	s := &settings.Settings{
		Enabled:           true,
		ServiceName:       f.ServiceName,
		ServiceInsecure:   f.Collector.Insecure,
		ServiceTimeout:    f.Collector.Timeout,
		PollTimer:         f.Collector.PollInterval,
		Evaluator:         f.Evaluator,
		Plugins:           f.Plugins,
		Attributes:        f.Attributes,
		MaxVarDepth:       f.Capture.MaxDepth,
		MaxVariables:      f.Capture.MaxVariables,
		MaxCollectionSize: f.Capture.MaxCollectionSize,
		MaxStringLength:   f.Capture.MaxStringLength,
		QueueSize:         f.Snapshot.QueueSize,
		BatchSize:         f.Snapshot.BatchSize,
		FlushInterval:     f.Snapshot.FlushInterval,
		SpoolPath:         f.OfflineMode.StoragePath,
		LogLevel:          f.Log.Level,
		LogFormat:         f.Log.Format,
	}

	switch {
	case f.Collector.Embedded:
		s.ServiceURL = f.Collector.ListenAddress
		s.ServiceInsecure = true
	case f.Collector.Address != "":
		s.ServiceURL = f.Collector.Address
	}

	token, err := f.Collector.Token()
	if err != nil {
		return nil, err
	}
	s.ServiceAuthToken = token

	if s.ServiceName == "" {
		s.ServiceName = defaultServiceName
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

func (f FlagsLogs) Logger() log.Logger {
	return logger.NewLogger(f.Level, f.Format, defaultServiceName)
}

// FlagsCollector provides collector configuration flags.
type FlagsCollector struct {
	Address         string `help:"gRPC address of the collector to poll tracepoints from and send snapshots to."`
	BearerToken     string `kong:"help='Bearer token to authenticate with the collector.',env='DEEP_SERVICE_AUTH_TOKEN'"`
	BearerTokenFile string `help:"File to read bearer token from to authenticate with the collector."`
	Insecure        bool   `help:"Send gRPC requests via plaintext instead of TLS."`

	Timeout      time.Duration `default:"10s" help:"Maximum timeout window for unary gRPC requests including retries."`
	PollInterval time.Duration `default:"10s" help:"Interval between tracepoint polls."`

	Embedded      bool   `help:"Run an in-process collector serving the tracepoints of --config-path."`
	ListenAddress string `default:"127.0.0.1:7073" help:"Address the embedded collector listens on."`
}

func (f FlagsCollector) Token() (string, error) {
	if f.BearerTokenFile == "" {
		return f.BearerToken, nil
	}
	b, err := os.ReadFile(f.BearerTokenFile)
	if err != nil {
		return "", fmt.Errorf("failed to read bearer token from file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// FlagsSnapshot provides snapshot shipping flags.
type FlagsSnapshot struct {
	QueueSize     int           `default:"1000" help:"Maximum number of snapshots waiting to be sent. Further snapshots are dropped."`
	BatchSize     int           `default:"50"   help:"Maximum number of snapshots sent in one request."`
	FlushInterval time.Duration `default:"1s"   help:"Interval between snapshot batch writes."`
}

// FlagsCapture provides the default capture limits.
type FlagsCapture struct {
	MaxDepth          int `default:"5"    help:"Maximum depth of captured variables."`
	MaxVariables      int `default:"1000" help:"Maximum number of variables captured per snapshot."`
	MaxCollectionSize int `default:"10"   help:"Maximum number of elements captured per collection."`
	MaxStringLength   int `default:"1024" help:"Maximum length of captured strings."`
}

// FlagsOTLP provides OTLP configuration flags.
type FlagsOTLP struct {
	Address  string `help:"The endpoint to send OTLP traces to."`
	Exporter string `default:"grpc"                              enum:"grpc,stdout" help:"The OTLP exporter to use."`
	Insecure bool   `help:"Send OTLP traces via plaintext."`
}

type FlagsOfflineMode struct {
	StoragePath string `help:"Keeps snapshots the collector could not take in a database at the given path."`
}

// FlagsWorkload configures the sample workload.
type FlagsWorkload struct {
	Interval time.Duration `default:"500ms" help:"Interval between simulated requests."`
	Disable  bool          `help:"Do not run the sample workload."`
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meowminer/gominer/api"
	"github.com/meowminer/gominer/farm"
	"github.com/meowminer/gominer/metrics"
	"github.com/meowminer/gominer/pool"
	"github.com/meowminer/gominer/types"
)

const version = "1.0.0"

var mainCmd = &cobra.Command{
	Use:   "gominer",
	Short: "MeowPoW pool mining client",
	Long:  `MeowPoW pool mining client`,
	Run: func(cmd *cobra.Command, args []string) {
		mine()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var atom = zap.NewAtomicLevel()

func selectZapLevel(loglevel string) zapcore.Level {
	switch loglevel {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func initLogger(loglevel string) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	logger := zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atom,
	))
	atom.SetLevel(selectZapLevel(loglevel))
	return logger
}

func init() {
	mainCmd.AddCommand(versionCmd)

	viper.SetDefault("getworkpollinterval", 1000)
	viper.SetDefault("noworktimeout", 100000)
	viper.SetDefault("noresponsetimeout", 2)
	viper.SetDefault("poolfailovertimeout", 0)
	viper.SetDefault("reporthashrate", false)
	viper.SetDefault("hashrateinterval", 60)
	viper.SetDefault("hashrateid", "")
	viper.SetDefault("connectionmaxretries", 9000)
	viper.SetDefault("benchmarkblock", 0)
	viper.SetDefault("benchmarkdifficulty", 1.0)
	viper.SetDefault("miners", 1)
	viper.SetDefault("backend", "null")
	viper.SetDefault("ergodicity", 0)
	viper.SetDefault("dagloadmode", "parallel")
	viper.SetDefault("api-service", true)
	viper.SetDefault("api-listen", "0.0.0.0:1234")
	viper.SetDefault("debug", "info")

	pflag.String("cfg", "gominer.json", "config file path")
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	fullcfgname := viper.GetString("cfg")

	if fullcfgname != "gominer.json" {
		viper.SetConfigFile(fullcfgname)
	} else {
		viper.SetConfigName("gominer")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/gominer")
	}

	if err := viper.ReadInConfig(); err != nil {
		println("No config file found. Using built-in defaults.")
	}
}

func main() {
	mainCmd.Execute()
}

//poolConnString folds separate user/pass config fields into the
// connection string when the url does not already carry credentials
func poolConnString(p types.Pool) string {
	if p.User == "" || strings.Contains(p.URL, "@") {
		return p.URL
	}
	sep := strings.Index(p.URL, "://")
	if sep < 0 {
		return p.URL
	}
	cred := p.User
	if p.Pass != "" {
		cred += ":" + p.Pass
	}
	return p.URL[:sep+3] + cred + "@" + p.URL[sep+3:]
}

func configuredPools() []types.Pool {
	var pools []types.Pool
	if err := viper.UnmarshalKey("pools", &pools, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
	}); err != nil {
		return nil
	}
	return pools
}

func buildSettings() pool.Settings {
	settings := pool.DefaultSettings()
	settings.GetWorkPollInterval = time.Duration(viper.GetInt("getworkpollinterval")) * time.Millisecond
	settings.NoWorkTimeout = time.Duration(viper.GetInt("noworktimeout")) * time.Second
	settings.NoResponseTimeout = time.Duration(viper.GetInt("noresponsetimeout")) * time.Second
	settings.PoolFailoverTimeout = time.Duration(viper.GetInt("poolfailovertimeout")) * time.Minute
	settings.ReportHashrate = viper.GetBool("reporthashrate")
	settings.HashRateInterval = time.Duration(viper.GetInt("hashrateinterval")) * time.Second
	if id := viper.GetString("hashrateid"); id != "" {
		settings.HashRateID = id
	}
	settings.ConnectionMaxRetries = viper.GetUint32("connectionmaxretries")
	settings.BenchmarkBlock = viper.GetUint64("benchmarkblock")
	settings.BenchmarkDiff = viper.GetFloat64("benchmarkdifficulty")
	return settings
}

func getBackendByName(name string) (farm.ComputeBackend, error) {
	switch name {
	case "null", "":
		return farm.NewNullBackend(), nil
	default:
		return nil, fmt.Errorf("backend %q not supported", name)
	}
}

func mine() {
	logger := initLogger(viper.GetString("debug"))
	defer logger.Sync()
	slog := logger.Sugar()

	dagMode := farm.DagLoadParallel
	if viper.GetString("dagloadmode") == "sequential" {
		dagMode = farm.DagLoadSequential
	}
	f := farm.New(farm.Settings{
		Ergodicity:  viper.GetUint("ergodicity"),
		DagLoadMode: dagMode,
	}, logger)

	backendName := viper.GetString("backend")
	for i := 0; i < viper.GetInt("miners"); i++ {
		backend, err := getBackendByName(backendName)
		if err != nil {
			slog.Fatalw("cannot build compute backend", "err", err)
		}
		f.AddMiner(backend)
	}

	registry := prometheus.NewRegistry()
	mgr := pool.New(buildSettings(), f, metrics.New(registry), logger)

	seen := make(map[string]bool)
	for _, p := range configuredPools() {
		cs := poolConnString(p)
		if err := mgr.AddConnection(cs); err != nil {
			slog.Errorw("skipping pool", "uri", cs, "err", err)
			continue
		}
		seen[strings.ToLower(cs)] = true
	}

	// fold newly configured pools into the running manager
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		slog.Infow("config file changed", "file", e.Name)
		atom.SetLevel(selectZapLevel(viper.GetString("debug")))
		for _, p := range configuredPools() {
			cs := poolConnString(p)
			if seen[strings.ToLower(cs)] {
				continue
			}
			if err := mgr.AddConnection(cs); err != nil {
				slog.Errorw("skipping pool", "uri", cs, "err", err)
				continue
			}
			seen[strings.ToLower(cs)] = true
		}
	})

	terminated := make(chan struct{})
	mgr.OnTermination(func() {
		close(terminated)
	})

	var apiServer *api.Server
	if viper.GetBool("api-service") {
		apiServer = api.New(mgr, registry, logger)
		apiServer.Start(viper.GetString("api-listen"))
	}

	if err := mgr.Start(); err != nil {
		slog.Fatalw("cannot start pool manager", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-sigCh:
		slog.Info("shutting down")
		mgr.Stop()
	case <-terminated:
		// connection list exhausted or the exit sentinel was reached
		exitCode = 1
	}

	if apiServer != nil {
		apiServer.Stop()
	}
	os.Exit(exitCode)
}

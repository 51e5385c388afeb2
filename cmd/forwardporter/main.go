package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/forwardporter/internal/cfg"
	"github.com/simplesurance/forwardporter/internal/evloop"
	"github.com/simplesurance/forwardporter/internal/genealogy"
	"github.com/simplesurance/forwardporter/internal/gitclt"
	"github.com/simplesurance/forwardporter/internal/githubclt"
	"github.com/simplesurance/forwardporter/internal/logfields"
	"github.com/simplesurance/forwardporter/internal/porter"
	"github.com/simplesurance/forwardporter/internal/provider/github"
	"github.com/simplesurance/forwardporter/internal/retry"
)

const appName = "forwardporter"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)

	}
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

// startSweep runs fn periodically until stop is closed.
func startSweep(name string, interval time.Duration, stop <-chan struct{}, fn func(context.Context, time.Time) error) {
	go func() {
		defer panicHandler()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		logger.Info(
			"periodic sweep started",
			logfields.Event("sweep_started"),
			zap.String("sweep", name),
			zap.Duration("interval", interval),
		)

		for {
			select {
			case now := <-ticker.C:
				if err := fn(context.Background(), now); err != nil {
					logger.Error(
						"sweep failed",
						logfields.Event("sweep_failed"),
						zap.String("sweep", name),
						zap.Error(err),
					)
				}

			case <-stop:
				logger.Debug(
					"periodic sweep terminated",
					logfields.Event("sweep_terminated"),
					zap.String("sweep", name),
				)
				return
			}
		}
	}()
}

// startBranchReloader reloads the configuration file on SIGHUP and applies
// branch sequence changes to the porter.
// Other settings need a restart to take effect.
func startBranchReloader(svc *porter.Service) {
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(reloadChan, syscall.SIGHUP)

	go func() {
		defer panicHandler()

		for range reloadChan {
			logger.Info(
				"reloading configuration file",
				logfields.Event("cfg_reloading"),
				zap.String("cfg_file", *args.ConfigFile),
			)

			file, err := os.Open(*args.ConfigFile)
			if err != nil {
				logger.Error(
					"could not open configuration file",
					logfields.Event("cfg_reload_failed"),
					zap.Error(err),
				)
				continue
			}

			config, err := cfg.Load(file)
			_ = file.Close()
			if err == nil {
				err = config.Validate()
			}
			if err != nil {
				logger.Error(
					"could not reload configuration file",
					logfields.Event("cfg_reload_failed"),
					zap.Error(err),
				)
				continue
			}

			err = svc.OnBranchTopologyChanged(context.Background(), branchSequence(config))
			if err != nil {
				logger.Error(
					"applying reloaded branch sequence failed",
					logfields.Event("cfg_reload_failed"),
					zap.Error(err),
				)
				continue
			}

			logger.Info(
				"branch sequence reloaded",
				logfields.Event("cfg_reloaded"),
				zap.Strings("branches", branchSequence(config).Names()),
			)
		}
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/forwardporter/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the forwardporter configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nReceive GitHub webHook events and forward-port merged pull requests.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	err = config.Validate()
	if err != nil {
		exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	logLevel := zapcore.InfoLevel
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if config.LogLevel != "" {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt", "":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func branchSequence(config *cfg.Config) genealogy.Sequence {
	seq := make(genealogy.Sequence, 0, len(config.Branches))
	for _, b := range config.Branches {
		seq = append(seq, genealogy.Branch{Name: b.Name, Active: b.Active})
	}

	return seq
}

func porterRepositories(config *cfg.Config) (repos []*porter.Repository, names []string) {
	for _, r := range config.Repositories {
		repos = append(repos, &porter.Repository{
			Name:           r.Name,
			FPRemoteTarget: r.FPRemoteTarget,
			UpstreamRemote: r.UpstreamRemote,
			ForkRemote:     r.ForkRemote,
			Git:            gitclt.New(r.GitDir),
		})
		names = append(names, r.Name)
	}

	return repos, names
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	// SIGHUP is excluded, it triggers a configuration reload instead of a
	// shutdown
	goodbye.Notify(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.Strings("branches", branchSequence(config).Names()),
		zap.Duration("reminder_interval", config.ReminderInterval()),
		zap.Duration("branch_gc_interval", config.BranchGCInterval()),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	githubClient := githubclt.New(config.GithubAPIToken)
	store := genealogy.NewStore()
	repos, repoNames := porterRepositories(config)

	bot := genealogy.Identity{Name: config.Bot.Name, Email: config.Bot.Email}
	notifier := porter.NewCommentNotifier(githubClient, retry.NewRetryer())

	svc := porter.New(
		store,
		githubClient,
		notifier,
		retry.NewRetryer(),
		repos,
		branchSequence(config),
		bot,
	)

	evl := evloop.New(
		store,
		svc,
		repoNames,
		config.Bot.Login,
		evloop.WithRoutineDeferFunc(panicHandler),
	)

	go func() {
		defer panicHandler()
		evl.Start()
	}()

	sweepStop := make(chan struct{})
	startSweep("reminder", config.ReminderInterval(), sweepStop, svc.RemindStalled)
	startSweep("branch-gc", config.BranchGCInterval(), sweepStop, svc.DeleteStaleBranches)

	startBranchReloader(svc)

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping event loop and porter",
			logfields.Event("event_loop_stopping"),
		)

		close(sweepStop)
		evl.Stop()
		svc.Stop()
	})

	gh := github.New(
		evl.C(),
		github.WithPayloadSecret(config.GithubWebHookSecret),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/web-casa/dockerops/internal/config"
	"github.com/web-casa/dockerops/internal/database"
	"github.com/web-casa/dockerops/internal/event"
	"github.com/web-casa/dockerops/internal/orchestrator"
	"github.com/web-casa/dockerops/internal/reconcile"
	"github.com/web-casa/dockerops/internal/source"
	"github.com/web-casa/dockerops/internal/store"
	"github.com/web-casa/dockerops/internal/volume"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	app := &cli.App{
		Name:        "dockerops",
		Usage:       "Keep a Docker Swarm in line with the stacks declared in git",
		Version:     version,
		HideVersion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML configuration file",
				EnvVars: []string{"DOCKEROPS_CONFIG"},
			},
			&cli.BoolFlag{
				Name:  "allow-non-root",
				Usage: "skip the root privilege check",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "watch",
				Usage:     "Deploy the stacks of a repository and keep watching it",
				ArgsUsage: "<repository url>",
				Action:    watchCmd,
			},
			{
				Name:  "reconcile",
				Usage: "Run one pass over every watched repository",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "redeploy stacks even when unchanged"},
				},
				Action: reconcileCmd,
			},
			{
				Name:   "stop",
				Usage:  "Remove every stack and image and forget all watched repositories",
				Action: stopCmd,
			},
			{
				Name:  "daemon",
				Usage: "Watch the configured repositories and reconcile periodically",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "interval", Usage: "time between reconcile passes"},
					&cli.StringSliceFlag{Name: "repo", Usage: "repository to watch, repeatable"},
				},
				Action: daemonCmd,
			},
			{
				Name:   "status",
				Usage:  "Show watched repositories, stacks and images",
				Action: statusCmd,
			},
			{
				Name:  "version",
				Usage: "Print the version",
				Action: func(c *cli.Context) error {
					fmt.Fprintf(c.App.Writer, "dockerops %s\n", version)
					return nil
				},
			},
			{
				Name:   "hash-password",
				Usage:  "Read a password from stdin and print its bcrypt hash for api_password_hash",
				Action: hashPasswordCmd,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
	os.Exit(1)
}

// appContext holds the wired services for one command.
type appContext struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	store    *store.Store
	docker   *orchestrator.Docker
	events   *event.Bus
	recorder *event.Recorder
	service  *reconcile.Service
}

func (a *appContext) Close() {
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Warn("failed to close docker client", "err", err)
		}
	}
	if a.db != nil {
		if err := database.Close(a.db); err != nil {
			a.logger.Warn("failed to close database", "err", err)
		}
	}
}

func requireRoot(c *cli.Context) error {
	if c.Bool("allow-non-root") || os.Geteuid() == 0 {
		return nil
	}
	return errors.New("dockerops must run as root to stage volumes and manage stacks (use --allow-non-root to override)")
}

// loadConfig reads configuration and builds the logger.
func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	return cfg, logger, nil
}

// openStore opens the state database only.
func openStore(c *cli.Context) (*appContext, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &appContext{cfg: cfg, logger: logger, db: db, store: store.New(db)}, nil
}

// setup wires every service a reconciling command needs.
func setup(c *cli.Context) (*appContext, error) {
	if err := requireRoot(c); err != nil {
		return nil, err
	}
	app, err := openStore(c)
	if err != nil {
		return nil, err
	}
	cfg, logger := app.cfg, app.logger

	docker, err := orchestrator.NewDocker(cfg.DockerHost, logger.With("component", "orchestrator"))
	if err != nil {
		app.Close()
		return nil, err
	}
	app.docker = docker

	app.events = event.NewBus(logger.With("component", "events"))
	app.recorder = event.NewRecorder(event.DefaultCapacity)
	app.recorder.Attach(app.events)

	materializer := volume.NewMaterializer(cfg.Owner, logger.With("component", "volume"))
	engine := reconcile.NewEngine(app.store, docker, materializer, app.events, reconcile.Options{
		PullPolicy: cfg.ImagePullPolicy,
		ImageScope: cfg.ImageScope,
	}, logger.With("component", "engine"))

	git := source.NewGitSource(cfg.WorkDir, cfg.GitToken, cfg.SSHKeyPath, logger.With("component", "source"))
	app.service = reconcile.NewService(engine, app.store, git, docker, logger)

	logger.Debug("configuration loaded",
		"data_dir", cfg.DataDir,
		"docker_host", cfg.DockerHost,
		"pull_policy", string(cfg.ImagePullPolicy),
		"image_scope", string(cfg.ImageScope),
	)
	return app, nil
}

func watchCmd(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("watch takes exactly one repository url")
	}
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()

	start := time.Now()
	if err := app.service.Watch(c.Context, c.Args().First()); err != nil {
		return err
	}
	app.logger.Info("watch complete", "duration", time.Since(start).String())
	return nil
}

func reconcileCmd(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()

	start := time.Now()
	if err := app.service.Reconcile(c.Context, c.Bool("force")); err != nil {
		return err
	}
	app.logger.Info("reconcile complete", "duration", time.Since(start).String())
	return nil
}

func stopCmd(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()
	return app.service.Teardown(c.Context)
}

func daemonCmd(c *cli.Context) error {
	app, err := setup(c)
	if err != nil {
		return err
	}
	defer app.Close()

	interval := app.cfg.Interval
	if c.IsSet("interval") {
		interval = c.Duration("interval")
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", interval)
	}
	repos := app.cfg.Repos
	if c.IsSet("repo") {
		repos = c.StringSlice("repo")
	}

	apiDone := make(chan struct{})
	if app.cfg.APIAddr != "" {
		srv, err := newAPIServer(c.Context, app)
		if err != nil {
			return err
		}
		go func() {
			defer close(apiDone)
			srv.run(c.Context)
		}()
	} else {
		close(apiDone)
	}

	err = app.service.RunDaemon(c.Context, repos, interval)
	<-apiDone
	return err
}

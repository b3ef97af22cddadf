// Command toolcache manages the versioned external tool cache and the
// operation result cache from the terminal, for operators and CI debugging.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/toolcache/acquire"
	"github.com/wolfeidau/toolcache/opcache"
)

type globals struct {
	CacheDir  string `help:"Cache root directory." env:"TOOLCACHE_DIR" default:"~/.cache/toolcache" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string `help:"Log format (text, json)." enum:"text,json" default:"text"`

	logger *slog.Logger
}

type cli struct {
	globals

	Acquire    acquireCmd    `cmd:"" help:"Download, verify and install a tool version."`
	Validate   validateCmd   `cmd:"" help:"Check that an installed tool version is usable."`
	List       listCmd       `cmd:"" help:"List installed tool versions."`
	Cleanup    cleanupCmd    `cmd:"" help:"Remove installed versions not in the keep list, plus staging files."`
	Stats      statsCmd      `cmd:"" help:"Show result cache statistics."`
	Invalidate invalidateCmd `cmd:"" help:"Delete cached results for a project."`
	Clear      clearCmd      `cmd:"" help:"Delete the entire result cache."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("toolcache"),
		kong.Description("Versioned tool acquisition and operation result caching."),
		kong.UsageOnError(),
	)

	c.globals.logger = newLogger(c.LogLevel, c.LogFormat)
	slog.SetDefault(c.globals.logger)

	kctx.FatalIfErrorf(kctx.Run(&c.globals))
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(handler)
}

type toolFlags struct {
	URLTemplate     string        `help:"Download URL template with {version} and {platform} placeholders." env:"TOOLCACHE_URL_TEMPLATE" required:""`
	HashURLTemplate string        `help:"Published digest URL template." env:"TOOLCACHE_HASH_URL_TEMPLATE"`
	Executable      string        `help:"Executable file name inside the artifact." default:"schematool"`
	Verify          bool          `help:"Verify the published digest after install."`
	Timeout         time.Duration `help:"Per-attempt download timeout." default:"60s"`
	MaxRetries      int           `help:"Download attempt budget." default:"3"`
}

func (f toolFlags) manager(g *globals) (*acquire.Manager, error) {
	return acquire.New(acquire.Config{
		CacheDir:            g.CacheDir,
		ExecutableName:      f.Executable,
		DownloadURLTemplate: f.URLTemplate,
		HashURLTemplate:     f.HashURLTemplate,
		VerifyHash:          f.Verify,
		DownloadTimeout:     f.Timeout,
		MaxRetries:          f.MaxRetries,
		Logger:              g.logger,
	})
}

type acquireCmd struct {
	toolFlags
	Version string `arg:"" help:"Tool version to acquire."`
}

func (c *acquireCmd) Run(g *globals) error {
	mgr, err := c.manager(g)
	if err != nil {
		return err
	}

	path, err := mgr.Acquire(context.Background(), c.Version, acquire.Options{})
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

type validateCmd struct {
	toolFlags
	Version string `arg:"" help:"Tool version to validate."`
}

func (c *validateCmd) Run(g *globals) error {
	mgr, err := c.manager(g)
	if err != nil {
		return err
	}

	if !mgr.Validate(context.Background(), c.Version) {
		return fmt.Errorf("version %s is not usable", c.Version)
	}
	fmt.Println("ok")
	return nil
}

type listCmd struct {
	toolFlags
}

func (c *listCmd) Run(g *globals) error {
	mgr, err := c.manager(g)
	if err != nil {
		return err
	}

	versions, err := mgr.ListInstalled()
	if err != nil {
		return err
	}
	for _, v := range versions {
		fmt.Println(v)
	}
	return nil
}

type cleanupCmd struct {
	toolFlags
	Keep []string `help:"Versions to keep." sep:","`
}

func (c *cleanupCmd) Run(g *globals) error {
	mgr, err := c.manager(g)
	if err != nil {
		return err
	}
	return mgr.Cleanup(c.Keep)
}

func resultCache(g *globals) (*opcache.Cache, error) {
	return opcache.New(opcache.Config{
		Dir:    g.CacheDir,
		Logger: g.logger,
	})
}

type statsCmd struct{}

func (c *statsCmd) Run(g *globals) error {
	cache, err := resultCache(g)
	if err != nil {
		return err
	}
	defer cache.Close()

	stats, err := cache.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("entries: %d\n", stats.TotalEntries)
	fmt.Printf("size:    %d bytes\n", stats.TotalSize)
	fmt.Printf("hit rate: %.1f%%\n", stats.HitRate*100)
	if !stats.Oldest.IsZero() {
		fmt.Printf("oldest:  %s\n", stats.Oldest.Format(time.RFC3339))
		fmt.Printf("newest:  %s\n", stats.Newest.Format(time.RFC3339))
	}
	return nil
}

type invalidateCmd struct {
	Project   string `arg:"" help:"Project whose entries are deleted."`
	Operation string `arg:"" optional:"" help:"Narrow the sweep to one operation."`
}

func (c *invalidateCmd) Run(g *globals) error {
	cache, err := resultCache(g)
	if err != nil {
		return err
	}
	defer cache.Close()

	return cache.Invalidate(c.Project, c.Operation)
}

type clearCmd struct{}

func (c *clearCmd) Run(g *globals) error {
	cache, err := resultCache(g)
	if err != nil {
		return err
	}
	defer cache.Close()

	return cache.Clear()
}

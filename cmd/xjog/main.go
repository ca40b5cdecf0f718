package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/samihult/xjog/engine"
	"github.com/samihult/xjog/store"
)

// LogConfig configures logrus from flags.
type LogConfig struct {
	Level  string `long:"log.level" env:"XJOG_LOG_LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"log.format" env:"XJOG_LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

func (c LogConfig) configure() {
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(level)
	}
}

type serveCmd struct {
	Database string `long:"database" env:"XJOG_DATABASE" default:"xjog.db" description:"SQLite database path"`
	Demo     bool   `long:"demo" description:"Register the built-in demo machines"`

	Log    LogConfig     `group:"Logging" namespace:"" env-namespace:""`
	Engine engine.Config `group:"Engine" namespace:"" env-namespace:""`
}

// Execute runs an engine against the database until SIGTERM, then
// drains it. Without machines the instance still adopts idle charts,
// serves deferred events for them, and keeps the store live for other
// tooling.
func (c *serveCmd) Execute([]string) error {
	c.Log.configure()

	var st, err = store.Open(c.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	var e = engine.New(st, c.Engine)
	if c.Demo {
		for _, m := range demoMachines() {
			if err = e.RegisterMachine(m); err != nil {
				return err
			}
		}
	}

	if err = e.Start(context.Background()); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"instance": e.ID(),
		"database": c.Database,
	}).Info("serving")

	var g, _ = errgroup.WithContext(context.Background())
	g.Go(func() error {
		var sig = make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case s := <-sig:
			log.WithField("signal", s).Info("signaled, draining")
			var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return e.Shutdown(ctx)
		case <-e.Halted():
			// Overthrown by a successor; the engine drained itself.
			return nil
		}
	})
	return g.Wait()
}

type printConfigCmd struct {
	Engine engine.Config `group:"Engine" namespace:"" env-namespace:""`
}

// Execute prints the effective engine configuration after validation.
func (c *printConfigCmd) Execute([]string) error {
	c.Engine.Validate()
	var out, err = json.MarshalIndent(c.Engine, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Run an engine instance", `
Run an engine instance against the given database until signaled to exit
(via SIGTERM). Starting an instance overthrows any instance already
serving the database; that instance drains and hands its charts over.
`, &serveCmd{Engine: engine.DefaultConfig()})

	addCmd(parser, "print-config", "Print the effective configuration", `
Print the engine configuration that would be used, after applying flag
and environment overrides and validation clamps.
`, &printConfigCmd{Engine: engine.DefaultConfig()})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, name, short, long string, data interface{}) *flags.Command {
	var cmd, err = to.AddCommand(name, short, long, data)
	if err != nil {
		log.WithFields(log.Fields{
			"command": name,
			"error":   err,
		}).Fatal("failed to add flags parser command")
	}
	return cmd
}

package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sirupsen/logrus"

	"cpetscm/internal/config"
	"cpetscm/internal/web"
)

var (
	app = kingpin.New("tscm", "CPE technical security compliance monitoring.")

	configPath = app.Flag("config", "Configuration file path.").Short('c').Default("config.yaml").Envar("TSCM_CONFIG").String()
	verbose    = app.Flag("verbose", "Force debug logging.").Short('v').Bool()

	versionCommand = app.Command("version", "Show version information.")

	// commandHandlers return true when they handled the command.
	commandHandlers []func(command string) bool
)

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	kingpin.FatalIfError(err, "Unable to load config file")

	if *verbose {
		cfg.Logging.Level = "debug"
	}
	setupLogging(cfg.Logging)

	return cfg
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}

func main() {
	app.HelpFlag.Short('h')
	app.UsageTemplate(kingpin.CompactUsageTemplate)

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == versionCommand.FullCommand() {
		fmt.Printf("tscm %s (commit %s, built %s)\n", web.Version, web.GitCommit, web.BuildTime)
		return
	}

	for _, handler := range commandHandlers {
		if handler(command) {
			return
		}
	}
	kingpin.Fatalf("unknown command %q", command)
}

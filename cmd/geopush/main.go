package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/geopush/geopush/internal/config"
	"github.com/geopush/geopush/internal/utils"
	"github.com/geopush/geopush/internal/version"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configFileName = "geopush"

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
)

// flagKeys binds command line flags to config keys. Only flags defined on
// the running command are bound.
var flagKeys = map[string]string{
	"api":            "api.url",
	"token":          "api.token",
	"log-file":       "log_file",
	"push-size":      "upload.max_push_size",
	"changeset-size": "upload.max_changeset_size",
	"way-nodes":      "upload.max_way_nodes",
	"strategy":       "upload.split_strategy",
	"sharding":       "upload.sharding",
	"journal":        "journal",
	"output":         "output_dir",
	"summary":        "summary_format",
}

// cli carries state shared by the subcommands of one invocation.
type cli struct {
	v       *viper.Viper
	cfg     *config.Config
	verbose bool
	closer  io.Closer
}

func (c *cli) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "geopush",
		Short:         "Publish osmChange edits to an OSM-style map API",
		Version:       version.Detailed(),
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, c.v)
			if err != nil {
				return err
			}
			c.cfg = cfg
			closer, err := setupLogger(cmd.ErrOrStderr(), cfg.LogFile, c.verbose)
			if err != nil {
				return err
			}
			c.closer = closer
			slog.Debug("config", "config", cfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default ~/.geopush/geopush.{yaml,json,toml})")
	rootCmd.PersistentFlags().String("env-file", ".env", "Dotenv file with credentials")
	rootCmd.PersistentFlags().String("api", config.DefaultAPIURL, "Map API base url")
	rootCmd.PersistentFlags().String("token", "", "Map API bearer token")
	rootCmd.PersistentFlags().String("log-file", config.DefaultLogFilePath, "Log file")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Debug output on the console")

	rootCmd.AddCommand(newPushCmd(c))
	rootCmd.AddCommand(newSplitCmd(c))
	rootCmd.AddCommand(newFixCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{v: viper.New()}
	err := newRootCmd(c).ExecuteContext(ctx)
	c.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	if err := loadEnvFile(cmd); err != nil {
		return nil, err
	}

	config.SetDefaults(v)

	// config path
	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else if envPath := os.Getenv(config.EnvPrefix + "_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		v.AddConfigPath(config.DefaultConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName(configFileName)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	// Bind flags to viper
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	// Set up environment variables
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return config.Load(v)
}

// loadEnvFile loads credentials from a dotenv file. A missing default file
// is not an error.
func loadEnvFile(cmd *cobra.Command) error {
	f := cmd.Flag("env-file")
	if f == nil || f.Value.String() == "" {
		return nil
	}
	path := f.Value.String()
	if !f.Changed && !utils.FileExists(path) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file '%s': %w", path, err)
	}
	return nil
}

// setupLogger logs to the console and, when logFile is set, to a file with
// debug detail.
func setupLogger(console io.Writer, logFile string, verbose bool) (io.Closer, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	noColor := true
	if f, ok := console.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
	}
	consoleHandler := tint.NewHandler(console, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	})
	if logFile == "" {
		slog.SetDefault(slog.New(consoleHandler))
		return nil, nil
	}

	if err := utils.EnsureParent(logFile); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the interceptor stamps the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	return closerFunc(func() error {
		return errors.Join(logInterceptor.Close(), file.Close())
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

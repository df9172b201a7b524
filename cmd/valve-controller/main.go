// Command valve-controller drives an irrigation valve from a schedule, manual
// overrides and a mode switch, and reports over MQTT and HTTP.
package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sweeney/valve-controller/internal/config"
	"github.com/sweeney/valve-controller/internal/gpio"
	"github.com/sweeney/valve-controller/internal/logging"
	"github.com/sweeney/valve-controller/internal/logic"
	"github.com/sweeney/valve-controller/internal/persist"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "valve-controller",
		Short:         "Irrigation valve controller",
		Long:          `valve-controller opens and closes a latching irrigation valve according to a schedule, manual overrides received over MQTT or HTTP, and a physical mode switch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", config.DefaultPath, "Path to the YAML config file")

	root.AddCommand(newRunCmd(), newStateCmd(), newVersionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			logger, err := logging.New(logging.Options{Debug: cfg.Log.Debug, File: cfg.Log.File})
			if err != nil {
				logger = logging.Fallback()
				logger.Warn("Falling back to default logger", zap.Error(err))
			}
			defer logger.Sync()

			return run(cfg, dryRun, logger)
		},
	}
	f := cmd.Flags()
	f.String("broker", "", "MQTT broker address (overrides config)")
	f.String("device-id", "", "Device ID used in MQTT topics (overrides config)")
	f.String("http", "", `HTTP status address, "off" disables (overrides config)`)
	f.String("store", "", "State store type: memory, file, sqlite, redis (overrides config)")
	f.Bool("debug", false, "Enable debug logging")
	f.Bool("dry-run", false, "Do not touch GPIO; keep state in memory")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted valve state and the mode switch position, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := persist.Open(cfg.StoreOptions())
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			var reader gpio.ModeReader
			if cfg.ModeSwitch.Enabled {
				ms := cfg.ModeSwitch
				r, err := gpio.NewRealModeReader(ms.PinOpen, ms.PinAuto, ms.PinClosed)
				if err != nil {
					return fmt.Errorf("init mode switch: %w", err)
				}
				defer r.Close()
				reader = r
			}
			return printState(cmd.OutOrStdout(), store, reader)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of valve-controller",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "valve-controller version %s\n", version)
		},
	}
}

// loadConfig reads the config file and applies flag overrides. A missing
// file at the default path means built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("config") {
			return nil, err
		}
		cfg = config.Default()
	}

	f := cmd.Flags()
	if f.Lookup("broker") != nil && f.Changed("broker") {
		cfg.MQTT.Broker, _ = f.GetString("broker")
	}
	if f.Lookup("device-id") != nil && f.Changed("device-id") {
		cfg.Device.ID, _ = f.GetString("device-id")
	}
	if f.Lookup("http") != nil && f.Changed("http") {
		addr, _ := f.GetString("http")
		if addr == "off" {
			addr = ""
		}
		cfg.HTTP.Addr = addr
	}
	if f.Lookup("store") != nil && f.Changed("store") {
		cfg.Store.Type, _ = f.GetString("store")
	}
	if f.Lookup("debug") != nil && f.Changed("debug") {
		cfg.Log.Debug, _ = f.GetBool("debug")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func printState(w io.Writer, store logic.Store, reader gpio.ModeReader) error {
	state, ok, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if ok {
		fmt.Fprintf(w, "Valve: %s\n", state)
	} else {
		fmt.Fprintln(w, "Valve: UNKNOWN (nothing persisted)")
	}

	if reader == nil {
		return nil
	}
	open, auto, closed, err := reader.Read()
	if err != nil {
		return fmt.Errorf("read mode switch: %w", err)
	}
	fmt.Fprintf(w, "Mode: %s\n", logic.ResolveMode(open, auto, closed, logic.ModeInitialized))
	return nil
}

// dfu-agent drives a host-side device firmware update session: it pairs a
// Firmware Source (local image or cloud long-poll) with a Firmware Device
// transport and loops Status/Command exchanges until the device reports it
// is synchronized.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agsys/dfu-agent/internal/device"
	"github.com/agsys/dfu-agent/internal/firmware"
	"github.com/agsys/dfu-agent/internal/session"
	"github.com/agsys/dfu-agent/internal/source"
	"github.com/agsys/dfu-agent/internal/store"
)

// Config represents the configuration file structure.
type Config struct {
	Device struct {
		Label     string `yaml:"label"`
		Transport string `yaml:"transport"` // simulate, serial, gatt, ipc

		SimulatorVersion string `yaml:"simulator_version"`

		Serial struct {
			Port string `yaml:"port"`
		} `yaml:"serial"`

		GATT struct {
			Address           string `yaml:"address"`
			ControlStart      byte   `yaml:"control_start"`
			ControlSwap       byte   `yaml:"control_swap"`
			ControlMarkBooted byte   `yaml:"control_mark_booted"`
		} `yaml:"gatt"`

		IPC struct {
			CommandURL string `yaml:"command_url"`
		} `yaml:"ipc"`
	} `yaml:"device"`

	Source struct {
		Kind string `yaml:"kind"` // local, cloud

		Local struct {
			MetaPath string `yaml:"meta_path"`
		} `yaml:"local"`

		Cloud struct {
			URL                    string `yaml:"url"`
			Path                   string `yaml:"path"`
			User                   string `yaml:"user"`
			Password               string `yaml:"password"`
			LongPollTimeoutSeconds int    `yaml:"long_poll_timeout_seconds"`
			ActAsName              string `yaml:"act_as_name"`
			BackoffMS              int    `yaml:"backoff_ms"`
		} `yaml:"cloud"`

		Notify struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"notify"`
	} `yaml:"source"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "dfu-agent",
		Short: "Host-side device firmware update agent",
		Long:  "Drives a device through a chunked, resumable firmware update against a local image or a cloud long-poll source.",
	}

	generateCmd = &cobra.Command{
		Use:   "generate <version> <firmware-file> <meta-file>",
		Short: "Write a firmware metadata sidecar for the Local Image source",
		Args:  cobra.ExactArgs(3),
		RunE:  runGenerate,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Drive update sessions until the device is synced (with push notifications enabled, keep polling)",
		RunE:  runUpdate,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "List recent session history",
		RunE:  runHistory,
	}

	historyLimit  int
	historyDevice string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/dfu-agent/config.yaml", "Configuration file path")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of sessions to list")
	historyCmd.Flags().StringVar(&historyDevice, "device", "", "Only list sessions for this device label")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	version, path, metaPath := args[0], args[1], args[2]
	if err := firmware.WriteMeta(version, path, metaPath); err != nil {
		return fmt.Errorf("generate firmware metadata: %w", err)
	}
	log.Printf("wrote firmware metadata for version %s to %s", version, metaPath)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dev, closeDev, err := buildDevice(cfg)
	if err != nil {
		return fmt.Errorf("failed to build device transport: %w", err)
	}
	if closeDev != nil {
		defer closeDev()
	}

	src, waiter, stopSrc, err := buildSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to build firmware source: %w", err)
	}
	if stopSrc != nil {
		defer stopSrc()
	}

	label := cfg.Device.Label
	if label == "" {
		label = "default"
	}

	drv := session.New(dev, src, label)
	drv.Waiter = waiter

	if cfg.Store.Path != "" {
		db, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open session history store: %w", err)
		}
		defer db.Close()
		drv.Recorder = db
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received signal %v, cancelling session", sig)
		cancel()
	}()

	log.Printf("starting dfu session for device %q via %s", label, cfg.Device.Transport)
	if err := drv.Run(ctx); err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}

	log.Println("device synced")
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path is not configured")
	}

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open session history store: %w", err)
	}
	defer db.Close()

	var records []*store.SessionRecord
	if historyDevice != "" {
		records, err = db.GetSessionsForDevice(historyDevice, historyLimit)
	} else {
		records, err = db.GetRecentSessions(historyLimit)
	}
	if err != nil {
		return fmt.Errorf("failed to list session history: %w", err)
	}

	for _, r := range records {
		fmt.Printf("%s  %-16s  %s -> %s  %-8s  chunks=%d  %s\n",
			r.FinishedAt.Format(time.RFC3339), r.DeviceLabel, r.FromVersion, r.ToVersion,
			r.Outcome, r.ChunksWritten, r.ErrorMessage)
	}
	return nil
}

func buildDevice(cfg *Config) (device.Device, func(), error) {
	switch cfg.Device.Transport {
	case "", "simulate":
		version := cfg.Device.SimulatorVersion
		if version == "" {
			version = "0.0.0"
		}
		return device.NewSimulator([]byte(version)), nil, nil

	case "serial":
		if cfg.Device.Serial.Port == "" {
			return nil, nil, fmt.Errorf("device.serial.port is required for transport=serial")
		}
		port, err := os.OpenFile(cfg.Device.Serial.Port, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open serial port: %w", err)
		}
		return device.NewSerial(port), func() { port.Close() }, nil

	case "ipc":
		ipcCfg := device.DefaultIPCConfig()
		if cfg.Device.IPC.CommandURL != "" {
			ipcCfg.CommandURL = cfg.Device.IPC.CommandURL
		}
		ctx := context.Background()
		ipc, err := device.NewIPC(ctx, ipcCfg)
		if err != nil {
			return nil, nil, err
		}
		return ipc, func() { ipc.Close() }, nil

	case "gatt":
		return nil, nil, fmt.Errorf("transport=gatt requires a running BLE adapter; construct device.GATT directly rather than via config")

	default:
		return nil, nil, fmt.Errorf("unknown device.transport %q", cfg.Device.Transport)
	}
}

// buildSource returns the Firmware Source, an optional Waiter for the
// Driver's outer poll loop (non-nil only for a cloud source with push
// notifications enabled), and an optional cleanup func.
func buildSource(cfg *Config) (source.Source, session.Waiter, func(), error) {
	switch cfg.Source.Kind {
	case "", "local":
		if cfg.Source.Local.MetaPath == "" {
			return nil, nil, nil, fmt.Errorf("source.local.meta_path is required for source.kind=local")
		}
		img, err := firmware.Load(cfg.Source.Local.MetaPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("load firmware image: %w", err)
		}
		return source.NewLocal(img), nil, nil, nil

	case "cloud":
		cloudCfg := source.DefaultCloudConfig()
		cloudCfg.URL = cfg.Source.Cloud.URL
		if cfg.Source.Cloud.Path != "" {
			cloudCfg.Path = cfg.Source.Cloud.Path
		}
		cloudCfg.User = cfg.Source.Cloud.User
		cloudCfg.Password = cfg.Source.Cloud.Password
		cloudCfg.ActAsName = cfg.Source.Cloud.ActAsName
		if cfg.Source.Cloud.LongPollTimeoutSeconds > 0 {
			cloudCfg.LongPollTimeout = time.Duration(cfg.Source.Cloud.LongPollTimeoutSeconds) * time.Second
		}
		if cfg.Source.Cloud.BackoffMS > 0 {
			cloudCfg.BackoffDelay = time.Duration(cfg.Source.Cloud.BackoffMS) * time.Millisecond
		}
		cloud := source.NewCloud(cloudCfg)

		if cfg.Source.Notify.Enabled {
			notifyCfg := source.DefaultNotifierConfig()
			notifyCfg.URL = cfg.Source.Notify.URL
			notifier := source.NewNotifier(notifyCfg)
			notifier.Start(context.Background())

			// The same wakeup channel both short-circuits the cloud's
			// unparseable-body backoff and cuts the Driver's inter-session
			// poll_hint_seconds wait short, so a server push is felt
			// wherever this session happens to be waiting.
			cloud.SetWakeup(notifier.Wakeup())
			waiter := &source.PollWaiter{
				Wakeup:          notifier.Wakeup(),
				DefaultInterval: cloudCfg.LongPollTimeout,
			}
			return cloud, waiter, notifier.Stop, nil
		}
		return cloud, nil, nil, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown source.kind %q", cfg.Source.Kind)
	}
}

// File: main.go

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"speedtest-orchestrator/pkg/config"
	"speedtest-orchestrator/pkg/controller"
	"speedtest-orchestrator/pkg/database"
	"speedtest-orchestrator/pkg/fetch"
	"speedtest-orchestrator/pkg/models"
	"speedtest-orchestrator/pkg/probe"
	"speedtest-orchestrator/pkg/selector"
	"speedtest-orchestrator/pkg/stream"
	"speedtest-orchestrator/pkg/worker"
)

var (
	debugFlag bool
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "speedtest-orchestrator",
	Short: "A tool for selecting speed test servers and running speed tests",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Set up logging based on the debug flag
		var logLevel slog.Level
		if debugFlag {
			logLevel = slog.LevelDebug
		} else {
			logLevel = slog.LevelInfo
		}

		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Probe every server of a list and print the one with the lowest latency",
	Run: func(cmd *cobra.Command, args []string) {
		settings := config.Load(viper.GetViper())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, err := newController(settings)
		if err != nil {
			logger.Error("Error creating controller", "error", err)
			os.Exit(1)
		}
		source, _ := cmd.Flags().GetString("servers")
		if err := loadServers(ctx, c, source, settings); err != nil {
			logger.Error("Error loading servers", "error", err)
			os.Exit(1)
		}

		best, err := c.SelectBestServer(ctx)
		if err != nil {
			logger.Error("Error selecting server", "error", err)
			os.Exit(1)
		}
		if best == nil {
			logger.Error("No reachable server", "servers", len(c.Servers()))
			os.Exit(1)
		}
		fmt.Printf("%s\t%s\n", best.Name, best.BaseURL)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a speed test, selecting a server first when a server list is given",
	Example: `run --servers https://example.com/servers.json
run --param url_dl=https://speed.example.com/garbage.php --param time_dl_max=10 --save`,
	Run: func(cmd *cobra.Command, args []string) {
		settings := config.Load(viper.GetViper())
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, err := newController(settings)
		if err != nil {
			logger.Error("Error creating controller", "error", err)
			os.Exit(1)
		}
		params, _ := cmd.Flags().GetStringArray("param")
		if err := configure(c, settings.Parameters, params); err != nil {
			logger.Error("Invalid test parameter", "error", err)
			os.Exit(1)
		}

		source, _ := cmd.Flags().GetString("servers")
		if source != "" || settings.ServerList != "" {
			if err := loadServers(ctx, c, source, settings); err != nil {
				logger.Error("Error loading servers", "error", err)
				os.Exit(1)
			}
			best, err := c.SelectBestServer(ctx)
			if err != nil || best == nil {
				logger.Error("Error selecting server", "error", err, "servers", len(c.Servers()))
				os.Exit(1)
			}
			logger.Info("Testing against server", "server", best.Name, "url", best.BaseURL)
		}

		c.OnUpdate(func(s models.StatusSnapshot) {
			logger.Debug("Progress",
				"phase", s.TestState,
				"download_mbps", s.DlStatus,
				"upload_mbps", s.UlStatus,
				"ping_ms", s.PingStatus,
				"jitter_ms", s.JitterStatus)
		})
		if err := c.Start(); err != nil {
			logger.Error("Error starting test", "error", err)
			os.Exit(1)
		}

		aborted, err := c.Wait(ctx)
		if err != nil {
			// a second interrupt kills the process
			stop()
			logger.Info("Interrupted, aborting test")
			if err := c.Abort(); err != nil && !errors.Is(err, controller.ErrNotRunning) {
				logger.Error("Error aborting test", "error", err)
			}
			if aborted, err = c.Wait(context.Background()); err != nil {
				logger.Error("Error waiting for test", "error", err)
				os.Exit(1)
			}
		}

		last := c.Last()
		fmt.Printf("phase=%s download=%.2fMbps upload=%.2fMbps ping=%.2fms jitter=%.2fms ip=%s\n",
			last.TestState, last.DlStatus, last.UlStatus, last.PingStatus, last.JitterStatus, last.ClientIP)

		if save, _ := cmd.Flags().GetBool("save"); save {
			if err := saveMeasurement(c, last, aborted); err != nil {
				logger.Error("Error saving measurement", "error", err)
				os.Exit(1)
			}
			logger.Info("Measurement saved")
		}
		if aborted {
			os.Exit(2)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve speed test runs to websocket clients on /ws/run",
	Run: func(cmd *cobra.Command, args []string) {
		settings := config.Load(viper.GetViper())
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			settings.ServeAddr = addr
		}

		// fail on a bad transport before accepting clients
		if _, err := newController(settings); err != nil {
			logger.Error("Error creating controller", "error", err)
			os.Exit(1)
		}
		srv := stream.NewServer(func() *controller.Controller {
			c, _ := newController(settings)
			return c
		}, settings.Parameters, logger)

		logger.Info("Listening", "addr", settings.ServeAddr)
		if err := http.ListenAndServe(settings.ServeAddr, srv.Handler()); err != nil {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the most recent saved measurements",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		server, _ := cmd.Flags().GetString("server")
		limit, _ := cmd.Flags().GetInt("limit")
		measurements, err := db.RecentMeasurements(cmd.Context(), server, limit)
		if err != nil {
			logger.Error("Error retrieving measurements", "error", err)
			os.Exit(1)
		}
		for _, m := range measurements {
			fmt.Printf("%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\tAS%s %s\taborted=%t\n",
				m.Time.Format(time.RFC3339), m.ServerName, m.Download, m.Upload, m.Ping, m.Jitter,
				m.ClientASN, m.ClientOrg, m.Aborted)
		}
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the measurements table",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := initDB()
		if err != nil {
			logger.Error("Error initializing database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("Database schema initialized")
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("address", "", "Address to connect to, overriding the URL host (default fetch.address)")
	viper.BindPFlag("fetch.address", rootCmd.PersistentFlags().Lookup("address"))
	selectCmd.Flags().String("servers", "", "Server list URL or JSON/YAML file (default test.server_list)")
	runCmd.Flags().String("servers", "", "Server list URL or JSON/YAML file (default test.server_list)")
	runCmd.Flags().StringArray("param", nil, "Test parameter as key=value, repeatable")
	runCmd.Flags().Bool("save", false, "Store the result in the database")
	serveCmd.Flags().String("addr", "", "Listen address (default serve.addr)")
	historyCmd.Flags().String("server", "", "Only list measurements against this server name")
	historyCmd.Flags().Int("limit", 20, "Maximum number of measurements")

	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(initDBCmd)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.speedtest-orchestrator")
	viper.AddConfigPath("/etc/speedtest-orchestrator/")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return
		}
		fmt.Printf("Error reading config file: %v\n", err)
		os.Exit(1)
	}
}

func initDB() (*database.DB, error) {
	db, err := database.NewDB()
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	err = db.InitSchema(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

// newController wires a controller to HTTP clients dialing through the
// configured transport.
func newController(s config.Settings) (*controller.Controller, error) {
	client, err := fetch.NewClient(fetch.Options{
		Transport:       s.Transport,
		Address:         s.Address,
		FollowRedirects: s.FollowRedirects,
	})
	if err != nil {
		return nil, err
	}

	prober := probe.NewProber(client, logger)
	prober.Timeout = s.ProbeTimeout
	prober.MaxAttempts = s.MaxAttempts
	prober.SlowThreshold = s.SlowThreshold
	prober.OriginScheme = s.OriginScheme

	return controller.New(controller.Options{
		NewUnit:      func() worker.Unit { return worker.New(client, logger) },
		Selector:     selector.New(prober, s.Concurrency, logger),
		Client:       client,
		OriginScheme: s.OriginScheme,
		PollInterval: s.PollInterval,
		Logger:       logger,
	}), nil
}

func loadServers(ctx context.Context, c *controller.Controller, source string, s config.Settings) error {
	if source == "" {
		source = s.ServerList
	}
	if source == "" {
		return fmt.Errorf("no server list given, use --servers or test.server_list")
	}

	var err error
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		_, err = c.LoadServerList(ctx, source)
	} else {
		_, err = c.LoadServerFile(source)
	}
	return err
}

func configure(c *controller.Controller, defaults map[string]any, params []string) error {
	for k, v := range defaults {
		if err := c.Configure(k, v); err != nil {
			return err
		}
	}
	for _, p := range params {
		key, value, err := parseParam(p)
		if err != nil {
			return err
		}
		if err := c.Configure(key, value); err != nil {
			return err
		}
	}
	return nil
}

func saveMeasurement(c *controller.Controller, last models.StatusSnapshot, aborted bool) error {
	db, err := initDB()
	if err != nil {
		return err
	}
	defer db.Close()

	id, err := uuid.Parse(last.TestID)
	if err != nil {
		id = uuid.New()
	}
	server, _ := c.GetSelectedServer()

	var extra json.RawMessage
	if v, ok := c.Settings()[controller.KeyTelemetryExtra].(string); ok && json.Valid([]byte(v)) {
		extra = json.RawMessage(v)
	}

	return db.InsertMeasurement(context.Background(), models.NewMeasurement(id, server, last, aborted, extra))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// Gray Logic BLE - smart lock discovery bridge
//
// This is the main entry point for the BLE discovery service. It drives a
// Bluetooth LE radio (Linux HCI socket, an H4 UART controller, or a
// simulator), keeps a registry of smart locks seen on air, and bridges that
// registry to the Gray Logic MQTT bus, a discovery journal, InfluxDB and a
// small REST/WebSocket API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	_ "github.com/nerrad567/gray-logic-ble/migrations"

	"github.com/nerrad567/gray-logic-ble/internal/api"
	"github.com/nerrad567/gray-logic-ble/internal/auth"
	"github.com/nerrad567/gray-logic-ble/internal/bridges/ble"
	"github.com/nerrad567/gray-logic-ble/internal/discovery"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-ble/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-ble/internal/journal"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// defaultScanDuration bounds the one-off scan command.
const defaultScanDuration = 10 * time.Second

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 24 * time.Hour

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp(ctx).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the global command-line settings.
type options struct {
	configPath string
	debug      bool
	active     bool
}

func globalOptions(c *cli.Context) options {
	return options{
		configPath: c.GlobalString("config"),
		debug:      c.GlobalBool("debug"),
		active:     c.GlobalBool("active"),
	}
}

// newApp builds the command-line application. "run" is the default command.
func newApp(ctx context.Context) *cli.App {
	app := cli.NewApp()

	app.Name = "graylogic-ble"
	app.Usage = "Discover BLE smart locks and bridge them to Gray Logic"
	app.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  defaultConfigPath,
			EnvVar: "GRAYLOGIC_CONFIG",
			Usage:  "path to the YAML configuration file",
		},
		cli.BoolFlag{Name: "debug", Usage: "log every advertisement the controller sees"},
		cli.BoolFlag{Name: "active", Usage: "scan in active mode (request scan responses)"},
	}

	runAction := func(c *cli.Context) error {
		return run(ctx, globalOptions(c))
	}
	app.Action = runAction

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "Run the discovery bridge until interrupted",
			Action: runAction,
		},
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "Scan once and print the smart locks found",
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "duration, d", Value: defaultScanDuration, Usage: "how long to scan"},
			},
			Action: func(c *cli.Context) error {
				return scan(ctx, globalOptions(c), c.Duration("duration"), c.App.Writer)
			},
		},
		{
			Name:  "token",
			Usage: "Mint an API bearer token signed with api.auth.jwt_secret",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "subject", Value: "operator", Usage: "token subject"},
				cli.StringFlag{Name: "role", Value: string(auth.RoleOperator), Usage: "viewer or operator"},
				cli.DurationFlag{Name: "ttl", Value: defaultTokenTTL, Usage: "token lifetime"},
			},
			Action: func(c *cli.Context) error {
				return mintToken(globalOptions(c), c.String("subject"), auth.Role(c.String("role")), c.Duration("ttl"), c.App.Writer)
			},
		},
		{
			Name:  "migrate",
			Usage: "Manage the database schema",
			Subcommands: []cli.Command{
				{
					Name:  "up",
					Usage: "Apply pending migrations",
					Action: func(c *cli.Context) error {
						return migrate(ctx, globalOptions(c), migrateUp, c.App.Writer)
					},
				},
				{
					Name:  "down",
					Usage: "Revert the latest applied migration",
					Action: func(c *cli.Context) error {
						return migrate(ctx, globalOptions(c), migrateDown, c.App.Writer)
					},
				},
				{
					Name:  "status",
					Usage: "List migrations and whether each is applied",
					Action: func(c *cli.Context) error {
						return migrate(ctx, globalOptions(c), migrateStatus, c.App.Writer)
					},
				},
			},
		},
	}

	return app
}

// loadConfig reads the configuration file and applies command-line
// overrides. A missing file at the default path falls back to built-in
// defaults; an explicitly named file must exist.
func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		if opts.configPath != defaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		if cfg, err = config.Default(); err != nil {
			return nil, fmt.Errorf("loading default config: %w", err)
		}
	}

	if opts.debug {
		cfg.BLE.Debug = true
	}
	if opts.active {
		cfg.BLE.Active = true
	}
	return cfg, nil
}

// run is the service logic, separated from main for testability.
func run(ctx context.Context, opts options) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic BLE",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", opts.configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // Best-effort on exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"output", cfg.Logging.Output,
	)

	// Open database
	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	journalRepo := journal.NewSQLiteRepository(db.DB)

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	var metrics ble.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Open the radio and wait for it to come up
	controller, adapter, err := startScanner(cfg.BLE, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing radio")
		controller.Close() //nolint:errcheck // Close never fails
		if closeErr := adapter.Close(); closeErr != nil {
			log.Error("error closing radio", "error", closeErr)
		}
	}()

	if err := waitReady(ctx, controller, cfg.BLE); err != nil {
		var timeoutErr *discovery.TimeoutError
		if !errors.As(err, &timeoutErr) {
			return err
		}
		// The bridge starts scanning on readyToScan if the radio comes up later.
		log.Warn("radio not ready, continuing", "waited", timeoutErr.Elapsed, "state", controller.State().String())
	}

	// Start BLE bridge
	bridge, err := ble.NewBridge(ble.BridgeOptions{
		Version:        version,
		Scanner:        controller,
		MQTTClient:     &mqttBridgeAdapter{client: mqttClient},
		Metrics:        metrics,
		Journal:        journalRepo,
		AutoStart:      cfg.BLE.AutoStart,
		ActiveMode:     cfg.BLE.Active,
		HealthInterval: time.Duration(cfg.BLE.HealthInterval) * time.Second,
		Logger:         log,
	})
	if err != nil {
		return fmt.Errorf("creating BLE bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting BLE bridge: %w", err)
	}
	defer func() {
		log.Info("stopping BLE bridge")
		bridge.Stop()
	}()
	log.Info("BLE bridge started", "auto_start", cfg.BLE.AutoStart, "active", cfg.BLE.Active)

	// Start API server (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log,
			Scanner: controller,
			Journal: journalRepo,
			MQTT:    mqttClient,
			Bridge:  bridge,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		if cfg.API.Auth.JWTSecret == "" {
			log.Warn("API authentication disabled; set api.auth.jwt_secret to require tokens")
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API, bridge, radio, InfluxDB, MQTT,
	// database, log file.
	log.Info("Gray Logic BLE stopped")
	return nil
}

// scan runs a one-off scan for d and prints the locks found to w. It needs
// only the radio; MQTT, the database and InfluxDB are not touched.
func scan(ctx context.Context, opts options, d time.Duration, w io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	// Keep stdout for the result table.
	logCfg := cfg.Logging
	if logCfg.Output == "stdout" {
		logCfg.Output = "stderr"
	}
	log := logging.New(logCfg, version)
	defer log.Close() //nolint:errcheck // Best-effort on exit

	controller, adapter, err := startScanner(cfg.BLE, log)
	if err != nil {
		return err
	}
	defer func() {
		controller.Close() //nolint:errcheck // Close never fails
		adapter.Close()    //nolint:errcheck // Best-effort on exit
	}()

	if err := waitReady(ctx, controller, cfg.BLE); err != nil {
		return err
	}

	start := controller.StartScanning
	if cfg.BLE.Active {
		start = controller.StartActiveScanning
	}
	if err := start(); err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := controller.StopScanning(); err != nil {
		log.Warn("stopping scan failed", "error", err)
	}

	return printLocks(w, controller.SmartLocks())
}

// printLocks writes the registry as an aligned table.
func printLocks(w io.Writer, locks []*discovery.SmartLock) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tRSSI\tMANUFACTURER DATA")
	for _, l := range locks {
		info := l.Info()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", info.ID, info.Name, info.RSSI, info.ManufacturerData)
	}
	fmt.Fprintf(tw, "\n%d smart lock(s) found\n", len(locks))
	return tw.Flush()
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	// Radio readiness is reported through bridge health rather than
	// failing startup.
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the BLE
// bridge's MQTTClient interface. The difference is the handler signature:
// the infrastructure client's handlers return an error, the bridge's do not.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements ble.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements ble.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements ble.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// mintToken prints a signed API token for the configured secret.
func mintToken(opts options, subject string, role auth.Role, ttl time.Duration, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.API.Auth.JWTSecret == "" {
		return errors.New("api.auth.jwt_secret is not set; the API is open and needs no token")
	}

	token, err := auth.GenerateAccessToken(subject, role, cfg.API.Auth.JWTSecret, ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Fprintln(out, token) //nolint:errcheck // CLI output
	return nil
}

type migrateAction int

const (
	migrateUp migrateAction = iota
	migrateDown
	migrateStatus
)

// migrate opens the configured database and runs one schema action. The
// service applies pending migrations itself on start; this is for operators.
func migrate(ctx context.Context, opts options, action migrateAction, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Best-effort on exit

	switch action {
	case migrateUp:
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	case migrateDown:
		reverted, err := db.MigrateDown(ctx)
		if err != nil {
			return fmt.Errorf("reverting migration: %w", err)
		}
		if reverted == "" {
			fmt.Fprintln(out, "no migrations applied") //nolint:errcheck // CLI output
			return nil
		}
		fmt.Fprintln(out, "reverted", reverted) //nolint:errcheck // CLI output
		return nil
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	return printMigrations(out, status)
}

func printMigrations(w io.Writer, status []database.MigrationState) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, m := range status {
		state, at := "pending", ""
		if m.Applied {
			state = "applied"
			at = m.AppliedAt.Format(time.RFC3339)
		}
		name := m.Name
		if name == "" {
			name = "(missing)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Version, name, state, at)
	}
	return tw.Flush()
}

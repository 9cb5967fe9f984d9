package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dLog/cmd/util"
	"github.com/ValentinKolb/dLog/lib/journal"
	"github.com/ValentinKolb/dLog/lib/kv"
	"github.com/ValentinKolb/dLog/lib/logger"
	"github.com/ValentinKolb/dLog/lib/util"
	"github.com/ValentinKolb/dLog/lib/vsr"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/ValentinKolb/dLog/rpc/peer"
	"github.com/ValentinKolb/dLog/rpc/server"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	log = logger.GetLogger("cmd")

	// Version is stamped by the root command
	Version = "dev"

	serveCmdConfig common.NodeConfig
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start one dLog replica",
		Long:    `Start one dLog replica. The configuration comes from a YAML file, individual settings can be overridden via command line flags or environment variables. The format of the environment variables is DLOG_<flag> (e.g. DLOG_LOG_LEVEL=debug)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "config"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path to the replica's YAML configuration file. Omitting it starts a single in-memory replica with defaults"))

	key = "replica"
	ServeCmd.PersistentFlags().Int(key, 1, cmdUtil.WrapString("This replica's ID, must appear in the cluster topology"))

	key = "cluster"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated cluster topology in the format 'ID=address' (e.g. '1=localhost:7071,2=localhost:7072,3=localhost:7073')"))

	key = "transport"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Peer transport medium (tcp, unix, memory)"))

	key = "serializer"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Peer wire codec (binary, gob)"))

	key = "api-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address on which the admin API will listen (e.g. localhost:8080). Empty disables the API"))

	key = "journal-dir"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory for the on-disk journal"))

	key = "in-memory"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Keep the journal in memory, nothing survives a restart"))

	key = "engine"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Applied-state engine (map, cache)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// flagSet reports whether the user provided a value for the key, on the
// command line or in the environment.
func flagSet(flags *pflag.FlagSet, key string) bool {
	if f := flags.Lookup(key); f != nil && f.Changed {
		return true
	}
	_, ok := os.LookupEnv("DLOG_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_")))
	return ok
}

// processConfig loads the configuration file and applies the overrides
// from command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// start from the file when one is given, defaults otherwise
	if path := viper.GetString("config"); path != "" {
		cfg, err := common.LoadNodeConfig(path)
		if err != nil {
			return err
		}
		serveCmdConfig = cfg
	} else {
		serveCmdConfig = common.DefaultNodeConfig()
	}

	// apply overrides, a flag default must not clobber the file
	flags := cmd.Flags()
	if flagSet(flags, "replica") {
		id := viper.GetInt("replica")
		if id < 1 || id > 254 {
			return fmt.Errorf("invalid replica ID %d, must be between 1 and 254", id)
		}
		serveCmdConfig.Replica = uint8(id)
	}
	if flagSet(flags, "cluster") {
		members := map[uint8]string{}
		for _, member := range strings.Split(viper.GetString("cluster"), ",") {
			parts := strings.Split(member, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
			}
			id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
			if err != nil {
				return fmt.Errorf("invalid replica ID %s: %v", parts[0], err)
			}
			members[uint8(id)] = strings.TrimSpace(parts[1])
		}
		serveCmdConfig.Cluster = members
	}
	if flagSet(flags, "transport") {
		serveCmdConfig.Transport.Type = viper.GetString("transport")
	}
	if flagSet(flags, "serializer") {
		serveCmdConfig.Serializer = viper.GetString("serializer")
	}
	if flagSet(flags, "api-endpoint") {
		serveCmdConfig.API.Endpoint = viper.GetString("api-endpoint")
	}
	if flagSet(flags, "journal-dir") {
		serveCmdConfig.Journal.Dir = viper.GetString("journal-dir")
		serveCmdConfig.Journal.InMemory = false
	}
	if flagSet(flags, "in-memory") {
		serveCmdConfig.Journal.InMemory = viper.GetBool("in-memory")
	}
	if flagSet(flags, "engine") {
		serveCmdConfig.Engine.Type = viper.GetString("engine")
	}
	if flagSet(flags, "log-level") {
		serveCmdConfig.LogLevel = viper.GetString("log-level")
	}

	return serveCmdConfig.Validate()
}

// run starts the replica and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	cfg := serveCmdConfig

	// loggers first, everything below logs through them
	common.InitLoggers(cfg)

	incarnation := uuid.New()
	log.Infof("Starting dLog v%s, replica %d, incarnation %s", Version, cfg.Replica, incarnation)
	log.Infof("%s", cfg.String())

	// protocol configuration
	cluster, err := vsr.NewClusterConfig(cfg.Members())
	if err != nil {
		return err
	}
	cluster = cluster.WithTimeouts(cfg.VSRTimeouts())

	// journal
	var jrnl vsr.IJournal
	if cfg.Journal.InMemory {
		jrnl = journal.NewMemory()
	} else {
		if err := os.MkdirAll(cfg.Journal.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %v", err)
		}
		path := filepath.Join(cfg.Journal.Dir, fmt.Sprintf("replica-%d.journal", cfg.Replica))
		jrnl, err = journal.Open(path, vsr.ReplicaID(cfg.Replica))
		if err != nil {
			return err
		}
	}

	// applied-state engine and state machine
	var engine kv.IEngine
	switch cfg.Engine.Type {
	case "", "map":
		var opts *kv.MapEngineOptions
		if cfg.Engine.SweepIntervalMs > 0 {
			opts = &kv.MapEngineOptions{SweepInterval: time.Duration(cfg.Engine.SweepIntervalMs) * time.Millisecond}
		}
		engine = kv.NewMapEngine(opts)
	case "cache":
		engine = kv.NewCacheEngine(cfg.Engine.CacheMaxBytes)
	default:
		return fmt.Errorf("invalid engine %s", cfg.Engine.Type)
	}

	// replica mesh
	ser, err := peer.BuildSerializer(cfg)
	if err != nil {
		return err
	}
	instrumentation := vsr.NewInstrumentation(vsr.ReplicaID(cfg.Replica), cluster)
	sender, err := peer.NewSender(cfg, ser, instrumentation)
	if err != nil {
		return err
	}

	// the replica core, restored from the journal
	node, err := vsr.NewNode(vsr.ReplicaID(cfg.Replica), cluster, kv.NewStateMachine(engine), jrnl, sender, vsr.NodeOptions{
		Seed:    uint64(util.HashString(incarnation.String(), 0)),
		Metrics: instrumentation,
	})
	if err != nil {
		return err
	}

	receiver, err := peer.NewReceiver(cfg, ser, node, instrumentation)
	if err != nil {
		return err
	}
	log.Infof("Peer listener on %s", receiver.Addr())

	node.Start()

	// the admin API executes commands through its own client session, the
	// incarnation keys it so a restarted replica never reuses session state
	store := kv.NewStore(node, vsr.ClientID(util.HashString(incarnation.String(), 1)))

	var admin *server.AdminServer
	if cfg.API.Endpoint != "" {
		admin = server.NewAdminServer(cfg.API, node, store, server.ServerOptions{
			Version:     Version,
			Incarnation: incarnation.String(),
			Journal:     jrnl,
		})
		go func() {
			if err := admin.Serve(); err != nil {
				log.Errorf("Admin server failed: %v", err)
			}
		}()
	}

	log.Infof("Replica %d running", cfg.Replica)

	// wait for shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received %s, shutting down", sig)

	// stop order: clients first, then inbound peers, then the core (which
	// syncs and closes the journal), then outbound links
	if admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(ctx); err != nil {
			log.Warningf("Admin server shutdown: %v", err)
		}
		cancel()
	}
	if err := receiver.Close(); err != nil {
		log.Warningf("Receiver close: %v", err)
	}
	node.Stop()
	if err := sender.Close(); err != nil {
		log.Warningf("Sender close: %v", err)
	}
	if err := engine.Close(); err != nil {
		log.Warningf("Engine close: %v", err)
	}

	log.Infof("Replica %d stopped", cfg.Replica)
	return nil
}

// initConfig reads in ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dlog")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

package cmd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ValentinKolb/dLog/cmd/bench"
	"github.com/ValentinKolb/dLog/cmd/client"
	"github.com/ValentinKolb/dLog/cmd/serve"
	"github.com/ValentinKolb/dLog/cmd/util"
	"github.com/ValentinKolb/dLog/rpc/common"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dlog",
		Short: "replicated key-value store",
		Long: fmt.Sprintf(`dLog (v%s)

A replicated, consistent key-value store written in Go, built on a
Viewstamped Replication engine for linearizability and fault tolerance.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dLog",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dLog v%s\n", Version)
		},
	}

	// keygenCmd generates one Ed25519 keypair for message signing
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for message signing",
		Long: `Generate an Ed25519 keypair for message signing. The private key goes
into the security.signing_key field of one replica's configuration, the
public key into the security.verify_keys map of every replica.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate keypair: %v", err)
			}
			fmt.Printf("signing_key: %s\n", hex.EncodeToString(priv.Seed()))
			fmt.Printf("verify_key:  %s\n", hex.EncodeToString(pub))
			return nil
		},
	}

	// initCmd scaffolds the configuration files of a fresh cluster
	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Scaffold the configuration files for a new cluster",
		Long: `Scaffold the configuration files for a new cluster. One YAML file is
written per replica, sharing the same cluster topology. The files are a
starting point, review them before use.`,
		RunE: runInit,
	}
)

func init() {
	serve.Version = Version

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.ClientCommands)
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(keygenCmd)
	RootCmd.AddCommand(initCmd)

	// Add Flags for the init command
	key := "replicas"
	initCmd.Flags().Int(key, 3, util.WrapString("Number of replicas in the cluster"))
	key = "dir"
	initCmd.Flags().String(key, ".", util.WrapString("Directory to write the configuration files and journals to"))
	key = "base-port"
	initCmd.Flags().Int(key, 7070, util.WrapString("First peer port. Replica i listens for peers on base-port+i and serves its admin API on base-port+1000+i"))
	key = "transport"
	initCmd.Flags().String(key, "tcp", util.WrapString("Peer transport to configure (tcp, unix, memory)"))
	key = "sign"
	initCmd.Flags().Bool(key, false, util.WrapString("Generate an Ed25519 keypair per replica and enable message signing"))
}

// runInit writes one configuration file per replica.
func runInit(cmd *cobra.Command, _ []string) error {
	replicas, _ := cmd.Flags().GetInt("replicas")
	dir, _ := cmd.Flags().GetString("dir")
	basePort, _ := cmd.Flags().GetInt("base-port")
	transportType, _ := cmd.Flags().GetString("transport")
	sign, _ := cmd.Flags().GetBool("sign")

	if replicas < 1 || replicas > 254 {
		return fmt.Errorf("replicas must be between 1 and 254, got %d", replicas)
	}

	// Shared cluster topology
	cluster := make(map[uint8]string, replicas)
	for i := 1; i <= replicas; i++ {
		id := uint8(i)
		switch transportType {
		case "tcp":
			cluster[id] = fmt.Sprintf("localhost:%d", basePort+i)
		case "unix":
			cluster[id] = filepath.Join(dir, fmt.Sprintf("replica-%d.sock", i))
		case "memory":
			cluster[id] = fmt.Sprintf("mem://replica-%d", i)
		default:
			return fmt.Errorf("invalid transport %s", transportType)
		}
	}

	// One keypair per replica when signing is requested
	signingKeys := make(map[uint8]string, replicas)
	verifyKeys := make(map[uint8]string, replicas)
	if sign {
		for i := 1; i <= replicas; i++ {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("failed to generate keypair: %v", err)
			}
			signingKeys[uint8(i)] = hex.EncodeToString(priv.Seed())
			verifyKeys[uint8(i)] = hex.EncodeToString(pub)
		}
	}

	for i := 1; i <= replicas; i++ {
		id := uint8(i)

		cfg := common.DefaultNodeConfig()
		cfg.Replica = id
		cfg.Cluster = cluster
		cfg.Transport.Type = transportType
		cfg.Journal.InMemory = false
		cfg.Journal.Dir = filepath.Join(dir, fmt.Sprintf("replica-%d", i))
		cfg.API.Endpoint = fmt.Sprintf("localhost:%d", basePort+1000+i)
		if sign {
			cfg.Security.SigningKey = signingKeys[id]
			cfg.Security.VerifyKeys = verifyKeys
		}

		path := filepath.Join(dir, fmt.Sprintf("dlog-replica-%d.yaml", i))
		if err := common.WriteNodeConfig(cfg, path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
	}

	fmt.Printf("\nStart each replica with: dlog serve --config <file>\n")
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

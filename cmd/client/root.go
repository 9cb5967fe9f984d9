package client

import (
	"github.com/ValentinKolb/dLog/cmd/util"
	"github.com/ValentinKolb/dLog/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.Client

	// ClientCommands represents the client command group
	ClientCommands = &cobra.Command{
		Use:               "client",
		Short:             "Perform key-value operations against a running cluster",
		PersistentPreRunE: setupClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common client flags to the command group
	util.SetupClientFlags(ClientCommands)

	// Add subcommands
	ClientCommands.AddCommand(setCmd)
	ClientCommands.AddCommand(setECmd)
	ClientCommands.AddCommand(setIfUnsetCmd)
	ClientCommands.AddCommand(getCmd)
	ClientCommands.AddCommand(exprCmd)
	ClientCommands.AddCommand(delCmd)
	ClientCommands.AddCommand(hasCmd)
	ClientCommands.AddCommand(statusCmd)
}

// setupClient initializes the store client
func setupClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Create the store client
	var err error
	rpcClient, err = client.New(*util.GetClientConfig())
	return err
}

package client

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			if err := rpcClient.Set(cmd.Context(), key, []byte(value)); err != nil {
				return err
			} else {
				fmt.Println("set successfully")
			}
			return nil
		},
	}
	setECmd = &cobra.Command{
		Use:   "setE [key] [value] [expireIn] [deleteIn]",
		Short: "Sets the value for a key with expiration and deletion offsets",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			expireIn, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("expireIn must be a number: %w", err)
			}
			deleteIn, err := strconv.ParseUint(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("deleteIn must be a number: %w", err)
			}
			if err := rpcClient.SetE(
				cmd.Context(),
				key,
				[]byte(value),
				expireIn,
				deleteIn,
			); err != nil {
				return err
			} else {
				fmt.Println("setE successfully")
			}
			return nil
		},
	}
	setIfUnsetCmd = &cobra.Command{
		Use:   "setIfUnset [key] [value] [expireIn] [deleteIn]",
		Short: "Sets the value for a key only if the key is not already set",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			value := args[1]
			expireIn, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("expireIn must be a number: %w", err)
			}
			deleteIn, err := strconv.ParseUint(args[3], 10, 64)
			if err != nil {
				return fmt.Errorf("deleteIn must be a number: %w", err)
			}
			if err := rpcClient.SetIfUnset(
				cmd.Context(),
				key,
				[]byte(value),
				expireIn,
				deleteIn,
			); err != nil {
				return err
			} else {
				fmt.Println("setIfUnset successfully")
			}
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if resp, ok, err := rpcClient.Get(cmd.Context(), key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%v, resp=%s\n", key, ok, resp)
			}
			return nil
		},
	}
	exprCmd = &cobra.Command{
		Use:   "expr [key]",
		Short: "Expires the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := rpcClient.Expire(cmd.Context(), key); err != nil {
				return err
			} else {
				fmt.Println("expire successfully")
			}
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if err := rpcClient.Delete(cmd.Context(), key); err != nil {
				return err
			} else {
				fmt.Println("delete successfully")
			}
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if found, err := rpcClient.Has(cmd.Context(), key); err != nil {
				return err
			} else {
				fmt.Printf("key=%s, found=%t\n", key, found)
			}
			return nil
		},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Shows the status of the preferred replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := rpcClient.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("version=%s, incarnation=%s\n", status.Version, status.Incarnation)
			fmt.Printf("replica=%d, status=%s, view=%d, leader=%d\n",
				status.Node.Replica, status.Node.Status, status.Node.View, status.Node.Leader)
			fmt.Printf("op=%d, commit=%d, log entries=%d (%d bytes), sessions=%d\n",
				status.Node.OpNumber, status.Node.Commit, status.Node.LogEntries, status.Node.LogBytes, status.Node.Sessions)
			if status.Journal != nil {
				fmt.Printf("journal=%s, records=%d, live=%d bytes, dead=%d bytes\n",
					status.Journal.Path, status.Journal.Records, status.Journal.LiveBytes, status.Journal.DeadBytes)
			}
			return nil
		},
	}
)

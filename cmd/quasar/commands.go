package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func printReply(lines []string) {
	for _, line := range lines {
		fmt.Println(line)
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Shut down the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/shutdown/__")
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print fleet status from the running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/status/__")
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <ip> <port> <scale>",
		Short: "Add a backend server to the fleet",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/addserver/__ " + strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <ip> <port>",
		Short: "Remove a backend server from the fleet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/removeserver/__ " + strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func unlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <ip> <port>",
		Short: "Force a locked server back to active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/unlockserver/__ " + strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash <key>...",
		Short: "Print which backend currently owns each key",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/hashserver/__ " + strings.Join(args, " "))
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Bulk-load records from a local file or s3:// URI through the running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := sendAdminCommand("__/importdata/__ " + args[0])
			if err != nil {
				return err
			}
			printReply(out)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("quasar 1.0.0")
			return nil
		},
	}
}
